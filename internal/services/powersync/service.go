package powersync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openhvx/openhvx/internal/config"
	"github.com/openhvx/openhvx/internal/domain"
)

// Reconciler merges host VM state reports into the authoritative store and
// adjudicates VMs that stopped appearing in their host's reports.
//
// Multiple hosts report concurrently; the reconciler takes no locks of its
// own. Safety under concurrent passes rests on the store's conditional
// per-VM writes and on the timestamp discipline of adjudicateMissing.
type Reconciler struct {
	repo   InstanceRepository
	bus    EventPublisher
	grace  time.Duration
	logger *zap.Logger
}

// NewReconciler creates a power-state reconciler from injected capabilities.
func NewReconciler(repo InstanceRepository, bus EventPublisher, cfg config.SyncConfig, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:   repo,
		bus:    bus,
		grace:  cfg.GracePeriod(),
		logger: logger.Named("power-sync"),
	}
}

// ProcessHostVMStateReport reconciles a periodic host report. The missing-VM
// grace period is honored strictly.
func (r *Reconciler) ProcessHostVMStateReport(ctx context.Context, hostID string, report HostVMStateReport) error {
	r.logger.Debug("Processing host VM state report", zap.String("host_id", hostID))
	return r.processReport(ctx, hostID, r.ConvertVMStateReport(ctx, report), false)
}

// ProcessHostVMStatePingReport reconciles a report delivered by the
// out-of-band ping path. force bypasses the grace period and must only be set
// when the caller has independently established that the report is complete
// or the host unreachable.
func (r *Reconciler) ProcessHostVMStatePingReport(ctx context.Context, hostID string, report HostVMStateReport, force bool) error {
	r.logger.Debug("Processing host VM state report from ping", zap.String("host_id", hostID), zap.Bool("force", force))
	return r.processReport(ctx, hostID, r.ConvertVMStateReport(ctx, report), force)
}

// ResetHostSyncState clears power-state tracking metadata for every VM on the
// host. Called when a host reconnects so stale timestamps do not trigger
// spurious missing-VM confirmations against a freshly resumed cadence.
func (r *Reconciler) ResetHostSyncState(ctx context.Context, hostID string) error {
	r.logger.Info("Resetting VM power state sync for host", zap.String("host_id", hostID))
	return r.repo.ResetHostPowerStateTracking(ctx, hostID)
}

// ConvertVMStateReport resolves report entries to VM identities, producing a
// map from VM id to reported power state. A nil report yields an empty map.
// Entries whose name does not resolve are dropped; hosts legitimately report
// transient or foreign VMs.
func (r *Reconciler) ConvertVMStateReport(ctx context.Context, report HostVMStateReport) map[string]domain.PowerState {
	translated := make(map[string]domain.PowerState, len(report))

	for name, entry := range report {
		vm, err := r.repo.FindByName(ctx, name)
		if err != nil {
			r.logger.Debug("No matching VM for reported instance name",
				zap.String("vm_name", name),
				zap.Error(err),
			)
			continue
		}
		translated[vm.ID] = entry.PowerState
	}

	return translated
}

func (r *Reconciler) processReport(ctx context.Context, hostID string, translated map[string]domain.PowerState, force bool) error {
	logger := r.logger.With(zap.String("host_id", hostID))
	logger.Debug("Processing VM state report", zap.Int("entries", len(translated)))

	for vmID, state := range translated {
		changed, err := r.repo.UpdatePowerState(ctx, vmID, hostID, state, time.Now())
		if err != nil {
			// One broken VM must not sink the rest of the report; the next
			// cycle retries naturally.
			logger.Warn("Failed to apply reported power state, skipping VM",
				zap.String("vm_id", vmID),
				zap.String("power_state", string(state)),
				zap.Error(err),
			)
			continue
		}
		if changed {
			logger.Debug("Power state updated",
				zap.String("vm_id", vmID),
				zap.String("power_state", string(state)),
			)
			r.notify(ctx, vmID)
		}
	}

	// Missing-VM writes are stamped with the instant before the candidate
	// query: an update landing on another host's pass while this one runs
	// must logically post-date anything this pass writes.
	startTime := time.Now()

	candidates, err := r.repo.FindByHostInStates(ctx, hostID, domain.PowerSyncStates...)
	if err != nil {
		return fmt.Errorf("failed to query active VMs on host %s: %w", hostID, err)
	}

	var missing []*domain.VMInstance
	for _, vm := range candidates {
		if _, reported := translated[vm.ID]; !reported {
			missing = append(missing, vm)
		}
	}

	r.adjudicateMissing(ctx, hostID, missing, startTime, force)

	logger.Debug("Done processing VM state report")
	return nil
}

// adjudicateMissing drives each missing candidate through the grace-period
// state machine. Candidates are independent; a skip or failure on one never
// affects the others.
func (r *Reconciler) adjudicateMissing(ctx context.Context, hostID string, missing []*domain.VMInstance, startTime time.Time, force bool) {
	if len(missing) == 0 {
		return
	}

	now := time.Now()
	r.logger.Debug("Running missing VM adjudication",
		zap.String("host_id", hostID),
		zap.Int("candidates", len(missing)),
		zap.Time("start_time", startTime),
	)

	for _, vm := range missing {
		logger := r.logger.With(
			zap.String("host_id", hostID),
			zap.String("vm_id", vm.ID),
			zap.String("vm_uuid", vm.UUID),
		)

		if !force {
			status, err := r.repo.PowerStateTracking(ctx, vm.ID)
			if err != nil {
				logger.Warn("Failed to check power state tracking, skipping VM", zap.Error(err))
				continue
			}
			switch status {
			case TrackingNotFound:
				// Deleted out from under the pass; nothing to adjudicate.
				logger.Debug("VM vanished during missing adjudication")
				continue
			case TrackingStale:
				logger.Warn("Missing VM has outdated power state, deferring to next report run")
				if err := r.repo.ResetPowerStateTracking(ctx, vm.ID); err != nil {
					logger.Warn("Failed to reset power state tracking", zap.Error(err))
				}
				continue
			}
		}

		lastUpdate := vm.LastStateUpdate()
		elapsed := now.Sub(lastUpdate)

		logger.Debug("Detected missing VM",
			zap.String("power_state", string(domain.PowerStateReportMissing)),
			zap.Time("last_state_update", lastUpdate),
			zap.Duration("elapsed", elapsed),
		)

		if !force && elapsed <= r.grace {
			logger.Debug("Missing VM still within grace period", zap.Duration("grace_period", r.grace))
			continue
		}

		changed, err := r.repo.UpdatePowerState(ctx, vm.ID, hostID, domain.PowerStateReportMissing, startTime)
		if err != nil {
			logger.Warn("Failed to mark VM as report-missing", zap.Error(err))
			continue
		}
		if changed {
			logger.Info("VM confirmed missing from host report")
			r.notify(ctx, vm.ID)
		} else {
			logger.Debug("Power state did not change, skipping missing write")
		}
	}
}

func (r *Reconciler) notify(ctx context.Context, vmID string) {
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishPowerStateChange(ctx, vmID); err != nil {
		r.logger.Warn("Failed to publish power state change", zap.String("vm_id", vmID), zap.Error(err))
	}
}

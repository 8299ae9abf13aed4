package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openhvx/openhvx/internal/domain"
)

// Service manages host registration, heartbeats and disconnect handling.
type Service struct {
	repo      Repository
	powerSync PowerSyncResetter
	registry  LivenessRegistry
	logger    *zap.Logger
}

// NewService creates a new host service. registry may be nil when no
// distributed liveness backend is configured.
func NewService(repo Repository, powerSync PowerSyncResetter, registry LivenessRegistry, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		powerSync: powerSync,
		registry:  registry,
		logger:    logger.Named("host-service"),
	}
}

// Register records a host as connected and ready to report. A host coming
// back from a disconnect gets its power-state sync tracking cleared first, so
// the next report is evaluated without inherited staleness.
func (s *Service) Register(ctx context.Context, h *domain.Host) (*domain.Host, error) {
	if h.ID == "" {
		return nil, fmt.Errorf("%w: host id is required", domain.ErrInvalidArgument)
	}

	logger := s.logger.With(zap.String("host_id", h.ID), zap.String("hostname", h.Hostname))

	existing, err := s.repo.Get(ctx, h.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.Phase = domain.HostPhaseReady
		now := time.Now()
		h.LastSeenAt = &now

		created, err := s.repo.Create(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create host: %w", err)
		}
		logger.Info("Host registered")
		s.lease(ctx, h.ID)
		return created, nil

	case err != nil:
		return nil, fmt.Errorf("failed to look up host: %w", err)
	}

	if existing.Phase == domain.HostPhaseDisconnected {
		logger.Info("Host reconnected, resetting power state sync")
		if err := s.powerSync.ResetHostSyncState(ctx, h.ID); err != nil {
			logger.Warn("Failed to reset power state sync on reconnect", zap.Error(err))
		}
	}

	if err := s.repo.UpdatePhase(ctx, h.ID, domain.HostPhaseReady, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to update host phase: %w", err)
	}
	s.lease(ctx, h.ID)

	return s.repo.Get(ctx, h.ID)
}

// Heartbeat refreshes a host's liveness lease and last-seen timestamp.
func (s *Service) Heartbeat(ctx context.Context, hostID string) error {
	if err := s.repo.UpdatePhase(ctx, hostID, domain.HostPhaseReady, time.Now()); err != nil {
		return err
	}
	s.lease(ctx, hostID)
	return nil
}

// Get retrieves a host by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Host, error) {
	return s.repo.Get(ctx, id)
}

// List returns all registered hosts.
func (s *Service) List(ctx context.Context) ([]*domain.Host, error) {
	return s.repo.List(ctx)
}

// MarkDisconnected flags a host as no longer reporting. Maintenance hosts are
// left alone.
func (s *Service) MarkDisconnected(ctx context.Context, hostID string) error {
	h, err := s.repo.Get(ctx, hostID)
	if err != nil {
		return err
	}
	if h.Phase == domain.HostPhaseMaintenance {
		return nil
	}

	s.logger.Warn("Host disconnected", zap.String("host_id", hostID))
	return s.repo.UpdatePhase(ctx, hostID, domain.HostPhaseDisconnected, time.Time{})
}

// WatchLiveness consumes lease events from the liveness registry until ctx is
// cancelled, marking hosts disconnected when their lease expires. No-op when
// no registry is configured.
func (s *Service) WatchLiveness(ctx context.Context) {
	if s.registry == nil {
		return
	}

	go func() {
		events := s.registry.Watch(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Alive {
					continue
				}
				if err := s.MarkDisconnected(ctx, ev.HostID); err != nil {
					s.logger.Warn("Failed to mark host disconnected",
						zap.String("host_id", ev.HostID),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

func (s *Service) lease(ctx context.Context, hostID string) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Register(ctx, hostID); err != nil {
		s.logger.Warn("Failed to register liveness lease", zap.String("host_id", hostID), zap.Error(err))
	}
}

// Package powersync reconciles hypervisor-reported VM power states against
// the authoritative control plane record.
package powersync

import (
	"context"
	"time"

	"github.com/openhvx/openhvx/internal/domain"
)

// ReportEntry is a single VM's entry in a host state report.
type ReportEntry struct {
	PowerState domain.PowerState `json:"power_state"`
	Detail     string            `json:"detail,omitempty"`
}

// HostVMStateReport maps hypervisor instance names to reported entries.
// Reports are transient; the reconciler never persists them.
type HostVMStateReport map[string]ReportEntry

// TrackingStatus is the result of a power-state tracking freshness check.
type TrackingStatus int

const (
	// TrackingUpToDate means the stored power state is confirmed by recent
	// reports and missing-VM adjudication may proceed.
	TrackingUpToDate TrackingStatus = iota

	// TrackingStale means a prior write is still pending confirmation; the
	// reconciler defers adjudication for one more cycle.
	TrackingStale

	// TrackingNotFound means the VM no longer exists in the store.
	TrackingNotFound
)

// InstanceRepository is the data access the reconciler requires from the
// authoritative store. Implementations must make UpdatePowerState a
// conditional write: no-op and false when the incoming state matches the
// stored state, and no-op when the stored power-state timestamp is newer
// than the incoming one.
type InstanceRepository interface {
	// FindByName resolves a hypervisor instance name to a VM record.
	// Returns domain.ErrNotFound for names unknown to the control plane.
	FindByName(ctx context.Context, name string) (*domain.VMInstance, error)

	// UpdatePowerState conditionally writes a VM's power state, reporting
	// host and timestamp, returning whether anything actually changed.
	UpdatePowerState(ctx context.Context, id, hostID string, state domain.PowerState, at time.Time) (bool, error)

	// FindByHostInStates returns VMs assigned to the host whose lifecycle
	// state is one of the given states.
	FindByHostInStates(ctx context.Context, hostID string, states ...domain.VMState) ([]*domain.VMInstance, error)

	// PowerStateTracking checks whether a VM's stored power state is still
	// confirmed. The error return is reserved for store failures; a deleted
	// VM surfaces as TrackingNotFound.
	PowerStateTracking(ctx context.Context, id string) (TrackingStatus, error)

	// ResetPowerStateTracking clears the tracking metadata of one VM.
	ResetPowerStateTracking(ctx context.Context, id string) error

	// ResetHostPowerStateTracking clears the tracking metadata of every VM
	// whose power state was last reported by the given host.
	ResetHostPowerStateTracking(ctx context.Context, hostID string) error
}

// EventPublisher notifies external subscribers that a VM's power state
// changed. Delivery is fire-and-forget; the reconciler never waits for
// acknowledgement.
type EventPublisher interface {
	PublishPowerStateChange(ctx context.Context, vmID string) error
}

// Package host provides registration and liveness bookkeeping for hypervisor hosts.
package host

import (
	"context"
	"time"

	"github.com/openhvx/openhvx/internal/domain"
)

// Repository defines the data access interface for hosts.
type Repository interface {
	// Create stores a new host and returns the created entity.
	Create(ctx context.Context, h *domain.Host) (*domain.Host, error)

	// Get retrieves a host by ID.
	Get(ctx context.Context, id string) (*domain.Host, error)

	// List returns all registered hosts.
	List(ctx context.Context) ([]*domain.Host, error)

	// Update replaces an existing host record.
	Update(ctx context.Context, h *domain.Host) (*domain.Host, error)

	// UpdatePhase updates a host's connectivity phase and last-seen timestamp.
	UpdatePhase(ctx context.Context, id string, phase domain.HostPhase, seenAt time.Time) error
}

// PowerSyncResetter is the slice of the power-state reconciler the host
// service needs: clearing sync tracking when a host comes back.
type PowerSyncResetter interface {
	ResetHostSyncState(ctx context.Context, hostID string) error
}

// LivenessEvent signals a change in a host's liveness lease.
type LivenessEvent struct {
	HostID string
	Alive  bool
}

// LivenessRegistry tracks host liveness through expiring leases. The etcd
// implementation backs this in production; lease expiry surfaces as an event
// with Alive=false.
type LivenessRegistry interface {
	// Register grants (or refreshes) the host's liveness lease.
	Register(ctx context.Context, hostID string) error

	// Deregister revokes the host's lease immediately.
	Deregister(ctx context.Context, hostID string) error

	// Watch streams liveness changes until ctx is cancelled.
	Watch(ctx context.Context) <-chan LivenessEvent
}

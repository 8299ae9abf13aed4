// Package memory provides in-memory repository implementations for development and testing.
// These repositories store data in memory and are not persistent across restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhvx/openhvx/internal/domain"
	"github.com/openhvx/openhvx/internal/services/powersync"
)

// Ensure InstanceRepository implements powersync.InstanceRepository
var _ powersync.InstanceRepository = (*InstanceRepository)(nil)

// InstanceRepository is an in-memory implementation of the VM instance store.
// It's useful for development and testing without requiring a database.
type InstanceRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.VMInstance
}

// NewInstanceRepository creates a new in-memory VM instance repository.
func NewInstanceRepository() *InstanceRepository {
	return &InstanceRepository{
		data: make(map[string]*domain.VMInstance),
	}
}

// Create stores a new VM instance.
func (r *InstanceRepository) Create(ctx context.Context, vm *domain.VMInstance) (*domain.VMInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vm.ID == "" {
		vm.ID = uuid.New().String()
	}
	if vm.UUID == "" {
		vm.UUID = uuid.New().String()
	}

	for _, existing := range r.data {
		if existing.Name == vm.Name {
			return nil, domain.ErrAlreadyExists
		}
	}

	now := time.Now()
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = now
	}
	vm.UpdatedAt = now

	stored := cloneInstance(vm)
	r.data[stored.ID] = stored

	return cloneInstance(stored), nil
}

// Get retrieves a VM instance by ID.
func (r *InstanceRepository) Get(ctx context.Context, id string) (*domain.VMInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vm, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return cloneInstance(vm), nil
}

// FindByName resolves a hypervisor instance name to a VM record.
func (r *InstanceRepository) FindByName(ctx context.Context, name string) (*domain.VMInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, vm := range r.data {
		if vm.Name == name {
			return cloneInstance(vm), nil
		}
	}

	return nil, domain.ErrNotFound
}

// Delete removes a VM instance by ID.
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}

	delete(r.data, id)
	return nil
}

// UpdatePowerState conditionally writes a VM's power state. The write is a
// no-op when a newer write has already landed (the stored power-state
// timestamp postdates the incoming one) and when the incoming state matches
// the stored state, in which case only the same-state counter advances.
func (r *InstanceRepository) UpdatePowerState(ctx context.Context, id, hostID string, state domain.PowerState, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vm, ok := r.data[id]
	if !ok {
		return false, domain.ErrNotFound
	}

	if vm.PowerStateUpdatedAt.After(at) {
		return false, nil
	}

	if vm.PowerState == state && vm.PowerHostID == hostID {
		if vm.PowerStateUpdateCount < domain.MaxSameStateUpdates {
			vm.PowerStateUpdateCount++
			vm.PowerStateUpdatedAt = at
		}
		return false, nil
	}

	vm.PowerState = state
	vm.PowerHostID = hostID
	vm.PowerStateUpdateCount = 1
	vm.PowerStateUpdatedAt = at
	vm.UpdatedAt = time.Now()

	return true, nil
}

// FindByHostInStates returns VMs assigned to the host in any of the given
// lifecycle states.
func (r *InstanceRepository) FindByHostInStates(ctx context.Context, hostID string, states ...domain.VMState) ([]*domain.VMInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.VMInstance
	for _, vm := range r.data {
		if vm.HostID != hostID {
			continue
		}
		for _, state := range states {
			if vm.State == state {
				result = append(result, cloneInstance(vm))
				break
			}
		}
	}

	return result, nil
}

// PowerStateTracking checks whether a VM's stored power state is confirmed.
func (r *InstanceRepository) PowerStateTracking(ctx context.Context, id string) (powersync.TrackingStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vm, ok := r.data[id]
	if !ok {
		return powersync.TrackingNotFound, nil
	}
	if vm.IsPowerStateUpToDate() {
		return powersync.TrackingUpToDate, nil
	}
	return powersync.TrackingStale, nil
}

// ResetPowerStateTracking clears the tracking metadata of one VM.
func (r *InstanceRepository) ResetPowerStateTracking(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vm, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}

	vm.PowerStateUpdateCount = 0
	return nil
}

// ResetHostPowerStateTracking clears the tracking metadata of every VM on the
// host.
func (r *InstanceRepository) ResetHostPowerStateTracking(ctx context.Context, hostID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, vm := range r.data {
		if vm.HostID == hostID || vm.PowerHostID == hostID {
			vm.PowerStateUpdateCount = 0
		}
	}

	return nil
}

// cloneInstance creates a copy of a VMInstance to prevent external mutations.
func cloneInstance(vm *domain.VMInstance) *domain.VMInstance {
	if vm == nil {
		return nil
	}
	clone := *vm
	return &clone
}

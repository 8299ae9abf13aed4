package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openhvx/openhvx/internal/domain"
	"github.com/openhvx/openhvx/internal/services/host"
)

// Ensure HostRepository implements host.Repository
var _ host.Repository = (*HostRepository)(nil)

// HostRepository is an in-memory implementation of the host store.
type HostRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Host
}

// NewHostRepository creates a new in-memory host repository.
func NewHostRepository() *HostRepository {
	return &HostRepository{
		data: make(map[string]*domain.Host),
	}
}

// Create stores a new host.
func (r *HostRepository) Create(ctx context.Context, h *domain.Host) (*domain.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[h.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}

	now := time.Now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now

	stored := cloneHost(h)
	r.data[stored.ID] = stored

	return cloneHost(stored), nil
}

// Get retrieves a host by ID.
func (r *HostRepository) Get(ctx context.Context, id string) (*domain.Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return cloneHost(h), nil
}

// List returns all registered hosts.
func (r *HostRepository) List(ctx context.Context) ([]*domain.Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Host, 0, len(r.data))
	for _, h := range r.data {
		result = append(result, cloneHost(h))
	}

	return result, nil
}

// Update replaces an existing host record.
func (r *HostRepository) Update(ctx context.Context, h *domain.Host) (*domain.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[h.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	h.UpdatedAt = time.Now()
	stored := cloneHost(h)
	r.data[h.ID] = stored

	return cloneHost(stored), nil
}

// UpdatePhase updates a host's connectivity phase and last-seen timestamp.
func (r *HostRepository) UpdatePhase(ctx context.Context, id string, phase domain.HostPhase, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}

	h.Phase = phase
	h.UpdatedAt = time.Now()
	if !seenAt.IsZero() {
		seen := seenAt
		h.LastSeenAt = &seen
	}

	return nil
}

// cloneHost creates a copy of a Host to prevent external mutations.
func cloneHost(h *domain.Host) *domain.Host {
	if h == nil {
		return nil
	}
	clone := *h
	if h.LastSeenAt != nil {
		t := *h.LastSeenAt
		clone.LastSeenAt = &t
	}
	return &clone
}

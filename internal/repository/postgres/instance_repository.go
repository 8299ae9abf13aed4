package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openhvx/openhvx/internal/domain"
	"github.com/openhvx/openhvx/internal/services/powersync"
)

// Ensure InstanceRepository implements powersync.InstanceRepository
var _ powersync.InstanceRepository = (*InstanceRepository)(nil)

// InstanceRepository implements the VM instance store using PostgreSQL.
type InstanceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new PostgreSQL VM instance repository.
func NewInstanceRepository(db *DB, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "vm_instance")),
	}
}

const instanceColumns = `
	id, uuid, name, state, host_id, power_state, power_host_id,
	power_state_updated_at, power_state_update_count, created_at, updated_at
`

func scanInstance(row pgx.Row) (*domain.VMInstance, error) {
	vm := &domain.VMInstance{}
	var hostID, powerHostID *string
	var powerUpdatedAt *time.Time

	err := row.Scan(
		&vm.ID,
		&vm.UUID,
		&vm.Name,
		&vm.State,
		&hostID,
		&vm.PowerState,
		&powerHostID,
		&powerUpdatedAt,
		&vm.PowerStateUpdateCount,
		&vm.CreatedAt,
		&vm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if hostID != nil {
		vm.HostID = *hostID
	}
	if powerHostID != nil {
		vm.PowerHostID = *powerHostID
	}
	if powerUpdatedAt != nil {
		vm.PowerStateUpdatedAt = *powerUpdatedAt
	}

	return vm, nil
}

// Create stores a new VM instance.
func (r *InstanceRepository) Create(ctx context.Context, vm *domain.VMInstance) (*domain.VMInstance, error) {
	if vm.ID == "" {
		vm.ID = uuid.New().String()
	}
	if vm.UUID == "" {
		vm.UUID = uuid.New().String()
	}

	query := `
		INSERT INTO vm_instances (id, uuid, name, state, host_id, power_state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.pool.QueryRow(ctx, query,
		vm.ID,
		vm.UUID,
		vm.Name,
		string(vm.State),
		nullString(vm.HostID),
		string(vm.PowerState),
	).Scan(&vm.CreatedAt, &vm.UpdatedAt)

	if err != nil {
		r.logger.Error("Failed to create VM instance", zap.Error(err), zap.String("name", vm.Name))
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert VM instance: %w", err)
	}

	r.logger.Info("Created VM instance", zap.String("id", vm.ID), zap.String("name", vm.Name))
	return vm, nil
}

// Get retrieves a VM instance by ID.
func (r *InstanceRepository) Get(ctx context.Context, id string) (*domain.VMInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM vm_instances WHERE id = $1`

	vm, err := scanInstance(r.db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get VM instance: %w", err)
	}

	return vm, nil
}

// FindByName resolves a hypervisor instance name to a VM record.
func (r *InstanceRepository) FindByName(ctx context.Context, name string) (*domain.VMInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM vm_instances WHERE name = $1`

	vm, err := scanInstance(r.db.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find VM instance by name: %w", err)
	}

	return vm, nil
}

// Delete removes a VM instance by ID.
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM vm_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete VM instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	r.logger.Info("Deleted VM instance", zap.String("id", id))
	return nil
}

// UpdatePowerState conditionally writes a VM's power state. The row is locked
// for the duration of the decision, so concurrent host passes serialize on
// the VM record rather than in the reconciler.
func (r *InstanceRepository) UpdatePowerState(ctx context.Context, id, hostID string, state domain.PowerState, at time.Time) (bool, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + instanceColumns + ` FROM vm_instances WHERE id = $1 FOR UPDATE`
	vm, err := scanInstance(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock VM instance: %w", err)
	}

	// A stored timestamp newer than the incoming write means another pass
	// already recorded fresher information; this write loses.
	if vm.PowerStateUpdatedAt.After(at) {
		return false, nil
	}

	changed := vm.PowerState != state || vm.PowerHostID != hostID
	if changed {
		_, err = tx.Exec(ctx, `
			UPDATE vm_instances
			SET power_state = $2, power_host_id = $3,
			    power_state_updated_at = $4, power_state_update_count = 1,
			    updated_at = now()
			WHERE id = $1
		`, id, string(state), hostID, at)
	} else if vm.PowerStateUpdateCount < domain.MaxSameStateUpdates {
		_, err = tx.Exec(ctx, `
			UPDATE vm_instances
			SET power_state_updated_at = $2,
			    power_state_update_count = power_state_update_count + 1
			WHERE id = $1
		`, id, at)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update power state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit power state update: %w", err)
	}

	return changed, nil
}

// FindByHostInStates returns VMs assigned to the host in any of the given
// lifecycle states.
func (r *InstanceRepository) FindByHostInStates(ctx context.Context, hostID string, states ...domain.VMState) ([]*domain.VMInstance, error) {
	stateStrings := make([]string, len(states))
	for i, s := range states {
		stateStrings[i] = string(s)
	}

	query := `SELECT ` + instanceColumns + ` FROM vm_instances WHERE host_id = $1 AND state = ANY($2)`

	rows, err := r.db.pool.Query(ctx, query, hostID, stateStrings)
	if err != nil {
		return nil, fmt.Errorf("failed to query VMs by host: %w", err)
	}
	defer rows.Close()

	var vms []*domain.VMInstance
	for rows.Next() {
		vm, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan VM instance: %w", err)
		}
		vms = append(vms, vm)
	}

	return vms, rows.Err()
}

// PowerStateTracking checks whether a VM's stored power state is confirmed.
func (r *InstanceRepository) PowerStateTracking(ctx context.Context, id string) (powersync.TrackingStatus, error) {
	var count int
	err := r.db.pool.QueryRow(ctx, `SELECT power_state_update_count FROM vm_instances WHERE id = $1`, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return powersync.TrackingNotFound, nil
	}
	if err != nil {
		return powersync.TrackingNotFound, fmt.Errorf("failed to read power state tracking: %w", err)
	}

	if count < domain.MaxSameStateUpdates {
		return powersync.TrackingUpToDate, nil
	}
	return powersync.TrackingStale, nil
}

// ResetPowerStateTracking clears the tracking metadata of one VM.
func (r *InstanceRepository) ResetPowerStateTracking(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `UPDATE vm_instances SET power_state_update_count = 0 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to reset power state tracking: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ResetHostPowerStateTracking clears the tracking metadata of every VM on the
// host.
func (r *InstanceRepository) ResetHostPowerStateTracking(ctx context.Context, hostID string) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE vm_instances SET power_state_update_count = 0
		WHERE host_id = $1 OR power_host_id = $1
	`, hostID)
	if err != nil {
		return fmt.Errorf("failed to reset host power state tracking: %w", err)
	}
	return nil
}

// =============================================================================
// Helper functions
// =============================================================================

// nullString returns a pointer to a string, or nil if empty.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// pgx surfaces unique violations with SQLSTATE 23505
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique constraint")
}

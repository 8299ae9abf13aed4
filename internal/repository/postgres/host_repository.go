package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openhvx/openhvx/internal/domain"
	"github.com/openhvx/openhvx/internal/services/host"
)

// Ensure HostRepository implements host.Repository
var _ host.Repository = (*HostRepository)(nil)

// HostRepository implements the host store using PostgreSQL.
type HostRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewHostRepository creates a new PostgreSQL host repository.
func NewHostRepository(db *DB, logger *zap.Logger) *HostRepository {
	return &HostRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "host")),
	}
}

const hostColumns = `id, hostname, management_ip, phase, created_at, updated_at, last_seen_at`

func scanHost(row pgx.Row) (*domain.Host, error) {
	h := &domain.Host{}
	var managementIP *string

	err := row.Scan(
		&h.ID,
		&h.Hostname,
		&managementIP,
		&h.Phase,
		&h.CreatedAt,
		&h.UpdatedAt,
		&h.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	if managementIP != nil {
		h.ManagementIP = *managementIP
	}

	return h, nil
}

// Create stores a new host.
func (r *HostRepository) Create(ctx context.Context, h *domain.Host) (*domain.Host, error) {
	query := `
		INSERT INTO hosts (id, hostname, management_ip, phase, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.db.pool.QueryRow(ctx, query,
		h.ID,
		h.Hostname,
		nullString(h.ManagementIP),
		string(h.Phase),
		h.LastSeenAt,
	).Scan(&h.CreatedAt, &h.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert host: %w", err)
	}

	r.logger.Info("Created host", zap.String("id", h.ID), zap.String("hostname", h.Hostname))
	return h, nil
}

// Get retrieves a host by ID.
func (r *HostRepository) Get(ctx context.Context, id string) (*domain.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE id = $1`

	h, err := scanHost(r.db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	return h, nil
}

// List returns all registered hosts.
func (r *HostRepository) List(ctx context.Context) ([]*domain.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts ORDER BY hostname`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*domain.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, h)
	}

	return hosts, rows.Err()
}

// Update replaces an existing host record.
func (r *HostRepository) Update(ctx context.Context, h *domain.Host) (*domain.Host, error) {
	query := `
		UPDATE hosts
		SET hostname = $2, management_ip = $3, phase = $4
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.pool.QueryRow(ctx, query,
		h.ID,
		h.Hostname,
		nullString(h.ManagementIP),
		string(h.Phase),
	).Scan(&h.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update host: %w", err)
	}

	return h, nil
}

// UpdatePhase updates a host's connectivity phase and last-seen timestamp.
func (r *HostRepository) UpdatePhase(ctx context.Context, id string, phase domain.HostPhase, seenAt time.Time) error {
	var result string
	query := `
		UPDATE hosts
		SET phase = $2, last_seen_at = COALESCE($3::timestamptz, last_seen_at), updated_at = now()
		WHERE id = $1
		RETURNING id
	`

	var seen *time.Time
	if !seenAt.IsZero() {
		seen = &seenAt
	}

	err := r.db.pool.QueryRow(ctx, query, id, string(phase), seen).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update host phase: %w", err)
	}

	return nil
}

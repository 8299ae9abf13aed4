// Package etcd provides the etcd-backed host liveness registry.
package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/openhvx/openhvx/internal/config"
	"github.com/openhvx/openhvx/internal/services/host"
)

const hostKeyPrefix = "openhvx/hosts/"

// Ensure Registry implements host.LivenessRegistry
var _ host.LivenessRegistry = (*Registry)(nil)

// Registry tracks host liveness through etcd leases. Each registered host
// holds a keepalive lease; when the host stops refreshing it, the key expires
// and Watch surfaces the host as no longer alive.
type Registry struct {
	client   *clientv3.Client
	session  *concurrency.Session
	leaseTTL time.Duration
	logger   *zap.Logger
}

// NewRegistry creates a new etcd-backed liveness registry.
func NewRegistry(cfg config.EtcdConfig, leaseTTL time.Duration, logger *zap.Logger) (*Registry, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// Session for coordination primitives (leader election)
	session, err := concurrency.NewSession(client, concurrency.WithTTL(30))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Registry{
		client:   client,
		session:  session,
		leaseTTL: leaseTTL,
		logger:   logger.Named("etcd-registry"),
	}, nil
}

// Close closes the etcd client and session.
func (r *Registry) Close() error {
	if r.session != nil {
		r.session.Close()
	}
	return r.client.Close()
}

// Health checks if etcd is reachable.
func (r *Registry) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.client.Status(ctx, r.client.Endpoints()[0])
	return err
}

// Register grants (or refreshes) the host's liveness lease.
func (r *Registry) Register(ctx context.Context, hostID string) error {
	ttl := int64(r.leaseTTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	_, err = r.client.Put(ctx, hostKeyPrefix+hostID, time.Now().Format(time.RFC3339), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("failed to register host key: %w", err)
	}

	return nil
}

// Deregister revokes the host's lease immediately.
func (r *Registry) Deregister(ctx context.Context, hostID string) error {
	_, err := r.client.Delete(ctx, hostKeyPrefix+hostID)
	return err
}

// Watch streams host liveness changes until ctx is cancelled. Key expiry
// (lease timeout) arrives as a DELETE event and is reported as Alive=false.
func (r *Registry) Watch(ctx context.Context) <-chan host.LivenessEvent {
	events := make(chan host.LivenessEvent, 10)

	go func() {
		defer close(events)

		watchCh := r.client.Watch(ctx, hostKeyPrefix, clientv3.WithPrefix())
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					return
				}
				for _, ev := range resp.Events {
					hostID := strings.TrimPrefix(string(ev.Kv.Key), hostKeyPrefix)
					events <- host.LivenessEvent{
						HostID: hostID,
						Alive:  ev.Type != clientv3.EventTypeDelete,
					}
				}
			}
		}
	}()

	return events
}

// =============================================================================
// Leader election
// =============================================================================

// Leader represents a held leadership claim.
type Leader struct {
	election *concurrency.Election
}

// CampaignForLeader campaigns for control plane leadership. The callback
// fires once leadership is won; background tasks that must run on a single
// instance (liveness watching) belong behind it.
func (r *Registry) CampaignForLeader(ctx context.Context, name string, onElected func()) (*Leader, error) {
	election := concurrency.NewElection(r.session, "openhvx/leader/"+name)

	go func() {
		if err := election.Campaign(ctx, fmt.Sprintf("%x", r.session.Lease())); err != nil {
			r.logger.Warn("Leader campaign ended", zap.Error(err))
			return
		}
		r.logger.Info("Elected leader", zap.String("election", name))
		onElected()
	}()

	return &Leader{election: election}, nil
}

// Resign gives up leadership.
func (l *Leader) Resign(ctx context.Context) error {
	return l.election.Resign(ctx)
}

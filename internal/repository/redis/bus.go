// Package redis provides the Redis-backed power-state event bus.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openhvx/openhvx/internal/config"
	"github.com/openhvx/openhvx/internal/services/powersync"
)

// PowerStateChannel is the pub/sub channel carrying power-state change events.
const PowerStateChannel = "events:vm-power-state"

// Ensure Bus implements powersync.EventPublisher
var _ powersync.EventPublisher = (*Bus)(nil)

// Event is a power-state change notification as carried on the wire.
type Event struct {
	Topic     string    `json:"topic"`
	VMID      string    `json:"vm_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus wraps a Redis client for power-state event fan-out.
type Bus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewBus creates a new Redis event bus connection.
func NewBus(cfg config.RedisConfig, logger *zap.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &Bus{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Health checks if Redis is reachable.
func (b *Bus) Health(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// PublishPowerStateChange notifies subscribers that a VM's power state
// changed. Fire-and-forget: subscribers that miss an event catch up on the
// next reconciliation cycle.
func (b *Bus) PublishPowerStateChange(ctx context.Context, vmID string) error {
	event := Event{
		Topic:     "vm-power-state",
		VMID:      vmID,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return b.client.Publish(ctx, PowerStateChannel, data).Err()
}

// Subscribe subscribes to power-state events and returns an event channel
// that closes when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	pubsub := b.client.Subscribe(ctx, PowerStateChannel)
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				events <- event
			}
		}
	}()

	return events
}

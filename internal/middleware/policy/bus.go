package policy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/logging"
)

const (
	// Channel carries policy invalidations between replicas.
	Channel = "invalidation"
	// PayloadReload is the only message the bus understands.
	PayloadReload = "reload"

	reloadTimeout = 10 * time.Second
)

// Bus listens for invalidation messages and reloads the policy cache.
// Pub/sub pins its connection, so the bus runs on one dedicated to it,
// separate from the command client.
type Bus struct {
	pubsub *redis.PubSub
	cache  *Cache
	done   chan struct{}

	received atomic.Int64
}

// Subscribe opens the subscription and confirms it before returning, so a
// dead store fails startup instead of silently missing invalidations.
func Subscribe(ctx context.Context, rdb *redis.Client, cache *Cache) (*Bus, error) {
	pubsub := rdb.Subscribe(ctx, Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", Channel, err)
	}

	b := &Bus{
		pubsub: pubsub,
		cache:  cache,
		done:   make(chan struct{}),
	}
	go b.listen()

	logging.Info("invalidation bus subscribed", zap.String("channel", Channel))
	return b, nil
}

func (b *Bus) listen() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		if msg.Payload != PayloadReload {
			logging.Debug("ignoring unknown invalidation payload", zap.String("payload", msg.Payload))
			continue
		}
		b.received.Add(1)

		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		if err := b.cache.Reload(ctx); err != nil {
			// Previous snapshot stays in effect.
			logging.Error("policy reload failed", zap.Error(err))
		} else {
			logging.Info("policy snapshot reloaded")
		}
		cancel()
	}
}

// Close unsubscribes and waits for the listener to drain.
func (b *Bus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}

// Received reports how many reload messages arrived.
func (b *Bus) Received() int64 {
	return b.received.Load()
}

// Publish signals every replica to reload its policy snapshot. Callers
// invoke this after a successful policy-list mutation.
func Publish(ctx context.Context, rdb *redis.Client) error {
	return rdb.Publish(ctx, Channel, PayloadReload).Err()
}

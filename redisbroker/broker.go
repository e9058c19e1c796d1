// Package redisbroker distributes chrono lifecycle events across processes
// over Redis pub/sub. Delivery is at-least-once with no ordering guarantee
// across topics; events from a single publisher arrive in publish order.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chronoworks/chrono"
)

// Config holds the configuration for the Redis event broker.
type Config struct {
	// Client is the Redis client shared with the rest of the application.
	// Required.
	Client *redis.Client

	// Channel is the pub/sub channel carrying events. Every process
	// sharing a datastore should use the same channel.
	// Default: "chrono:events".
	Channel string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Broker implements chrono.EventBroker over Redis pub/sub. Local
// subscribers receive events through the embedded local broker, fed by the
// receive loop, so a process sees its own events and everyone else's on the
// same path.
type Broker struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
	local   *chrono.LocalBroker

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Redis-backed event broker.
func New(config Config) (*Broker, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Channel == "" {
		config.Channel = "chrono:events"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Broker{
		client:  config.Client,
		channel: config.Channel,
		logger:  config.Logger,
		local:   chrono.NewLocalBroker(config.Logger),
		done:    make(chan struct{}),
	}, nil
}

// Start verifies connectivity and begins the receive loop. Must be called
// before events flow.
func (b *Broker) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		if pingErr := b.client.Ping(ctx).Err(); pingErr != nil {
			err = fmt.Errorf("redis unavailable: %w", pingErr)
			return
		}

		runCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel

		pubsub := b.client.Subscribe(runCtx, b.channel)
		// Force the subscription to be established before Start returns so
		// no event published immediately afterwards is lost.
		if _, recvErr := pubsub.Receive(ctx); recvErr != nil {
			cancel()
			err = fmt.Errorf("subscribing to %s: %w", b.channel, recvErr)
			return
		}

		go b.receive(runCtx, pubsub)
	})
	return err
}

// Stop shuts the receive loop down. Local subscriptions stop receiving
// cross-process events but stay open.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
			<-b.done
		}
	})
}

func (b *Broker) receive(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event, err := chrono.UnmarshalEvent([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("discarding undecodable event", zap.Error(err))
				continue
			}
			if err := b.local.Publish(ctx, event); err != nil {
				b.logger.Warn("local event fan-out failed", zap.Error(err))
			}
		}
	}
}

// Publish sends the event to every process subscribed to the channel,
// including this one.
func (b *Broker) Publish(ctx context.Context, event chrono.Event) error {
	payload, err := chrono.MarshalEvent(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe registers a local subscription fed by the cross-process stream.
func (b *Broker) Subscribe(topics ...chrono.Topic) *chrono.Subscription {
	return b.local.Subscribe(topics...)
}

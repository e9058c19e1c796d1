package chrono

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// EventBroker fans lifecycle events out to subscribers. Delivery is
// best-effort and at-least-once; per-topic ordering holds from a single
// publisher but not across topics. The local in-process broker is always
// available; networked transports plug in behind the same interface.
type EventBroker interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(topics ...Topic) *Subscription
}

// Subscription is a stream of events matching the subscribed topics.
type Subscription struct {
	broker *LocalBroker
	topics map[Topic]struct{}
	ch     chan Event
	closed bool
}

// Events returns the channel events arrive on. The channel is closed when
// the subscription is cancelled.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe cancels the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.broker.remove(s)
}

func (s *Subscription) matches(topic Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

const subscriptionBuffer = 64

// LocalBroker delivers events to subscribers within the same process. A
// subscriber that falls more than subscriptionBuffer events behind has
// further events dropped rather than blocking publishers.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	logger *zap.Logger
}

// NewLocalBroker creates an in-process broker. A nil logger disables
// logging.
func NewLocalBroker(logger *zap.Logger) *LocalBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBroker{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

func (b *LocalBroker) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if !sub.matches(event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("topic", string(event.Topic)))
		}
	}
	return nil
}

// Subscribe registers interest in the given topics. No topics means all
// topics.
func (b *LocalBroker) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		broker: b,
		ch:     make(chan Event, subscriptionBuffer),
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, topic := range topics {
			sub.topics[topic] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// remove drops the subscription and closes its channel under the publish
// lock, so no publisher can send on a closed channel.
func (b *LocalBroker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}

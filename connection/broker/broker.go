/*
The broker package fans incoming notifications out to every live
subscription. Delivery is deliberately lossy: each subscription has a
bounded buffer and a subscriber that stops reading misses notifications
rather than stalling the transport reader. Within one subscription,
whatever is delivered preserves publish order.
*/
package broker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ivonnyssen/rusty-photon/events"
	"github.com/ivonnyssen/rusty-photon/logger"
)

// DefaultBufferSize is how many notifications a subscriber can fall
// behind before it starts losing them
const DefaultBufferSize = 32

type Subscription struct {
	id     string
	queue  chan *events.Notification
	broker *Broker
}

// Notifications is the subscriber's receive side. The channel is closed
// when the subscription is cancelled or the broker shuts down; it is
// never closed because of connection loss, which is reported in-band as
// a lifecycle notification.
func (s *Subscription) Notifications() <-chan *events.Notification {
	return s.queue
}

// Unsubscribe detaches this subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.broker.unsubscribe(s.id)
}

type Broker struct {
	logger *logger.Logger

	subscriptions     map[string]*Subscription
	subscriptionsLock sync.Mutex

	bufferSize int
	closed     bool

	// Count of notifications dropped because a subscriber's buffer was
	// full, kept for log visibility
	dropped uint64
}

func New(logger *logger.Logger) *Broker {
	return &Broker{
		logger:        logger,
		subscriptions: make(map[string]*Subscription),
		bufferSize:    DefaultBufferSize,
	}
}

// Subscribe registers a new consumer. It receives every notification
// published after this call; there is no replay of history.
func (b *Broker) Subscribe() *Subscription {
	b.subscriptionsLock.Lock()
	defer b.subscriptionsLock.Unlock()

	subscription := &Subscription{
		id:     uuid.New().String(),
		queue:  make(chan *events.Notification, b.bufferSize),
		broker: b,
	}

	if b.closed {
		// A subscription on a closed broker is inert but still valid to
		// range over
		close(subscription.queue)
		return subscription
	}

	b.subscriptions[subscription.id] = subscription
	return subscription
}

func (b *Broker) unsubscribe(id string) {
	b.subscriptionsLock.Lock()
	defer b.subscriptionsLock.Unlock()

	if subscription, ok := b.subscriptions[id]; ok {
		delete(b.subscriptions, id)
		close(subscription.queue)
	}
}

// Publish delivers the notification to every live subscription without
// ever blocking. A subscriber whose buffer is full loses this
// notification; that is the documented contract, not an accident.
func (b *Broker) Publish(notification *events.Notification) {
	b.subscriptionsLock.Lock()
	defer b.subscriptionsLock.Unlock()

	if b.closed {
		return
	}

	for _, subscription := range b.subscriptions {
		select {
		case subscription.queue <- notification:
		default:
			b.dropped++
			b.logger.Debugf("dropped %s notification for slow subscriber %s (%d dropped so far)",
				notification.Event, subscription.id, b.dropped)
		}
	}
}

// NumSubscriptions reports how many subscriptions are currently live
func (b *Broker) NumSubscriptions() int {
	b.subscriptionsLock.Lock()
	defer b.subscriptionsLock.Unlock()

	return len(b.subscriptions)
}

// Close detaches all subscriptions and closes their channels. Further
// publishes are no-ops; further subscribes return inert subscriptions.
func (b *Broker) Close() {
	b.subscriptionsLock.Lock()
	defer b.subscriptionsLock.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, subscription := range b.subscriptions {
		delete(b.subscriptions, id)
		close(subscription.queue)
	}
}

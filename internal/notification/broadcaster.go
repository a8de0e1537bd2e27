package notification

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/observability/metrics"
)

// DefaultDeliveryTimeout bounds a single delivery.
const DefaultDeliveryTimeout = 5 * time.Second

// laggardGrace is how long past the delivery timeout Broadcast waits for
// subscribers to return after their context expired.
const laggardGrace = 100 * time.Millisecond

// ErrDeliveryTimeout marks a subscriber that was still delivering when
// Broadcast stopped waiting.
var ErrDeliveryTimeout = errors.Newf("subscriber did not return within the delivery timeout").
	Component("notification").
	Category(errors.CategoryTimeout).
	Build()

// Subscriber receives broadcast events. A non-nil error from Deliver removes
// the subscriber from the broadcaster.
type Subscriber interface {
	ID() string
	Kind() string
	Deliver(ctx context.Context, ev Event) error
}

// closer is implemented by subscribers that hold resources.
type closer interface {
	Close()
}

// Broadcaster owns the live subscriber set.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	timeout     time.Duration
	metrics     *metrics.NotificationMetrics
	log         logger.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithMetrics attaches delivery metrics.
func WithMetrics(m *metrics.NotificationMetrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

// WithLogger sets the broadcaster logger.
func WithLogger(l logger.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.log = l }
}

// WithDeliveryTimeout overrides DefaultDeliveryTimeout.
func WithDeliveryTimeout(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[string]Subscriber),
		timeout:     DefaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logger.OrDefault(b.log, "notification")
	return b
}

// Subscribe registers s. Registering an id twice replaces the earlier subscriber.
func (b *Broadcaster) Subscribe(s Subscriber) {
	b.mu.Lock()
	b.subscribers[s.ID()] = s
	n := len(b.subscribers)
	b.mu.Unlock()

	b.metrics.SetSubscribers(n)
	b.log.Debug("subscriber added",
		logger.String("subscriber_id", s.ID()),
		logger.String("kind", s.Kind()),
		logger.Int("total_subscribers", n))
}

// Unsubscribe removes the subscriber with id and reports whether it was present.
func (b *Broadcaster) Unsubscribe(id string) bool {
	b.mu.Lock()
	_, ok := b.subscribers[id]
	delete(b.subscribers, id)
	n := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		b.metrics.SetSubscribers(n)
		b.log.Debug("subscriber removed",
			logger.String("subscriber_id", id),
			logger.Int("remaining_subscribers", n))
	}
	return ok
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Broadcast delivers ev to every current subscriber in parallel and waits at
// most the delivery timeout plus a short grace period. Subscribers that fail,
// or are still delivering when the wait ends, are removed. It returns the
// number of successful deliveries.
func (b *Broadcaster) Broadcast(ctx context.Context, ev Event) int {
	b.mu.RLock()
	subs := slices.Collect(maps.Values(b.subscribers))
	b.mu.RUnlock()

	if len(subs) == 0 {
		return 0
	}

	type outcome struct {
		idx int
		err error
	}
	// Buffered so late deliveries never block after the wait has ended.
	outcomes := make(chan outcome, len(subs))
	for i, s := range subs {
		go func() {
			outcomes <- outcome{idx: i, err: b.deliver(ctx, s, ev)}
		}()
	}

	errs := make([]error, len(subs))
	finished := make([]bool, len(subs))
	wait := time.NewTimer(b.timeout + laggardGrace)
	defer wait.Stop()
collect:
	for pending := len(subs); pending > 0; pending-- {
		select {
		case o := <-outcomes:
			errs[o.idx] = o.err
			finished[o.idx] = true
		case <-wait.C:
			break collect
		}
	}
	for i, ok := range finished {
		if !ok {
			errs[i] = errors.New(ErrDeliveryTimeout).
				Component("notification").
				Context("subscriber_id", subs[i].ID()).
				Context("timeout", b.timeout.String()).
				Build()
		}
	}

	delivered := 0
	var failed []Subscriber
	for i, err := range errs {
		if err == nil {
			delivered++
			continue
		}
		failed = append(failed, subs[i])
		b.log.Warn("delivery failed, removing subscriber",
			logger.String("subscriber_id", subs[i].ID()),
			logger.String("kind", subs[i].Kind()),
			logger.String("event_type", string(ev.Type)),
			logger.Error(err))
	}
	if len(failed) > 0 {
		b.removeFailed(failed)
	}

	b.log.Debug("broadcast completed",
		logger.String("event_id", ev.ID),
		logger.String("event_type", string(ev.Type)),
		logger.Int("delivered", delivered),
		logger.Int("failed", len(failed)))
	return delivered
}

func (b *Broadcaster) deliver(ctx context.Context, s Subscriber, ev Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("subscriber panicked: %v", r).
				Component("notification").
				Category(errors.CategoryBroadcast).
				Context("subscriber_id", s.ID()).
				Build()
		}
		b.metrics.RecordDelivery(s.Kind(), err, time.Since(start))
	}()
	return s.Deliver(ctx, ev)
}

// removeFailed drops failed subscribers, unless a new subscriber took the id
// while the broadcast was in flight.
func (b *Broadcaster) removeFailed(failed []Subscriber) {
	b.mu.Lock()
	removed := 0
	for _, s := range failed {
		if cur, ok := b.subscribers[s.ID()]; ok && cur == s {
			delete(b.subscribers, s.ID())
			removed++
		}
	}
	n := len(b.subscribers)
	b.mu.Unlock()

	for _, s := range failed {
		if c, ok := s.(closer); ok {
			c.Close()
		}
	}
	b.metrics.RecordRemoved(removed)
	b.metrics.SetSubscribers(n)
}

// Close removes every subscriber and releases those holding resources.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		if c, ok := s.(closer); ok {
			c.Close()
		}
	}
	b.metrics.SetSubscribers(0)
}

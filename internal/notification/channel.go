package notification

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tphakala/stockvision/internal/errors"
)

// DefaultChannelBufferSize is the event buffer of a ChannelSubscriber.
const DefaultChannelBufferSize = 32

var (
	// ErrSubscriberClosed is returned when delivering to a closed subscriber.
	ErrSubscriberClosed = errors.NewStd("subscriber closed")
	// ErrSubscriberFull is returned when a subscriber's buffer is full.
	ErrSubscriberFull = errors.NewStd("subscriber buffer full")
)

// ChannelSubscriber buffers events on a channel for an in-process reader
// such as an SSE connection. A reader that falls behind by a full buffer is
// dropped by the broadcaster.
type ChannelSubscriber struct {
	id   string
	kind string

	mu     sync.RWMutex
	ch     chan Event
	closed bool
	done   chan struct{}
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(kind string, buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = DefaultChannelBufferSize
	}
	if kind == "" {
		kind = "channel"
	}
	return &ChannelSubscriber{
		id:   uuid.NewString(),
		kind: kind,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

func (c *ChannelSubscriber) ID() string   { return c.id }
func (c *ChannelSubscriber) Kind() string { return c.kind }

// Events returns the channel events are delivered on. It is closed by Close.
func (c *ChannelSubscriber) Events() <-chan Event {
	return c.ch
}

// Done is closed when the subscriber is closed.
func (c *ChannelSubscriber) Done() <-chan struct{} {
	return c.done
}

// Deliver enqueues ev without blocking.
func (c *ChannelSubscriber) Deliver(_ context.Context, ev Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSubscriberClosed
	}
	select {
	case c.ch <- ev:
		return nil
	default:
		return ErrSubscriberFull
	}
}

// Close closes the event channel. It is safe to call more than once.
func (c *ChannelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
	close(c.done)
}

package notification

import (
	"context"
	"io"
	"log"
	"slices"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
)

// sender is the part of the shoutrrr router used for delivery.
type sender interface {
	Send(message string, params *stypes.Params) []error
}

// PushSubscriber forwards events to shoutrrr service URLs (Telegram,
// Discord, ntfy, ...). Send failures are logged and counted but do not
// unsubscribe it, since a push service outage is transient.
type PushSubscriber struct {
	id     string
	sender sender
	types  map[EventType]bool
	log    logger.Logger
}

// NewPushSubscriber builds a subscriber for urls. When types is empty all
// event types are forwarded.
func NewPushSubscriber(urls []string, timeout time.Duration, types []EventType, l logger.Logger) (*PushSubscriber, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("at least one push URL is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	router, err := shoutrrr.CreateSender(slices.Clone(urls)...)
	if err != nil {
		return nil, errors.New(err).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("url_count", len(urls)).
			Build()
	}
	if timeout > 0 {
		router.Timeout = timeout
	}
	router.SetLogger(log.New(io.Discard, "", 0))
	return newPushSubscriber(router, types, l), nil
}

func newPushSubscriber(s sender, types []EventType, l logger.Logger) *PushSubscriber {
	p := &PushSubscriber{
		id:     "push",
		sender: s,
		types:  make(map[EventType]bool, len(types)),
		log:    logger.OrDefault(l, "notification"),
	}
	for _, t := range types {
		p.types[t] = true
	}
	return p
}

func (p *PushSubscriber) ID() string   { return p.id }
func (p *PushSubscriber) Kind() string { return "push" }

// Deliver sends the event message with the event type as title. It returns
// when the send completes or ctx ends, whichever is first.
func (p *PushSubscriber) Deliver(ctx context.Context, ev Event) error {
	if len(p.types) > 0 && !p.types[ev.Type] {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	params.SetTitle(title(ev.Type))

	// Send does not take a context; the router timeout bounds it.
	sent := make(chan []error, 1)
	go func() { sent <- p.sender.Send(ev.Message, &params) }()

	select {
	case errs := <-sent:
		for _, err := range errs {
			if err != nil {
				p.log.Warn("push delivery failed",
					logger.String("event_type", string(ev.Type)),
					logger.Error(err))
				return nil
			}
		}
	case <-ctx.Done():
		p.log.Warn("push delivery still in flight, not waiting",
			logger.String("event_type", string(ev.Type)),
			logger.Error(ctx.Err()))
	}
	return nil
}

func title(t EventType) string {
	switch t {
	case EventValidationCreated:
		return "Stock validation requested"
	case EventValidationApproved:
		return "Stock validation approved"
	case EventValidationRejected:
		return "Stock validation rejected"
	case EventValidationAlert:
		return "Stock validation overdue"
	default:
		return string(t)
	}
}

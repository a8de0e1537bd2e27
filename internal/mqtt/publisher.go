package mqtt

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/notification"
)

var _ notification.Subscriber = (*Publisher)(nil)

// Publisher forwards workflow events to MQTT. Overdue-validation alerts go
// to <prefix>/alerts, everything else to <prefix>/events/<type>.
type Publisher struct {
	client Client
	prefix string
	log    logger.Logger
}

// NewPublisher creates a publisher using client and the topic prefix.
func NewPublisher(client Client, prefix string, l logger.Logger) *Publisher {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopic
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		log:    logger.OrDefault(l, "mqtt"),
	}
}

func (p *Publisher) ID() string   { return "mqtt" }
func (p *Publisher) Kind() string { return "mqtt" }

// Topic returns the topic an event type is published on.
func (p *Publisher) Topic(t notification.EventType) string {
	if t == notification.EventValidationAlert {
		return p.prefix + "/alerts"
	}
	return p.prefix + "/events/" + strings.ToLower(string(t))
}

// Deliver publishes ev as JSON. Broker failures are logged, not returned,
// so a broker outage does not unsubscribe the publisher.
func (p *Publisher) Deliver(ctx context.Context, ev notification.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("event_type", string(ev.Type)).
			Build()
	}
	topic := p.Topic(ev.Type)
	if err := p.client.Publish(ctx, topic, payload); err != nil {
		p.log.Warn("failed to publish event",
			logger.String("topic", topic),
			logger.String("event_id", ev.ID),
			logger.Error(err))
	}
	return nil
}

// Close disconnects the client. The broadcaster calls it on shutdown.
func (p *Publisher) Close() {
	p.client.Disconnect()
}

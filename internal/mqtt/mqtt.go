// Package mqtt publishes workflow events and validation alerts to an MQTT broker.
package mqtt

import (
	"context"
	"time"

	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/logger"
)

// Client defines the MQTT client operations used by the publisher.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	Connect(ctx context.Context) error

	// Publish sends a message to the specified topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// IsConnected reports whether the client is currently connected.
	IsConnected() bool

	// Disconnect closes the connection and stops reconnect attempts.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	Topic             string // prefix for every published topic
	Retain            bool
	ReconnectCooldown time.Duration
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultTopic is used when no topic prefix is configured.
const DefaultTopic = "stockvision"

// DefaultConfig returns a Config with reasonable default values.
func DefaultConfig() Config {
	return Config{
		ClientID:          "stockvision",
		Topic:             DefaultTopic,
		ReconnectCooldown: 5 * time.Second,
		ReconnectDelay:    1 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// ConfigFromSettings applies settings over the defaults.
func ConfigFromSettings(s conf.MQTTSettings) Config {
	cfg := DefaultConfig()
	cfg.Broker = s.Broker
	cfg.Username = s.Username
	cfg.Password = s.Password
	cfg.Retain = s.Retain
	if s.ClientID != "" {
		cfg.ClientID = s.ClientID
	}
	if s.Topic != "" {
		cfg.Topic = s.Topic
	}
	return cfg
}

// GetLogger returns the mqtt package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("mqtt")
}

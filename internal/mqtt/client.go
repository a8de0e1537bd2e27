package mqtt

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/observability/metrics"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.NewStd("not connected to MQTT broker")

// client implements Client with the paho library.
type client struct {
	config  Config
	metrics *metrics.MQTTMetrics
	log     logger.Logger

	mu              sync.Mutex
	internalClient  paho.Client
	lastConnAttempt time.Time
	reconnecting    bool

	stopOnce      sync.Once
	reconnectStop chan struct{}
	reconnectDone sync.WaitGroup
}

// NewClient creates an MQTT client. It does not connect.
func NewClient(cfg Config, m *metrics.MQTTMetrics, l logger.Logger) (Client, error) {
	if _, err := parseBroker(cfg.Broker); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	return &client{
		config:        cfg,
		metrics:       m,
		log:           logger.OrDefault(l, "mqtt").With(logger.String("broker", cfg.Broker)),
		reconnectStop: make(chan struct{}),
	}, nil
}

func parseBroker(broker string) (*url.URL, error) {
	u, err := url.Parse(broker)
	if err == nil && (u.Scheme == "" || u.Host == "") {
		err = errors.NewStd("broker must be a URL such as tcp://host:1883")
	}
	if err != nil {
		return nil, errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Context("broker", broker).
			Build()
	}
	return u, nil
}

// Connect resolves the broker host and connects. Attempts closer together
// than the reconnect cooldown are refused.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since := time.Since(c.lastConnAttempt); since < c.config.ReconnectCooldown {
		return connectionError(errors.Newf("connection attempt too recent, last attempt was %v ago", since).Build(), c.config.Broker)
	}
	c.lastConnAttempt = time.Now()

	u, err := parseBroker(c.config.Broker)
	if err != nil {
		return err
	}
	if host := u.Hostname(); net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return connectionError(err, c.config.Broker)
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.metrics.IncrementReconnectAttempts()
	})

	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds())) //nolint:gosec // small positive duration
	}
	c.internalClient = paho.NewClient(opts)

	token := c.internalClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return connectionError(errors.NewStd("connection timeout"), c.config.Broker)
	}
	if err := token.Error(); err != nil {
		return connectionError(err, c.config.Broker)
	}
	c.metrics.UpdateConnectionStatus(true)
	return nil
}

func connectionError(err error, broker string) error {
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryMQTTConnection).
		Context("broker", broker).
		Build()
}

// Publish sends payload to topic with QoS 0.
func (c *client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	pc := c.internalClient
	c.mu.Unlock()

	if pc == nil || !pc.IsConnected() {
		c.metrics.RecordPublish(len(payload), 0, ErrNotConnected)
		return errors.New(ErrNotConnected).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Context("topic", topic).
			Build()
	}

	start := time.Now()
	token := pc.Publish(topic, 0, c.config.Retain, payload)
	var err error
	select {
	case <-token.Done():
		err = token.Error()
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(c.config.PublishTimeout):
		err = errors.NewStd("publish timeout")
	}
	c.metrics.RecordPublish(len(payload), time.Since(start), err)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}
	c.log.Debug("published", logger.String("topic", topic), logger.Int("bytes", len(payload)))
	return nil
}

// IsConnected reports whether the client is connected to the broker.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the connection and stops the reconnect loop.
func (c *client) Disconnect() {
	c.stopOnce.Do(func() { close(c.reconnectStop) })
	c.reconnectDone.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds())) //nolint:gosec // small positive duration
	}
	c.metrics.UpdateConnectionStatus(false)
}

func (c *client) onConnect(paho.Client) {
	c.log.Info("connected to MQTT broker")
	c.metrics.UpdateConnectionStatus(true)
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost", logger.Error(err))
	c.metrics.UpdateConnectionStatus(false)
}

// ConnectInBackground retries Connect with exponential backoff until it
// succeeds or Disconnect is called. Used when the broker is unreachable at
// startup; once connected, paho reconnects on its own.
func (c *client) ConnectInBackground() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.reconnectDone.Go(func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()
		backoff := c.config.ReconnectDelay
		maxBackoff := 5 * time.Minute
		for {
			select {
			case <-c.reconnectStop:
				return
			case <-time.After(backoff):
			}
			c.metrics.IncrementReconnectAttempts()
			ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
			err := c.Connect(ctx)
			cancel()
			if err == nil {
				return
			}
			c.log.Warn("failed to connect to MQTT broker",
				logger.Duration("retry_in", backoff),
				logger.Error(err))
			backoff = min(backoff*2, maxBackoff)
		}
	})
}

// BackgroundConnector is implemented by clients that can retry the initial
// connection asynchronously.
type BackgroundConnector interface {
	ConnectInBackground()
}

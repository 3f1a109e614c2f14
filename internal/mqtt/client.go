// client.go: paho implementation of Client.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/observability/metrics"
)

// client implements the Client interface.
type client struct {
	config         Config
	internalClient paho.Client
	mu             sync.Mutex
	log            logger.Logger
	metrics        *metrics.MQTTMetrics
}

// NewClient creates a new MQTT client with the provided configuration.
// The metrics may be nil.
func NewClient(cfg Config, log logger.Logger, m *metrics.MQTTMetrics) Client {
	defaults := DefaultConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = defaults.ClientID
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaults.TopicPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaults.DisconnectTimeout
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaults.MaxReconnectDelay
	}
	if log == nil {
		log = logger.Global().Module("mqtt")
	}
	return &client{config: cfg, log: log, metrics: m}
}

// Connect establishes the first connection. Later losses are recovered by the paho
// auto-reconnect loop.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := url.Parse(c.config.Broker)
	if err != nil || u.Host == "" {
		return connectionError(fmt.Errorf("invalid broker URL %q", c.config.Broker), c.config.Broker)
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return connectionError(fmt.Errorf("failed to resolve hostname %s: %w", host, err), c.config.Broker)
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.config.MaxReconnectDelay)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.internalClient = paho.NewClient(opts)

	token := c.internalClient.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return connectionError(ctx.Err(), c.config.Broker)
	case <-time.After(c.config.ConnectTimeout):
		return connectionError(fmt.Errorf("connection timeout"), c.config.Broker)
	}
	if err := token.Error(); err != nil {
		return connectionError(fmt.Errorf("connection error: %w", err), c.config.Broker)
	}

	c.updateStatus(true)
	return nil
}

// Publish sends a message to the specified topic on the MQTT broker.
func (c *client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked() {
		return errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	start := time.Now()
	token := c.internalClient.Publish(topic, c.config.QoS, c.config.Retain, payload)

	var err error
	select {
	case <-token.Done():
		err = token.Error()
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(c.config.PublishTimeout):
		err = fmt.Errorf("publish timeout")
	}

	if c.metrics != nil {
		c.metrics.ObservePublish(len(payload), time.Since(start), err)
	}
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Context("qos", c.config.QoS).
			Build()
	}

	c.log.Trace("published", logger.String("topic", topic), logger.Int("bytes", len(payload)))
	return nil
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

func (c *client) isConnectedLocked() bool {
	return c.internalClient != nil && c.internalClient.IsConnectionOpen()
}

// Disconnect closes the connection to the MQTT broker.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internalClient != nil {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
		c.internalClient = nil
		c.updateStatus(false)
	}
}

func (c *client) onConnect(paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
	c.updateStatus(true)
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost",
		logger.String("broker", c.config.Broker),
		logger.Error(err))
	c.updateStatus(false)
	if c.metrics != nil {
		c.metrics.Errors.Inc()
	}
}

func (c *client) onReconnecting(paho.Client, *paho.ClientOptions) {
	c.log.Debug("reconnecting to MQTT broker", logger.String("broker", c.config.Broker))
	if c.metrics != nil {
		c.metrics.ReconnectAttempts.Inc()
	}
}

func (c *client) updateStatus(connected bool) {
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(connected)
	}
}

func connectionError(err error, broker string) error {
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryMQTTConnection).
		Context("broker", broker).
		Build()
}

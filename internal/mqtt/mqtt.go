// mqtt.go: Package mqtt forwards entity changes to an MQTT broker.
package mqtt

import (
	"context"
	"time"
)

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	// It returns an error if the connection fails.
	Connect(ctx context.Context) error

	// Publish sends a message to the specified topic on the MQTT broker.
	// It returns an error if the client is disconnected or the publish fails.
	Publish(ctx context.Context, topic string, payload []byte) error

	// IsConnected returns true if the client is currently connected to the MQTT broker.
	IsConnected() bool

	// Disconnect closes the connection to the MQTT broker.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // entity updates go to <TopicPrefix>/<id>
	QoS         byte
	Retain      bool // true to retain the latest state of each entity at the broker

	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
	MaxReconnectDelay time.Duration
}

// DefaultTopicPrefix is used when Config.TopicPrefix is empty
const DefaultTopicPrefix = "beaconwatch/entities"

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ClientID:          "beaconwatch",
		TopicPrefix:       DefaultTopicPrefix,
		QoS:               1,
		Retain:            true,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		MaxReconnectDelay: 2 * time.Minute,
	}
}

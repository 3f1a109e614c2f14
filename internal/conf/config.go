// conf/config.go: Settings and the viper loader.

package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/priority"
)

// ConfigName is the base name of the configuration file, without extension
const ConfigName = "beaconwatch"

// EnvPrefix prefixes environment overrides, BEACONWATCH_SERIAL_ENDPOINT sets serial.endpoint
const EnvPrefix = "BEACONWATCH"

// SerialSettings contains settings for the telemetry link
type SerialSettings struct {
	Endpoint       string        // serial device path, or tcp://host:port for a network bridge
	Speed          int           // baud rate, ignored for tcp endpoints
	ReadTimeout    time.Duration // bounded read wait so shutdown stays prompt
	ReconnectDelay time.Duration // pause before reopening a failed link
}

// StoreSettings contains settings for the entity store
type StoreSettings struct {
	SnapshotPath     string        // empty disables snapshots
	SnapshotInterval time.Duration // period of the background snapshot loop
	RestoreOnStart   bool          // load SnapshotPath before the reader starts
}

// ClusterSettings contains settings for the cluster index
type ClusterSettings struct {
	CellSize float64 // grid cell edge in degrees
}

// NotifySettings contains settings for the change notifier
type NotifySettings struct {
	ReplayBuffer int
	RetryDelay   time.Duration
	MaxAttempts  int // 0 retries forever
}

// MQTTSettings contains settings for the MQTT fan-out
type MQTTSettings struct {
	Enabled     bool
	Broker      string // tcp://host:port
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         int
	Retain      bool
}

// WebServerSettings contains settings for the HTTP API
type WebServerSettings struct {
	Enabled  bool
	Listen   string        // host:port
	CacheTTL time.Duration // lifetime of cached analytics and cluster responses
}

// DatastoreSettings contains settings for the resolution log
type DatastoreSettings struct {
	Enabled bool
	Path    string // sqlite file
}

// LogSettings contains settings for logging
type LogSettings struct {
	Level        string
	JSON         bool
	File         string
	Timezone     string
	ModuleLevels map[string]string
}

// SentrySettings contains settings for error telemetry
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
}

// StationSettings is the fixed reference point used for coverage analytics
type StationSettings struct {
	Latitude  float64
	Longitude float64
}

// Configured reports whether a station position was given
func (s StationSettings) Configured() bool {
	return s.Latitude != 0 || s.Longitude != 0
}

// Settings contains all configuration options for beaconwatch
type Settings struct {
	Debug bool

	Serial    SerialSettings
	Store     StoreSettings
	Priority  priority.Thresholds
	Cluster   ClusterSettings
	Notify    NotifySettings
	MQTT      MQTTSettings
	WebServer WebServerSettings
	Datastore DatastoreSettings
	Log       LogSettings
	Sentry    SentrySettings
	Station   StationSettings

	// ConfigFile is the file the settings were read from, empty when only defaults and env were used
	ConfigFile string `mapstructure:"-"`
}

// Load reads settings from path, or from beaconwatch.yaml in the default search paths when
// path is empty. A missing default file is not an error; defaults and environment overrides
// still apply. The returned settings are validated.
func Load(path string) (*Settings, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("file", v.ConfigFileUsed()).
			Build()
	}
	settings.ConfigFile = v.ConfigFileUsed()

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("file", settings.ConfigFile).
			Build()
	}
	return settings, nil
}

// newViper builds an isolated viper instance with defaults, env overrides and the config file
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		for _, p := range DefaultConfigPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return v, nil
		}
		return nil, errors.New(fmt.Errorf("error reading config file: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("file", path).
			Build()
	}
	return v, nil
}

// DefaultConfigPaths returns the directories searched for beaconwatch.yaml, in order
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "beaconwatch"))
	}
	return append(paths, "/etc/beaconwatch")
}

// LoggerConfig converts the log section for logger.NewCentralLogger. Debug raises the
// default level to debug unless a level was given explicitly.
func (s *Settings) LoggerConfig() *logger.Config {
	level := s.Log.Level
	if s.Debug && (level == "" || level == logger.DefaultLogLevel) {
		level = string(logger.LogLevelDebug)
	}
	return &logger.Config{
		Level:        level,
		JSON:         s.Log.JSON,
		FilePath:     s.Log.File,
		Timezone:     s.Log.Timezone,
		ModuleLevels: s.Log.ModuleLevels,
	}
}

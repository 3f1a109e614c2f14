// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/beaconwatch/beaconwatch/internal/ingest"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/validate"
)

// MinSnapshotInterval is the shortest accepted store.snapshotinterval
const MinSnapshotInterval = time.Second

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateSerialSettings(&settings.Serial)...)
	ve.Errors = append(ve.Errors, validateStoreSettings(&settings.Store)...)
	ve.Errors = append(ve.Errors, validatePrioritySettings(settings)...)
	ve.Errors = append(ve.Errors, validateNotifySettings(&settings.Notify)...)
	ve.Errors = append(ve.Errors, validateMQTTSettings(&settings.MQTT)...)
	ve.Errors = append(ve.Errors, validateWebServerSettings(&settings.WebServer)...)
	ve.Errors = append(ve.Errors, validateLogSettings(&settings.Log)...)

	if err := validate.CellSize(settings.Cluster.CellSize); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if settings.Station.Configured() {
		if err := validate.Coordinates(settings.Station.Latitude, settings.Station.Longitude); err != nil {
			ve.Errors = append(ve.Errors, "station: "+err.Error())
		}
	}
	if settings.Datastore.Enabled && settings.Datastore.Path == "" {
		ve.Errors = append(ve.Errors, "datastore path must be set when the datastore is enabled")
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry dsn must be set when sentry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateSerialSettings(s *SerialSettings) []string {
	var errs []string
	if s.Endpoint == "" {
		errs = append(errs, "serial endpoint must be set")
	}
	// network bridges have no line speed
	if !strings.HasPrefix(s.Endpoint, ingest.TCPScheme) {
		if err := validate.BaudRate(s.Speed); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if s.ReadTimeout <= 0 {
		errs = append(errs, "serial read timeout must be positive")
	}
	if s.ReconnectDelay < 0 {
		errs = append(errs, "serial reconnect delay must not be negative")
	}
	return errs
}

func validateStoreSettings(s *StoreSettings) []string {
	var errs []string
	if s.SnapshotPath != "" && s.SnapshotInterval < MinSnapshotInterval {
		errs = append(errs, fmt.Sprintf("snapshot interval %v is below the minimum of %v", s.SnapshotInterval, MinSnapshotInterval))
	}
	if s.RestoreOnStart && s.SnapshotPath == "" {
		errs = append(errs, "restore on start requires a snapshot path")
	}
	return errs
}

func validatePrioritySettings(settings *Settings) []string {
	var errs []string
	th := settings.Priority
	if th.SignalWeak >= th.SignalStrong {
		errs = append(errs, fmt.Sprintf("priority signal weak (%d dBm) must be below signal strong (%d dBm)", th.SignalWeak, th.SignalStrong))
	}
	if th.TimeCritical <= 0 {
		errs = append(errs, "priority time critical must be positive")
	}
	if th.TimeCritical >= th.TimeStale {
		errs = append(errs, fmt.Sprintf("priority time critical (%v min) must be below time stale (%v min)", th.TimeCritical, th.TimeStale))
	}
	return errs
}

func validateNotifySettings(s *NotifySettings) []string {
	var errs []string
	if s.ReplayBuffer < 0 {
		errs = append(errs, "notify replay buffer must not be negative")
	}
	if s.RetryDelay < 0 {
		errs = append(errs, "notify retry delay must not be negative")
	}
	if s.MaxAttempts < 0 {
		errs = append(errs, "notify max attempts must not be negative")
	}
	return errs
}

func validateMQTTSettings(s *MQTTSettings) []string {
	if !s.Enabled {
		return nil
	}
	var errs []string
	if s.Broker == "" {
		errs = append(errs, "MQTT broker URL is required when MQTT is enabled")
	} else if u, err := url.Parse(s.Broker); err != nil || u.Host == "" {
		errs = append(errs, fmt.Sprintf("invalid MQTT broker URL %q", s.Broker))
	}
	if s.QoS < 0 || s.QoS > 2 {
		errs = append(errs, fmt.Sprintf("MQTT QoS %d must be 0, 1 or 2", s.QoS))
	}
	return errs
}

func validateWebServerSettings(s *WebServerSettings) []string {
	if !s.Enabled {
		return nil
	}
	var errs []string
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("invalid webserver listen address %q: %v", s.Listen, err))
	}
	if s.CacheTTL < 0 {
		errs = append(errs, "webserver cache TTL must not be negative")
	}
	return errs
}

func validateLogSettings(s *LogSettings) []string {
	var errs []string
	if _, ok := logger.ParseLevel(s.Level); !ok {
		errs = append(errs, fmt.Sprintf("invalid log level %q", s.Level))
	}
	for module, level := range s.ModuleLevels {
		if _, ok := logger.ParseLevel(level); !ok {
			errs = append(errs, fmt.Sprintf("invalid log level %q for module %s", level, module))
		}
	}
	return errs
}

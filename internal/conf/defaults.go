// conf/defaults.go default values for settings

package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/beaconwatch/beaconwatch/internal/cluster"
	"github.com/beaconwatch/beaconwatch/internal/priority"
)

// setDefaultConfig sets default values for every configuration key. Every key must
// have a default so environment overrides are picked up by Unmarshal.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	// Telemetry link
	v.SetDefault("serial.endpoint", "/dev/ttyUSB0")
	v.SetDefault("serial.speed", 115200)
	v.SetDefault("serial.readtimeout", time.Second)
	v.SetDefault("serial.reconnectdelay", 2*time.Second)

	// Entity store
	v.SetDefault("store.snapshotpath", "data/snapshot.json")
	v.SetDefault("store.snapshotinterval", 30*time.Second)
	v.SetDefault("store.restoreonstart", false)

	// Priority thresholds
	th := priority.DefaultThresholds()
	v.SetDefault("priority.signalstrong", th.SignalStrong)
	v.SetDefault("priority.signalweak", th.SignalWeak)
	v.SetDefault("priority.timecritical", th.TimeCritical)
	v.SetDefault("priority.timestale", th.TimeStale)

	v.SetDefault("cluster.cellsize", cluster.DefaultCellSize)

	// Change notifier
	v.SetDefault("notify.replaybuffer", 256)
	v.SetDefault("notify.retrydelay", time.Second)
	v.SetDefault("notify.maxattempts", 0)

	// MQTT fan-out
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.clientid", "beaconwatch")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topicprefix", "beaconwatch/entities")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", true)

	// HTTP API
	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.listen", "127.0.0.1:8080")
	v.SetDefault("webserver.cachettl", 5*time.Second)

	// Resolution log
	v.SetDefault("datastore.enabled", false)
	v.SetDefault("datastore.path", "data/resolutions.db")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.timezone", "Local")
	v.SetDefault("log.modulelevels", map[string]string{})

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")

	v.SetDefault("station.latitude", 0.0)
	v.SetDefault("station.longitude", 0.0)
}

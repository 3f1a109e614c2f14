// Package validate checks telemetry and operator input before any state is mutated.
// Every function is pure and returns a validation-category *errors.EnhancedError on failure.
package validate

import (
	"regexp"
	"slices"
	"strings"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
)

// Bounds for telemetry fields
const (
	MinEntityID  = 1
	MaxEntityID  = 9999
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
	MinRSSI      = -150
	MaxRSSI      = -30
	MinBattery   = 0
	MaxBattery   = 100

	MinOperatorLength = 2
	MaxOperatorLength = 100
	MaxNoteLength     = 500
)

// StandardBaudRates are the link speeds accepted for serial endpoints
var StandardBaudRates = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

var operatorPattern = regexp.MustCompile(`^[a-zA-Z0-9\s\-_]+$`)

func invalid(field, format string, args ...any) *errors.EnhancedError {
	return errors.Newf(format, args...).
		Component("validate").
		Category(errors.CategoryValidation).
		Context("field", field).
		Build()
}

// Telemetry validates a decoded telemetry record
func Telemetry(t *entity.Telemetry) error {
	if t == nil {
		return invalid("record", "telemetry record is nil")
	}
	if err := EntityID(t.ID); err != nil {
		return err
	}
	if err := Coordinates(t.Latitude, t.Longitude); err != nil {
		return err
	}
	if err := RSSI(t.RSSI); err != nil {
		return err
	}
	if t.Battery != nil {
		if err := Battery(*t.Battery); err != nil {
			return err
		}
	}
	if t.Status != "" {
		if _, ok := entity.ParseStatus(string(t.Status)); !ok {
			return invalid("STATUS", "unknown status %q", t.Status)
		}
	}
	return nil
}

// EntityID checks the id is within [1, 9999]
func EntityID(id int) error {
	if id < MinEntityID || id > MaxEntityID {
		return invalid("ID", "id %d must be between %d and %d", id, MinEntityID, MaxEntityID)
	}
	return nil
}

// Coordinates checks ranges and rejects the (0,0) null island fix
func Coordinates(lat, lon float64) error {
	if lat < MinLatitude || lat > MaxLatitude {
		return invalid("LAT", "latitude %v must be between %v and %v", lat, MinLatitude, MaxLatitude)
	}
	if lon < MinLongitude || lon > MaxLongitude {
		return invalid("LON", "longitude %v must be between %v and %v", lon, MinLongitude, MaxLongitude)
	}
	if lat == 0 && lon == 0 {
		return invalid("LAT", "coordinates cannot both be zero")
	}
	return nil
}

// RSSI checks the signal is within [-150, -30] dBm and not zero
func RSSI(rssi int) error {
	if rssi == 0 {
		return invalid("RSSI", "rssi cannot be zero")
	}
	if rssi < MinRSSI || rssi > MaxRSSI {
		return invalid("RSSI", "rssi %d must be between %d and %d dBm", rssi, MinRSSI, MaxRSSI)
	}
	return nil
}

// Battery checks a percentage
func Battery(pct int) error {
	if pct < MinBattery || pct > MaxBattery {
		return invalid("BATTERY", "battery %d must be between %d and %d", pct, MinBattery, MaxBattery)
	}
	return nil
}

// OperatorName checks length and allowed characters
func OperatorName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("operator", "operator name cannot be empty")
	}
	n := len([]rune(name))
	if n < MinOperatorLength {
		return invalid("operator", "operator name must be at least %d characters", MinOperatorLength)
	}
	if n > MaxOperatorLength {
		return invalid("operator", "operator name must be at most %d characters", MaxOperatorLength)
	}
	if !operatorPattern.MatchString(name) {
		return invalid("operator", "operator name may only contain letters, numbers, spaces, hyphens and underscores")
	}
	return nil
}

// Note checks an operator note
func Note(text string) error {
	if strings.TrimSpace(text) == "" {
		return invalid("note", "note cannot be empty")
	}
	if len([]rune(text)) > MaxNoteLength {
		return invalid("note", "note must be at most %d characters", MaxNoteLength)
	}
	return nil
}

// CellSize checks a cluster grid cell size in degrees
func CellSize(size float64) error {
	if !(size > 0) || size > 1 {
		return invalid("cell_size", "cell size %v must be in (0, 1] degrees", size)
	}
	return nil
}

// BaudRate checks the link speed is one of StandardBaudRates
func BaudRate(speed int) error {
	if !slices.Contains(StandardBaudRates, speed) {
		return invalid("speed", "baud rate %d is not a standard rate", speed)
	}
	return nil
}

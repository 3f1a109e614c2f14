package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
)

// Wire field names
const (
	FieldID      = "ID"
	FieldLat     = "LAT"
	FieldLon     = "LON"
	FieldRSSI    = "RSSI"
	FieldStatus  = "STATUS"
	FieldBattery = "BATTERY"
)

// Decode parses one telemetry line. Text outside the outermost braces is ignored and
// single-quoted objects are accepted. Unknown fields are ignored. The result is typed
// but not range-checked; see validate.Telemetry.
func Decode(line []byte) (entity.Telemetry, error) {
	var t entity.Telemetry

	start := bytes.IndexByte(line, '{')
	end := bytes.LastIndexByte(line, '}')
	if start < 0 || end < start {
		return t, decodeError("no JSON object in line", line)
	}
	obj := line[start : end+1]

	fields, err := decodeObject(obj)
	if err != nil {
		fields, err = decodeObject(bytes.ReplaceAll(obj, []byte("'"), []byte(`"`)))
	}
	if err != nil {
		return t, decodeError(err.Error(), line)
	}

	if t.ID, err = intField(fields, FieldID); err != nil {
		return t, err
	}
	if t.Latitude, err = floatField(fields, FieldLat); err != nil {
		return t, err
	}
	if t.Longitude, err = floatField(fields, FieldLon); err != nil {
		return t, err
	}
	if t.RSSI, err = intField(fields, FieldRSSI); err != nil {
		return t, err
	}

	if _, ok := fields[FieldBattery]; ok {
		battery, err := intField(fields, FieldBattery)
		if err != nil {
			return t, err
		}
		t.Battery = &battery
	}

	if raw, ok := fields[FieldStatus]; ok {
		s, isString := raw.(string)
		if !isString {
			return t, fieldError(FieldStatus, "must be a string")
		}
		status, known := entity.ParseStatus(s)
		if !known {
			return t, fieldError(FieldStatus, fmt.Sprintf("unknown status %q", s))
		}
		t.Status = status
	}

	return t, nil
}

func decodeObject(obj []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func number(fields map[string]any, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return 0, fieldError(name, "required field missing")
	}
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fieldError(name, "not a number")
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fieldError(name, "not a number")
		}
		return f, nil
	default:
		return 0, fieldError(name, fmt.Sprintf("unexpected type %T", raw))
	}
}

func floatField(fields map[string]any, name string) (float64, error) {
	f, err := number(fields, name)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fieldError(name, "not a finite number")
	}
	return f, nil
}

func intField(fields map[string]any, name string) (int, error) {
	f, err := floatField(fields, name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fieldError(name, "must be an integer")
	}
	return int(f), nil
}

func decodeError(msg string, line []byte) error {
	sample := line
	if len(sample) > 64 {
		sample = sample[:64]
	}
	return errors.Newf("malformed telemetry: %s", msg).
		Component("ingest").
		Category(errors.CategoryDecode).
		Context("line", string(sample)).
		Build()
}

func fieldError(field, msg string) error {
	return errors.Newf("field %s: %s", field, msg).
		Component("ingest").
		Category(errors.CategoryValidation).
		Context("field", field).
		Build()
}

package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	battery := 80
	tests := []struct {
		name string
		line string
		want entity.Telemetry
	}{
		{
			name: "minimal",
			line: `{"ID":1001,"LAT":13.022,"LON":77.587,"RSSI":-75}`,
			want: entity.Telemetry{ID: 1001, Latitude: 13.022, Longitude: 77.587, RSSI: -75},
		},
		{
			name: "single quotes",
			line: `{'ID': 7, 'LAT': 13.5, 'LON': 77.5, 'RSSI': -80}`,
			want: entity.Telemetry{ID: 7, Latitude: 13.5, Longitude: 77.5, RSSI: -80},
		},
		{
			name: "stray characters around object",
			line: "\x00>>{\"ID\":2,\"LAT\":1.5,\"LON\":2.5,\"RSSI\":-90}\r#",
			want: entity.Telemetry{ID: 2, Latitude: 1.5, Longitude: 2.5, RSSI: -90},
		},
		{
			name: "optional fields and unknown extras",
			line: `{"ID":3,"LAT":1,"LON":2,"RSSI":-60,"STATUS":"in_progress","BATTERY":80,"TIME":"12:00:01","FW":2}`,
			want: entity.Telemetry{ID: 3, Latitude: 1, Longitude: 2, RSSI: -60, Status: entity.StatusInProgress, Battery: &battery},
		},
		{
			name: "integral float and numeric strings",
			line: `{"ID":4.0,"LAT":"10.25","LON":"20.5","RSSI":-70}`,
			want: entity.Telemetry{ID: 4, Latitude: 10.25, Longitude: 20.5, RSSI: -70},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Decode([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		category errors.ErrorCategory
	}{
		{"no object", "hello world", errors.CategoryDecode},
		{"truncated", `{"ID":1,"LAT":`, errors.CategoryDecode},
		{"not json", `{ID=1}`, errors.CategoryDecode},
		{"missing rssi", `{"ID":1,"LAT":1,"LON":2}`, errors.CategoryValidation},
		{"fractional id", `{"ID":1.5,"LAT":1,"LON":2,"RSSI":-70}`, errors.CategoryValidation},
		{"boolean lat", `{"ID":1,"LAT":true,"LON":2,"RSSI":-70}`, errors.CategoryValidation},
		{"null lon", `{"ID":1,"LAT":1,"LON":null,"RSSI":-70}`, errors.CategoryValidation},
		{"unknown status", `{"ID":1,"LAT":1,"LON":2,"RSSI":-70,"STATUS":"LOST"}`, errors.CategoryValidation},
		{"numeric status", `{"ID":1,"LAT":1,"LON":2,"RSSI":-70,"STATUS":1}`, errors.CategoryValidation},
		{"fractional battery", `{"ID":1,"LAT":1,"LON":2,"RSSI":-70,"BATTERY":50.5}`, errors.CategoryValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.line))
			require.Error(t, err)
			assert.Equal(t, tt.category, errors.CategoryOf(err))
		})
	}
}

func TestLineAssembler(t *testing.T) {
	t.Parallel()

	var lines []string
	emit := func(l []byte) { lines = append(lines, string(l)) }

	a := newLineAssembler(16)
	assert.Zero(t, a.Feed([]byte("abc"), emit))
	assert.Zero(t, a.Feed([]byte("def\nghi"), emit))
	assert.Zero(t, a.Feed([]byte("\n\nxyz"), emit))
	assert.Equal(t, []string{"abcdef", "ghi", ""}, lines)

	lines = nil
	a.Reset()
	assert.Equal(t, 1, a.Feed([]byte("0123456789abcdefOVERFLOW"), emit))
	assert.Zero(t, a.Feed([]byte("still discarding\nok\n"), emit))
	assert.Equal(t, []string{"ok"}, lines)
}

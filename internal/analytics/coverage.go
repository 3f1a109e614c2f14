package analytics

import (
	"math"

	"github.com/beaconwatch/beaconwatch/internal/entity"
)

const earthRadiusKm = 6371.0088

// Location is a point in decimal degrees
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Coverage reports distances from the receiving station
type Coverage struct {
	Station    Location       `json:"station"`
	Count      int            `json:"count"`
	NearestKm  float64        `json:"nearest_km"`
	FarthestKm float64        `json:"farthest_km"`
	AverageKm  float64        `json:"average_km"`
	Bands      map[string]int `json:"bands"`
}

// Distance bands in km
const (
	BandNear   = "under_1km"
	BandMedium = "1_to_5km"
	BandFar    = "over_5km"
)

// HaversineKm is the great-circle distance between two points
func HaversineKm(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// CoverageFrom measures every record's distance from station
func CoverageFrom(station Location, records []*entity.Record) Coverage {
	cov := Coverage{
		Station: station,
		Bands:   map[string]int{BandNear: 0, BandMedium: 0, BandFar: 0},
	}

	var total float64
	for _, r := range records {
		d := HaversineKm(station, Location{Latitude: r.Latitude, Longitude: r.Longitude})
		if cov.Count == 0 || d < cov.NearestKm {
			cov.NearestKm = d
		}
		cov.FarthestKm = max(cov.FarthestKm, d)
		total += d
		cov.Count++

		switch {
		case d < 1:
			cov.Bands[BandNear]++
		case d <= 5:
			cov.Bands[BandMedium]++
		default:
			cov.Bands[BandFar]++
		}
	}
	if cov.Count > 0 {
		cov.AverageKm = total / float64(cov.Count)
	}
	return cov
}

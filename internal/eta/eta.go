package eta

import (
	"math"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

// DefaultSpeedKmh is used when no positive average speed is configured.
const DefaultSpeedKmh = 30.0

// DistanceKm is the straight-line distance used for estimates.
func DistanceKm(from, to models.Location) float64 {
	return geo.HaversineKm(from, to)
}

// Minutes returns ceil(distanceKm / speedKmh * 60), never less than one minute.
func Minutes(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	mins := int(math.Ceil(distanceKm / speedKmh * 60))
	if mins < 1 {
		mins = 1
	}
	return mins
}

// Between combines DistanceKm and Minutes.
func Between(from, to models.Location, speedKmh float64) (float64, int) {
	d := DistanceKm(from, to)
	return d, Minutes(d, speedKmh)
}

package eta

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/trip-dispatch/internal/models"
)

func TestMinutes(t *testing.T) {
	tests := []struct {
		name     string
		km       float64
		speedKmh float64
		want     int
	}{
		{"zero distance floors to one", 0, 30, 1},
		{"tiny distance floors to one", 0.1, 30, 1},
		{"exact", 15, 30, 30},
		{"rounds up", 15.01, 30, 31},
		{"default speed", 30, 0, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Minutes(tt.km, tt.speedKmh))
		})
	}
}

func TestBetween(t *testing.T) {
	a := models.Location{Lat: 10.77, Lon: 106.70}
	b := models.Location{Lat: 10.78, Lon: 106.69}
	d, m := Between(a, b, 30)
	assert.InDelta(t, 1.55, d, 0.05)
	assert.Equal(t, 4, m)
}

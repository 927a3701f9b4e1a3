package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	c := Calculator{Base: 2.5, PerKm: 1.2, Minimum: 5}

	tests := []struct {
		name  string
		km    float64
		surge float64
		want  float64
	}{
		{"plain", 10, 1, 14.5},
		{"minimum applies", 1, 1, 5},
		{"surge", 10, 1.5, 21.75},
		{"surge below one is ignored", 10, 0.5, 14.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.Estimate(tt.km, tt.surge), 0.001)
		})
	}
}

func TestSurgeMultiplier(t *testing.T) {
	c := Calculator{Surge: DefaultSurge()}

	tests := []struct {
		name           string
		demand, supply int
		want           float64
	}{
		{"no supply", 3, 0, 2.0},
		{"idle", 0, 0, 1.0},
		{"low demand", 1, 4, 1.0},
		{"balanced", 5, 5, 1.2},
		{"busy", 8, 5, 1.5},
		{"very busy", 10, 5, 1.8},
		{"extreme", 30, 5, 2.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.SurgeMultiplier(tt.demand, tt.supply))
		})
	}
}

func TestSurgeWithoutTiers(t *testing.T) {
	assert.Equal(t, 1.0, Calculator{}.SurgeMultiplier(10, 0))
}

func TestParseSurge(t *testing.T) {
	tiers, err := ParseSurge("2.0:1.8, 1.0:1.2")
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, SurgeTier{MinRatio: 2.0, Multiplier: 1.8}, tiers[0])

	_, err = ParseSurge("1.0")
	assert.Error(t, err)
	_, err = ParseSurge("1.0:0.5")
	assert.Error(t, err)
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(1450), Cents(14.5))
	assert.Equal(t, int64(1999), Cents(19.99))
}

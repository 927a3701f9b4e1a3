package pricing

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// SurgeTier applies Multiplier once demand/supply reaches MinRatio.
type SurgeTier struct {
	MinRatio   float64
	Multiplier float64
}

// Calculator computes fares from configured constants. It holds no state.
type Calculator struct {
	Base    float64
	PerKm   float64
	Minimum float64
	Surge   []SurgeTier
}

// DefaultSurge mirrors the usual demand buckets.
func DefaultSurge() []SurgeTier {
	return []SurgeTier{
		{MinRatio: 1.0, Multiplier: 1.2},
		{MinRatio: 1.5, Multiplier: 1.5},
		{MinRatio: 2.0, Multiplier: 1.8},
		{MinRatio: 3.0, Multiplier: 2.0},
	}
}

// Estimate returns base + perKm*distance scaled by surge, floored at Minimum,
// rounded to cents.
func (c Calculator) Estimate(distanceKm, surge float64) float64 {
	if surge < 1 {
		surge = 1
	}
	total := (c.Base + c.PerKm*distanceKm) * surge
	if total < c.Minimum {
		total = c.Minimum
	}
	return round(total)
}

// SurgeMultiplier picks the highest tier whose ratio is reached. Demand with
// no supply maps to the top tier; no demand never surges.
func (c Calculator) SurgeMultiplier(demand, supply int) float64 {
	tiers := c.sortedTiers()
	if len(tiers) == 0 || demand <= 0 {
		return 1.0
	}
	if supply <= 0 {
		return tiers[len(tiers)-1].Multiplier
	}
	ratio := float64(demand) / float64(supply)
	m := 1.0
	for _, t := range tiers {
		if ratio >= t.MinRatio {
			m = t.Multiplier
		}
	}
	return m
}

func (c Calculator) sortedTiers() []SurgeTier {
	tiers := append([]SurgeTier(nil), c.Surge...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinRatio < tiers[j].MinRatio })
	return tiers
}

// ParseSurge reads "ratio:multiplier" pairs separated by commas,
// e.g. "1.0:1.2,1.5:1.5".
func ParseSurge(v string) ([]SurgeTier, error) {
	var out []SurgeTier
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ratio, mult, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("surge tier %q: want ratio:multiplier", part)
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(ratio), 64)
		if err != nil {
			return nil, fmt.Errorf("surge tier %q: %w", part, err)
		}
		m, err := strconv.ParseFloat(strings.TrimSpace(mult), 64)
		if err != nil {
			return nil, fmt.Errorf("surge tier %q: %w", part, err)
		}
		if m < 1 {
			return nil, fmt.Errorf("surge tier %q: multiplier below 1", part)
		}
		out = append(out, SurgeTier{MinRatio: r, Multiplier: m})
	}
	return out, nil
}

// Cents converts an amount to the smallest currency unit.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func round(f float64) float64 {
	return math.Round(f*100) / 100
}

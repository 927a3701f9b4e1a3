package matcher

import (
	"sort"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

const (
	weightDistance   = 40.0
	weightRating     = 35.0
	weightExperience = 15.0
	weightRecency    = 10.0

	freshLocation = 60 * time.Second
	staleLocation = 300 * time.Second
)

// Rank scores candidates relative to each other, sorts them by score
// descending and keeps at most limit of them. Equal scores keep ascending
// distance order. Input is not modified.
func Rank(cands []models.DriverCandidate, now time.Time, limit int) []models.DriverCandidate {
	if len(cands) == 0 {
		return nil
	}
	out := append([]models.DriverCandidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })

	var maxDist float64
	var maxTrips int
	for _, c := range out {
		if c.DistanceKm > maxDist {
			maxDist = c.DistanceKm
		}
		if c.CompletedTrips > maxTrips {
			maxTrips = c.CompletedTrips
		}
	}

	for i := range out {
		b := models.ScoreBreakdown{
			Distance:   distanceScore(out[i].DistanceKm, maxDist, len(out)),
			Rating:     ratingScore(out[i].Rating),
			Experience: experienceScore(out[i].CompletedTrips, maxTrips),
			Recency:    recencyScore(out[i].LastLocationUpdate, now),
		}
		out[i].Breakdown = b
		out[i].Score = b.Distance + b.Rating + b.Experience + b.Recency
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func distanceScore(d, maxDist float64, n int) float64 {
	if n == 1 || maxDist <= 0 {
		return weightDistance
	}
	return (1 - d/maxDist) * weightDistance
}

func ratingScore(r float64) float64 {
	switch {
	case r < 0:
		r = 0
	case r > 5:
		r = 5
	}
	return r / 5 * weightRating
}

// experienceScore is relative to the most experienced driver in the set.
func experienceScore(trips, maxTrips int) float64 {
	if maxTrips <= 0 || trips <= 0 {
		return 0
	}
	return float64(trips) / float64(maxTrips) * weightExperience
}

func recencyScore(last, now time.Time) float64 {
	if last.IsZero() {
		return 0
	}
	age := now.Sub(last)
	switch {
	case age < freshLocation:
		return weightRecency
	case age < staleLocation:
		return weightRecency / 2
	default:
		return 0
	}
}

package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/directory"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// ErrNoDriversAvailable is a business outcome: the trip must be cancelled.
var ErrNoDriversAvailable = errors.New("no drivers available")

type Config struct {
	RadiusKm      float64
	SearchLimit   int
	MaxCandidates int
}

func DefaultConfig() Config {
	return Config{RadiusKm: 5, SearchLimit: 20, MaxCandidates: 5}
}

// Result is the ranked outcome of one matching run.
type Result struct {
	Candidates []models.DriverCandidate
	RadiusKm   float64
}

// DriverIDs returns candidate ids in rank order.
func (r Result) DriverIDs() []string {
	ids := make([]string, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		ids = append(ids, c.DriverID)
	}
	return ids
}

type Service struct {
	Geo       geo.Index
	Directory directory.Directory // optional
	Config    Config
	Now       func() time.Time
	Logger    *slog.Logger
}

func NewService(idx geo.Index, dir directory.Directory, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Geo: idx, Directory: dir, Config: cfg, Now: time.Now, Logger: logger}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// FindNearbyDrivers returns candidates within radiusKm of pickup, nearest
// first. An empty result is not an error. Directory failures degrade to
// unverified candidates; drivers the directory reports as unavailable are
// dropped.
func (s *Service) FindNearbyDrivers(ctx context.Context, pickup models.Location, radiusKm float64, limit int) ([]models.DriverCandidate, error) {
	hits, err := s.Geo.RadiusQuery(ctx, pickup.Lat, pickup.Lon, radiusKm, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []models.DriverCandidate{}, nil
	}

	cands := make([]models.DriverCandidate, 0, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		cands = append(cands, models.DriverCandidate{
			DriverID:   h.DriverID,
			DistanceKm: h.DistanceKm,
			Location:   models.Location{Lat: h.Lat, Lon: h.Lon},
		})
		ids = append(ids, h.DriverID)
	}
	if s.Directory == nil {
		return cands, nil
	}

	statuses, err := s.Directory.BatchStatus(ctx, ids)
	if err != nil {
		observability.DirectoryDegrade.Inc()
		s.Logger.Warn("driver directory unavailable, using unverified candidates", "err", err, "candidates", len(cands))
		return cands, nil
	}
	byID := make(map[string]models.DriverStatus, len(statuses))
	for _, st := range statuses {
		byID[st.DriverID] = st
	}

	out := cands[:0]
	for _, c := range cands {
		st, ok := byID[c.DriverID]
		if !ok {
			out = append(out, c)
			continue
		}
		if !st.IsAvailable {
			continue
		}
		c.Verified = true
		c.Rating = st.Rating
		c.CompletedTrips = st.CompletedTrips
		c.LastLocationUpdate = st.LastLocationUpdate
		out = append(out, c)
	}
	return out, nil
}

// SelectOptimalDrivers scores and truncates candidates to MaxCandidates.
func (s *Service) SelectOptimalDrivers(cands []models.DriverCandidate) []models.DriverCandidate {
	limit := s.Config.MaxCandidates
	if limit <= 0 {
		limit = DefaultConfig().MaxCandidates
	}
	return Rank(cands, s.now(), limit)
}

// GetOptimalDrivers searches around the pickup and ranks what it finds.
func (s *Service) GetOptimalDrivers(ctx context.Context, req models.TripRequest) (Result, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	radius := s.Config.RadiusKm
	if radius <= 0 {
		radius = DefaultConfig().RadiusKm
	}
	cands, err := s.FindNearbyDrivers(ctx, req.Pickup, radius, s.Config.SearchLimit)
	if err != nil {
		return Result{RadiusKm: radius}, err
	}
	if len(cands) == 0 {
		observability.NoDriversTotal.Inc()
		return Result{RadiusKm: radius}, ErrNoDriversAvailable
	}
	ranked := s.SelectOptimalDrivers(cands)
	observability.MatchesTotal.Inc()
	observability.MatchCandidates.Observe(float64(len(ranked)))
	return Result{Candidates: ranked, RadiusKm: radius}, nil
}

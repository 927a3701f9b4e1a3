// Package booking drives a trip from request to rating. It answers clients
// right away and leaves matching to a background dispatch.
package booking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/directory"
	"github.com/example/trip-dispatch/internal/eta"
	"github.com/example/trip-dispatch/internal/matcher"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/pricing"
	"github.com/example/trip-dispatch/internal/trip"
)

var (
	ErrInvalidRequest = errors.New("invalid trip request")
	ErrNotOffered     = errors.New("trip was not offered to this driver")
)

type Config struct {
	AvgSpeedKmh     float64
	OfferTTL        time.Duration
	DispatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{AvgSpeedKmh: eta.DefaultSpeedKmh, OfferTTL: 5 * time.Minute, DispatchTimeout: 30 * time.Second}
}

// Deps are the collaborators of the service. Offers and Drivers are optional.
type Deps struct {
	Trips   *trip.Machine
	Matcher *matcher.Service
	Offers  matcher.OfferLedger
	Drivers directory.Store
	Pricing pricing.Calculator
}

// Estimate is a quote shown before booking.
type Estimate struct {
	DistanceKm float64 `json:"distance_km"`
	EtaMinutes int     `json:"eta_minutes"`
	Fare       float64 `json:"fare"`
	Surge      float64 `json:"surge"`
}

type Service struct {
	Deps
	cfg       Config
	logger    *slog.Logger
	wg        sync.WaitGroup
	searching atomic.Int64
}

func NewService(d Deps, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.AvgSpeedKmh <= 0 {
		cfg.AvgSpeedKmh = def.AvgSpeedKmh
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = def.OfferTTL
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Deps: d, cfg: cfg, logger: logger.With("component", "booking")}
}

func validLocation(l models.Location) bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// Estimate quotes distance, ETA and fare. Surge comes from the number of
// trips being dispatched against the drivers near the pickup.
func (s *Service) Estimate(ctx context.Context, pickup, destination models.Location) (Estimate, error) {
	if !validLocation(pickup) || !validLocation(destination) {
		return Estimate{}, ErrInvalidRequest
	}
	km, minutes := eta.Between(pickup, destination, s.cfg.AvgSpeedKmh)
	surge := 1.0
	if s.Matcher != nil {
		hits, err := s.Matcher.Geo.RadiusQuery(ctx, pickup.Lat, pickup.Lon, s.Matcher.Config.RadiusKm, s.Matcher.Config.SearchLimit)
		if err != nil {
			s.logger.Warn("surge lookup failed, quoting without surge", "err", err)
		} else {
			surge = s.Pricing.SurgeMultiplier(int(s.searching.Load()), len(hits))
		}
	}
	return Estimate{DistanceKm: km, EtaMinutes: minutes, Fare: s.Pricing.Estimate(km, surge), Surge: surge}, nil
}

// RequestTrip stores a new trip and starts matching in the background.
func (s *Service) RequestTrip(ctx context.Context, req models.TripRequest) (*models.Trip, error) {
	if req.RiderID == "" || !validLocation(req.Pickup) || !validLocation(req.Destination) {
		return nil, ErrInvalidRequest
	}
	est, err := s.Estimate(ctx, req.Pickup, req.Destination)
	if err != nil {
		return nil, err
	}
	t := &models.Trip{
		ID:            uuid.NewString(),
		RiderID:       req.RiderID,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		EstimatedFare: est.Fare,
	}
	if err := s.Trips.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("trip requested", "trip_id", t.ID, "rider_id", t.RiderID, "fare", t.EstimatedFare)

	s.wg.Add(1)
	go func(id string) {
		defer s.wg.Done()
		dctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
		defer cancel()
		if err := s.Dispatch(dctx, id); err != nil {
			s.logger.Error("dispatch failed", "trip_id", id, "err", err)
		}
	}(t.ID)
	return t, nil
}

// Dispatch moves a requested trip into SEARCHING, ranks nearby drivers and
// offers them the trip. With nobody nearby the trip is cancelled. If the
// search itself fails the trip stays SEARCHING and its acceptance deadline
// settles it.
func (s *Service) Dispatch(ctx context.Context, tripID string) error {
	t, err := s.Trips.Transition(ctx, tripID, models.StatusSearching, trip.Update{})
	if err != nil {
		return err
	}
	s.searching.Add(1)
	defer s.searching.Add(-1)

	res, err := s.Matcher.GetOptimalDrivers(ctx, models.TripRequest{RiderID: t.RiderID, Pickup: t.Pickup, Destination: t.Destination})
	if errors.Is(err, matcher.ErrNoDriversAvailable) {
		s.logger.Info("no drivers near pickup", "trip_id", tripID, "radius_km", res.RadiusKm)
		_, err = s.Trips.Transition(ctx, tripID, models.StatusCancelled, trip.Update{
			From:        models.StatusSearching,
			Reason:      "no drivers available",
			CancelledBy: "system",
		})
		if errors.Is(err, trip.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	if s.Offers != nil {
		if err := s.Offers.Record(ctx, tripID, res.DriverIDs(), s.cfg.OfferTTL); err != nil {
			s.logger.Warn("offer ledger unavailable, trip open to any driver", "trip_id", tripID, "err", err)
		}
	}
	if err := s.Trips.AnnounceCandidates(ctx, tripID, res.Candidates, res.RadiusKm); err != nil {
		if errors.Is(err, trip.ErrInvalidTransition) {
			// accepted or cancelled while we were matching
			return nil
		}
		return err
	}
	s.logger.Info("trip offered", "trip_id", tripID, "drivers", res.DriverIDs())
	return nil
}

// Accept assigns driverID to the trip. Only drivers the trip was offered to
// may accept it, unless no offer was recorded.
func (s *Service) Accept(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	if driverID == "" {
		return nil, trip.ErrDriverRequired
	}
	if s.Offers != nil {
		ok, err := s.Offers.Offered(ctx, tripID, driverID)
		if err != nil {
			s.logger.Warn("offer check failed, allowing accept", "trip_id", tripID, "driver_id", driverID, "err", err)
		} else if !ok {
			return nil, ErrNotOffered
		}
	}
	t, err := s.Trips.Transition(ctx, tripID, models.StatusAccepted, trip.Update{DriverID: driverID})
	if err != nil {
		return nil, err
	}
	s.setDriver(ctx, driverID, models.DriverBusy)
	return t, nil
}

func (s *Service) checkDriver(ctx context.Context, tripID, driverID string) error {
	if driverID == "" {
		return nil
	}
	t, err := s.Trips.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if t.DriverID != driverID {
		return trip.ErrDriverMismatch
	}
	return nil
}

func (s *Service) driverStep(ctx context.Context, tripID, driverID string, target models.TripStatus) (*models.Trip, error) {
	if err := s.checkDriver(ctx, tripID, driverID); err != nil {
		return nil, err
	}
	return s.Trips.Transition(ctx, tripID, target, trip.Update{})
}

func (s *Service) MarkArriving(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return s.driverStep(ctx, tripID, driverID, models.StatusDriverArriving)
}

func (s *Service) MarkArrived(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return s.Trips.MarkDriverArrived(ctx, tripID, driverID)
}

func (s *Service) PickUp(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return s.driverStep(ctx, tripID, driverID, models.StatusPickedUp)
}

func (s *Service) Start(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return s.driverStep(ctx, tripID, driverID, models.StatusInProgress)
}

// Complete finishes the trip. When the driven distance is known the final
// fare is priced from it, otherwise the estimate stands.
func (s *Service) Complete(ctx context.Context, tripID, driverID string, distanceKm *float64) (*models.Trip, error) {
	if err := s.checkDriver(ctx, tripID, driverID); err != nil {
		return nil, err
	}
	var u trip.Update
	if distanceKm != nil && *distanceKm >= 0 {
		fare := s.Pricing.Estimate(*distanceKm, 1)
		u.FinalFare = &fare
	}
	t, err := s.Trips.Transition(ctx, tripID, models.StatusCompleted, u)
	if err != nil {
		return nil, err
	}
	s.setDriver(ctx, t.DriverID, models.DriverAvailable)
	if s.Drivers != nil && t.DriverID != "" {
		if err := s.Drivers.IncrementTrips(ctx, t.DriverID); err != nil {
			s.logger.Warn("driver trip count not updated", "driver_id", t.DriverID, "err", err)
		}
	}
	return t, nil
}

func (s *Service) Cancel(ctx context.Context, tripID, reason, by string) (*models.Trip, error) {
	t, err := s.Trips.Transition(ctx, tripID, models.StatusCancelled, trip.Update{Reason: reason, CancelledBy: by})
	if err != nil {
		return nil, err
	}
	s.setDriver(ctx, t.DriverID, models.DriverAvailable)
	return t, nil
}

func (s *Service) Rate(ctx context.Context, tripID string, rating int, comment string) (*models.Trip, error) {
	return s.Trips.SubmitRating(ctx, tripID, rating, comment)
}

func (s *Service) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.Trips.Get(ctx, tripID)
}

// Wait blocks until background dispatches have finished.
func (s *Service) Wait() { s.wg.Wait() }

// Drain waits for background dispatches and then for their events to be
// published, giving up when ctx ends.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	return s.Trips.Flush(ctx)
}

func (s *Service) setDriver(ctx context.Context, driverID string, st models.DriverAvailability) {
	if s.Drivers == nil || driverID == "" {
		return
	}
	if err := s.Drivers.SetStatus(ctx, driverID, st); err != nil {
		s.logger.Warn("driver status not updated", "driver_id", driverID, "status", st, "err", err)
	}
}

package readmodel

import (
	"context"
	"log/slog"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/models"
)

// Notification is what riders, drivers and trip watchers receive.
type Notification struct {
	Type      events.Type       `json:"type"`
	TripID    string            `json:"trip_id"`
	Status    models.TripStatus `json:"status"`
	DriverID  string            `json:"driver_id,omitempty"`
	Fare      *float64          `json:"fare,omitempty"`
	Pickup    *models.Location  `json:"pickup,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Offer is sent to each candidate driver of a TRIP_DRIVER_ASSIGNED event.
type Offer struct {
	TripID      string          `json:"trip_id"`
	Pickup      models.Location `json:"pickup"`
	Destination models.Location `json:"destination"`
	Fare        *float64        `json:"fare,omitempty"`
	DistanceKm  float64         `json:"distance_km"`
	Score       float64         `json:"score"`
}

type Projector struct {
	cache    Cache
	notifier dispatch.Notifier
	logger   *slog.Logger
}

func NewProjector(cache Cache, notifier dispatch.Notifier, logger *slog.Logger) *Projector {
	if notifier == nil {
		notifier = dispatch.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{cache: cache, notifier: notifier, logger: logger.With("component", "projector")}
}

// Register wires the projector's handlers into r.
func (p *Projector) Register(r *events.Router) {
	var transitions []events.Type
	for _, t := range events.AllTypes {
		if t.IsTransition() {
			transitions = append(transitions, t)
		}
	}
	r.On(p.onTransition, transitions...)
	r.On(p.onAssigned, events.TripDriverAssigned)
	r.On(p.onArrived, events.TripDriverArrived)
	r.On(p.onRated, events.TripRatingSubmitted)
}

func notificationFor(ev events.Event) Notification {
	return Notification{
		Type:      ev.Type,
		TripID:    ev.TripID,
		Status:    ev.Data.Status,
		DriverID:  ev.Driver(),
		Fare:      ev.Data.Fare,
		Reason:    ev.MetaString("reason"),
		Timestamp: ev.Timestamp,
	}
}

func (p *Projector) onTransition(ctx context.Context, ev events.Event) error {
	applied, err := p.cache.Apply(ctx, Entry{
		TripID:    ev.TripID,
		Status:    ev.Data.Status,
		RiderID:   ev.UserID,
		DriverID:  ev.Driver(),
		EventID:   ev.ID,
		UpdatedAt: ev.Time(),
	})
	if err != nil {
		return err
	}
	if !applied {
		p.logger.Debug("stale or repeated status ignored", "trip_id", ev.TripID, "status", ev.Data.Status, "event_id", ev.ID)
		return nil
	}

	n := notificationFor(ev)
	if ev.Type == events.TripAccepted {
		pickup := ev.Data.Pickup
		n.Pickup = &pickup
	}
	p.notifier.NotifyTripParticipants(ctx, ev.TripID, n)
	p.notifier.NotifyUser(ctx, ev.UserID, n)
	if ev.Type == events.TripCancelled || ev.Type == events.TripAccepted {
		p.notifier.NotifyUser(ctx, ev.Driver(), n)
	}
	return nil
}

func (p *Projector) onAssigned(ctx context.Context, ev events.Event) error {
	cands, err := ev.Candidates()
	if err != nil {
		return err
	}
	for _, c := range cands {
		p.notifier.NotifyUser(ctx, c.DriverID, Offer{
			TripID:      ev.TripID,
			Pickup:      ev.Data.Pickup,
			Destination: ev.Data.Destination,
			Fare:        ev.Data.Fare,
			DistanceKm:  c.DistanceKm,
			Score:       c.Score,
		})
	}
	p.logger.Info("offers sent", "trip_id", ev.TripID, "drivers", len(cands))
	return nil
}

func (p *Projector) onArrived(ctx context.Context, ev events.Event) error {
	n := notificationFor(ev)
	p.notifier.NotifyTripParticipants(ctx, ev.TripID, n)
	p.notifier.NotifyUser(ctx, ev.UserID, n)
	return nil
}

func (p *Projector) onRated(ctx context.Context, ev events.Event) error {
	p.notifier.NotifyUser(ctx, ev.Driver(), notificationFor(ev))
	return nil
}

package payments

import (
	"context"
	"log/slog"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/pricing"
)

// Handler follows the trip lifecycle on the event stream: hold the estimate
// on acceptance, capture on completion, release on cancellation. Event ids
// double as idempotency keys so redelivery never charges twice.
type Handler struct {
	gateway  Gateway
	intents  IntentStore
	currency string
	logger   *slog.Logger
}

func NewHandler(gw Gateway, intents IntentStore, currency string, logger *slog.Logger) *Handler {
	if currency == "" {
		currency = "usd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gateway: gw, intents: intents, currency: currency, logger: logger.With("component", "payments")}
}

func (h *Handler) Register(r *events.Router) {
	r.On(h.onAccepted, events.TripAccepted)
	r.On(h.onCompleted, events.TripCompleted)
	r.On(h.onCancelled, events.TripCancelled)
}

func fareCents(ev events.Event) int64 {
	if ev.Data.Fare == nil {
		return 0
	}
	return pricing.Cents(*ev.Data.Fare)
}

func (h *Handler) onAccepted(ctx context.Context, ev events.Event) error {
	if _, ok, err := h.intents.Get(ctx, ev.TripID); err != nil {
		return err
	} else if ok {
		return nil
	}
	amount := fareCents(ev)
	if amount <= 0 {
		h.logger.Warn("no fare to hold", "trip_id", ev.TripID)
		return nil
	}
	id, err := h.gateway.Hold(ctx, amount, h.currency, "hold-"+ev.ID, map[string]string{
		"trip_id": ev.TripID,
		"rider":   ev.UserID,
		"driver":  ev.Driver(),
	})
	if err != nil {
		return err
	}
	h.logger.Info("payment held", "trip_id", ev.TripID, "intent", id, "amount", amount)
	return h.intents.Save(ctx, ev.TripID, Intent{ID: id, Amount: amount})
}

func (h *Handler) onCompleted(ctx context.Context, ev events.Event) error {
	in, ok, err := h.intents.Get(ctx, ev.TripID)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Warn("completed trip has no payment hold", "trip_id", ev.TripID)
		return nil
	}
	amount := fareCents(ev)
	// a capture cannot exceed the hold
	if amount <= 0 || amount > in.Amount {
		amount = in.Amount
	}
	if err := h.gateway.Capture(ctx, in.ID, amount, "capture-"+ev.ID); err != nil {
		return err
	}
	h.logger.Info("payment captured", "trip_id", ev.TripID, "intent", in.ID, "amount", amount)
	return h.intents.Delete(ctx, ev.TripID)
}

func (h *Handler) onCancelled(ctx context.Context, ev events.Event) error {
	in, ok, err := h.intents.Get(ctx, ev.TripID)
	if err != nil || !ok {
		return err
	}
	if err := h.gateway.Cancel(ctx, in.ID, "cancel-"+ev.ID); err != nil {
		return err
	}
	h.logger.Info("payment released", "trip_id", ev.TripID, "intent", in.ID)
	return h.intents.Delete(ctx, ev.TripID)
}

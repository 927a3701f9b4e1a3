package dispatch

import (
	"context"
	"log/slog"
)

// Notifier delivers payloads to users and trip watchers. Delivery is
// fire-and-forget: failures are logged, never returned.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, payload any)
	NotifyTripParticipants(ctx context.Context, tripID string, payload any)
}

// Fanout prefers live sockets and falls back to push for users that have none.
type Fanout struct {
	WS     *WSRegistry
	Push   *PushNotifier
	logger *slog.Logger
}

func NewFanout(ws *WSRegistry, push *PushNotifier, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{WS: ws, Push: push, logger: logger.With("component", "notifier")}
}

func (f *Fanout) NotifyUser(ctx context.Context, userID string, payload any) {
	if userID == "" {
		return
	}
	if f.WS != nil && f.WS.Send(UserTopic(userID), payload) > 0 {
		return
	}
	if f.Push == nil || f.Push.Endpoint == "" {
		f.logger.Debug("user offline and no push endpoint", "user_id", userID)
		return
	}
	if err := f.Push.Push(ctx, userID, payload); err != nil {
		f.logger.Warn("push failed", "user_id", userID, "err", err)
	}
}

func (f *Fanout) NotifyTripParticipants(_ context.Context, tripID string, payload any) {
	if f.WS == nil {
		return
	}
	f.WS.Send(TripTopic(tripID), payload)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) NotifyUser(context.Context, string, any)             {}
func (Discard) NotifyTripParticipants(context.Context, string, any) {}

package trip

import (
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/timeout"
)

// Policy holds how long a trip may stay in each guarded state. A zero
// duration disables that guard.
type Policy struct {
	Searching  time.Duration
	Arrival    time.Duration
	PickupWait time.Duration
	PickedUp   time.Duration
	MaxTrip    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Searching:  5 * time.Minute,
		Arrival:    30 * time.Minute,
		PickupWait: 10 * time.Minute,
		MaxTrip:    4 * time.Hour,
	}
}

// guard picks the deadline to arm on entering target. prev is the record
// that was live before the move; an arrival deadline armed at ACCEPTED
// keeps running through DRIVER_ARRIVING instead of starting over.
func (p Policy) guard(target models.TripStatus, prev *timeout.Record, now time.Time) (timeout.Kind, time.Duration, bool) {
	switch target {
	case models.StatusSearching:
		return timeout.KindAcceptance, p.Searching, p.Searching > 0
	case models.StatusAccepted:
		return timeout.KindArrival, p.Arrival, p.Arrival > 0
	case models.StatusDriverArriving:
		if p.Arrival <= 0 {
			return "", 0, false
		}
		if prev != nil && prev.Kind == timeout.KindArrival && prev.State == models.StatusAccepted {
			left := prev.ExpiresAt.Sub(now)
			if left < 0 {
				left = 0
			}
			return timeout.KindArrival, left, true
		}
		return timeout.KindArrival, p.Arrival, true
	case models.StatusPickedUp:
		return timeout.KindPickupStall, p.PickedUp, p.PickedUp > 0
	case models.StatusInProgress:
		return timeout.KindMaxDuration, p.MaxTrip, p.MaxTrip > 0
	}
	return "", 0, false
}

// expiry is the transition a fired deadline of kind resolves to.
func expiry(kind timeout.Kind) (models.TripStatus, string) {
	switch kind {
	case timeout.KindAcceptance:
		return models.StatusCancelled, "no driver accepted"
	case timeout.KindArrival:
		return models.StatusCancelled, "driver arrival too slow"
	case timeout.KindPickupWait:
		return models.StatusCancelled, "rider not found"
	case timeout.KindPickupStall:
		return models.StatusCancelled, "trip not started"
	case timeout.KindMaxDuration:
		return models.StatusCompleted, "auto-completed"
	}
	return "", ""
}

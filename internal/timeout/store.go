package timeout

import (
	"context"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Kind names what a timeout guards; it selects the expiry action.
type Kind string

const (
	KindAcceptance  Kind = "acceptance"
	KindArrival     Kind = "arrival"
	KindPickupWait  Kind = "pickup_wait"
	KindPickupStall Kind = "pickup_stall"
	KindMaxDuration Kind = "max_duration"
)

// Record is the persisted deadline of one trip. Token changes on every arm
// so a callback can tell its own record from a newer one.
type Record struct {
	TripID    string
	State     models.TripStatus
	Kind      Kind
	ExpiresAt time.Time
	Owner     string
	Duration  time.Duration
	Token     string
}

// Store persists at most one Record per trip.
type Store interface {
	// Save replaces any record for rec.TripID. ttl bounds how long the store keeps it.
	Save(ctx context.Context, rec Record, ttl time.Duration) error
	// SaveIf stores rec only when the live record of rec.TripID carries
	// token expect. An empty expect requires that no live record exists.
	SaveIf(ctx context.Context, rec Record, ttl time.Duration, expect string) (bool, error)
	Get(ctx context.Context, tripID string) (Record, bool, error)
	Delete(ctx context.Context, tripID string) error
	// DeleteIf removes the record only if it still carries token.
	DeleteIf(ctx context.Context, tripID, token string) (bool, error)
	List(ctx context.Context) ([]Record, error)
	// ClaimOwner moves the record to owner if it still carries token.
	ClaimOwner(ctx context.Context, tripID, token, owner string) (bool, error)
	Heartbeat(ctx context.Context, owner string, ttl time.Duration) error
	Alive(ctx context.Context, owner string) (bool, error)
}

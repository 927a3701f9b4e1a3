package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
)

// Type is the closed set of dispatch event types.
type Type string

const (
	TripRequested       Type = "TRIP_REQUESTED"
	TripDriverAssigned  Type = "TRIP_DRIVER_ASSIGNED"
	TripAccepted        Type = "TRIP_ACCEPTED"
	TripDriverArriving  Type = "TRIP_DRIVER_ARRIVING"
	TripDriverArrived   Type = "TRIP_DRIVER_ARRIVED"
	TripPickedUp        Type = "TRIP_PICKED_UP"
	TripStarted         Type = "TRIP_STARTED"
	TripCompleted       Type = "TRIP_COMPLETED"
	TripCancelled       Type = "TRIP_CANCELLED"
	TripRatingSubmitted Type = "TRIP_RATING_SUBMITTED"
)

// AllTypes lists every event type in lifecycle order.
var AllTypes = []Type{
	TripRequested, TripDriverAssigned, TripAccepted, TripDriverArriving, TripDriverArrived,
	TripPickedUp, TripStarted, TripCompleted, TripCancelled, TripRatingSubmitted,
}

var transitionTypes = map[models.TripStatus]Type{
	models.StatusSearching:      TripRequested,
	models.StatusAccepted:       TripAccepted,
	models.StatusDriverArriving: TripDriverArriving,
	models.StatusPickedUp:       TripPickedUp,
	models.StatusInProgress:     TripStarted,
	models.StatusCompleted:      TripCompleted,
	models.StatusCancelled:      TripCancelled,
}

// ErrUnknownType is returned when decoding an event type outside the enum.
var ErrUnknownType = errors.New("unknown event type")

func (t Type) Valid() bool {
	for _, v := range AllTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Type(s)
	if !v.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	*t = v
	return nil
}

// ForTransition returns the event type that records entering status.
// REQUESTED has none: trips are created there, not transitioned into it.
func ForTransition(status models.TripStatus) (Type, bool) {
	t, ok := transitionTypes[status]
	return t, ok
}

// IsTransition reports whether t records a status change.
func (t Type) IsTransition() bool {
	for _, v := range transitionTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Payload struct {
	Pickup      models.Location   `json:"pickup"`
	Destination models.Location   `json:"destination"`
	Fare        *float64          `json:"fare,omitempty"`
	Status      models.TripStatus `json:"status"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Event is one immutable fact about one trip.
type Event struct {
	ID        string  `json:"eventId"`
	Type      Type    `json:"eventType"`
	TripID    string  `json:"tripId"`
	UserID    string  `json:"userId"`
	DriverID  *string `json:"driverId"`
	Timestamp int64   `json:"timestamp"`
	Data      Payload `json:"data"`
}

// New builds an event about t with a fresh id. The fare is the final fare
// once known, the estimate before that.
func New(typ Type, t *models.Trip, at time.Time, metadata map[string]any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TripID:    t.ID,
		UserID:    t.RiderID,
		Timestamp: at.UnixMilli(),
		Data: Payload{
			Pickup:      t.Pickup,
			Destination: t.Destination,
			Status:      t.Status,
			Metadata:    metadata,
		},
	}
	if t.DriverID != "" {
		d := t.DriverID
		ev.DriverID = &d
	}
	fare := t.EstimatedFare
	if t.FinalFare != nil {
		fare = *t.FinalFare
	}
	ev.Data.Fare = &fare
	return ev
}

// Key is the partition key: always the trip id.
func (e Event) Key() []byte { return []byte(e.TripID) }

func (e Event) Driver() string {
	if e.DriverID == nil {
		return ""
	}
	return *e.DriverID
}

func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// MetaString returns a string metadata value, or "".
func (e Event) MetaString(key string) string {
	if v, ok := e.Data.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// CandidateRef is the per-driver entry of a TRIP_DRIVER_ASSIGNED event.
type CandidateRef struct {
	DriverID   string  `json:"driverId"`
	DistanceKm float64 `json:"distanceKm"`
	Score      float64 `json:"score"`
}

// Candidates decodes the candidate list of a TRIP_DRIVER_ASSIGNED event.
// It works on both freshly built and decoded events.
func (e Event) Candidates() ([]CandidateRef, error) {
	raw, ok := e.Data.Metadata["candidates"]
	if !ok {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []CandidateRef
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Encode(e Event) ([]byte, error) { return json.Marshal(e) }

// Decode parses and validates a wire event.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, err
	}
	if e.ID == "" || e.TripID == "" {
		return Event{}, errors.New("event missing eventId or tripId")
	}
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return e, nil
}

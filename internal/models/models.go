package models

import "time"

type Location struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lon     float64 `json:"lon" validate:"longitude"`
	Address string  `json:"address,omitempty"`
}

// TripRequest is what a rider submits; the trip is created from it.
type TripRequest struct {
	RiderID     string   `json:"rider_id" validate:"required"`
	Pickup      Location `json:"pickup" validate:"required"`
	Destination Location `json:"destination" validate:"required"`
}

// Trip is the persisted trip record. Status and every field below it are
// written only by the trip state machine.
type Trip struct {
	ID            string   `json:"id"`
	RiderID       string   `json:"rider_id"`
	DriverID      string   `json:"driver_id,omitempty"`
	Pickup        Location `json:"pickup"`
	Destination   Location `json:"destination"`
	EstimatedFare float64  `json:"estimated_fare"`
	FinalFare     *float64 `json:"final_fare,omitempty"`

	Status  TripStatus `json:"status"`
	Version int64      `json:"version"`

	RequestedAt     time.Time  `json:"requested_at"`
	SearchingAt     *time.Time `json:"searching_at,omitempty"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	ArrivingAt      *time.Time `json:"arriving_at,omitempty"`
	DriverArrivedAt *time.Time `json:"driver_arrived_at,omitempty"`
	PickedUpAt      *time.Time `json:"picked_up_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`

	CancelReason string `json:"cancel_reason,omitempty"`
	CancelledBy  string `json:"cancelled_by,omitempty"`

	Rating  *int   `json:"rating,omitempty"`
	Comment string `json:"comment,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing a stored record.
func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	c := *t
	c.FinalFare = cloneFloat(t.FinalFare)
	c.Rating = cloneInt(t.Rating)
	c.SearchingAt = cloneTime(t.SearchingAt)
	c.AcceptedAt = cloneTime(t.AcceptedAt)
	c.ArrivingAt = cloneTime(t.ArrivingAt)
	c.DriverArrivedAt = cloneTime(t.DriverArrivedAt)
	c.PickedUpAt = cloneTime(t.PickedUpAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

// ScoreBreakdown keeps the individual components of a candidate score.
type ScoreBreakdown struct {
	Distance   float64 `json:"distance"`
	Rating     float64 `json:"rating"`
	Experience float64 `json:"experience"`
	Recency    float64 `json:"recency"`
}

// DriverCandidate lives only for the duration of one matching call.
type DriverCandidate struct {
	DriverID           string         `json:"driver_id"`
	DistanceKm         float64        `json:"distance_km"`
	Location           Location       `json:"location"`
	Rating             float64        `json:"rating"`
	CompletedTrips     int            `json:"completed_trips"`
	LastLocationUpdate time.Time      `json:"last_location_update"`
	Verified           bool           `json:"verified"`
	Score              float64        `json:"score"`
	Breakdown          ScoreBreakdown `json:"breakdown"`
}

type DriverAvailability string

const (
	DriverAvailable DriverAvailability = "available"
	DriverBusy      DriverAvailability = "busy"
	DriverOffline   DriverAvailability = "offline"
)

// DriverStatus is the driver directory view of a driver.
type DriverStatus struct {
	DriverID           string             `json:"driver_id"`
	Status             DriverAvailability `json:"status"`
	IsAvailable        bool               `json:"is_available"`
	Rating             float64            `json:"rating"`
	CompletedTrips     int                `json:"completed_trips"`
	LastLocationUpdate time.Time          `json:"last_location_update"`
}

// DriverLocation is a single position report from a driver app.
type DriverLocation struct {
	DriverID   string    `json:"driver_id" validate:"required"`
	Lat        float64   `json:"lat" validate:"latitude"`
	Lon        float64   `json:"lon" validate:"longitude"`
	Rating     float64   `json:"rating,omitempty" validate:"gte=0,lte=5"`
	RecordedAt time.Time `json:"recorded_at"`
}

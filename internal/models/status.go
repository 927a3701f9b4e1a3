package models

import "fmt"

type TripStatus string

const (
	StatusRequested      TripStatus = "REQUESTED"
	StatusSearching      TripStatus = "SEARCHING"
	StatusAccepted       TripStatus = "ACCEPTED"
	StatusDriverArriving TripStatus = "DRIVER_ARRIVING"
	StatusPickedUp       TripStatus = "PICKED_UP"
	StatusInProgress     TripStatus = "IN_PROGRESS"
	StatusCompleted      TripStatus = "COMPLETED"
	StatusCancelled      TripStatus = "CANCELLED"
)

// statusRank orders states along the lifecycle. Terminal states share the
// highest rank so neither can replace the other in a read model.
var statusRank = map[TripStatus]int{
	StatusRequested:      0,
	StatusSearching:      1,
	StatusAccepted:       2,
	StatusDriverArriving: 3,
	StatusPickedUp:       4,
	StatusInProgress:     5,
	StatusCompleted:      6,
	StatusCancelled:      6,
}

func (s TripStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the lifecycle position of s, or -1 for unknown values.
func (s TripStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func ParseTripStatus(v string) (TripStatus, error) {
	s := TripStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown trip status %q", v)
	}
	return s, nil
}

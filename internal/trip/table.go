// Package trip owns the trip lifecycle. It is the only writer of a trip's
// status and the only producer of transition events.
package trip

import "github.com/example/trip-dispatch/internal/models"

var transitions = map[models.TripStatus][]models.TripStatus{
	models.StatusRequested:      {models.StatusSearching, models.StatusCancelled},
	models.StatusSearching:      {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:       {models.StatusDriverArriving, models.StatusCancelled},
	models.StatusDriverArriving: {models.StatusPickedUp, models.StatusCancelled},
	models.StatusPickedUp:       {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:     {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted:      nil,
	models.StatusCancelled:      nil,
}

// ValidNext returns the states reachable from s in one step.
func ValidNext(s models.TripStatus) []models.TripStatus {
	return append([]models.TripStatus(nil), transitions[s]...)
}

// CanTransition reports whether a trip in from may move to to in one step.
// Terminal states have no successors.
func CanTransition(from, to models.TripStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

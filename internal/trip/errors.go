package trip

import (
	"errors"
	"fmt"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = storage.ErrNotFound
	ErrDriverRequired    = errors.New("driver id required")
	ErrDriverMismatch    = errors.New("driver is not assigned to this trip")
	ErrAlreadyRated      = errors.New("trip already rated")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
)

// InvalidTransitionError reports a move the trip's current state does not
// allow. It matches ErrInvalidTransition.
type InvalidTransitionError struct {
	TripID    string
	Current   models.TripStatus
	Target    models.TripStatus
	ValidNext []models.TripStatus
	// Action names a non-transition operation that was refused, if any.
	Action string
}

func (e *InvalidTransitionError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("cannot %s trip %s in state %s", e.Action, e.TripID, e.Current)
	}
	return fmt.Sprintf("cannot move trip %s from %s to %s (valid next: %v)", e.TripID, e.Current, e.Target, e.ValidNext)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func invalid(t *models.Trip, target models.TripStatus) *InvalidTransitionError {
	return &InvalidTransitionError{TripID: t.ID, Current: t.Status, Target: target, ValidNext: ValidNext(t.Status)}
}

func refused(t *models.Trip, action string) *InvalidTransitionError {
	return &InvalidTransitionError{TripID: t.ID, Current: t.Status, ValidNext: ValidNext(t.Status), Action: action}
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/example/trip-dispatch/internal/booking"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/trip"
)

type errorBody struct {
	Error     string              `json:"error"`
	Current   models.TripStatus   `json:"current,omitempty"`
	ValidNext []models.TripStatus `json:"valid_next,omitempty"`
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without leaking its text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var inv *trip.InvalidTransitionError
	switch {
	case errors.As(err, &inv):
		writeJSON(w, http.StatusConflict, errorBody{Error: inv.Error(), Current: inv.Current, ValidNext: inv.ValidNext})
	case errors.Is(err, trip.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "trip not found"})
	case errors.Is(err, booking.ErrInvalidRequest),
		errors.Is(err, trip.ErrInvalidRating),
		errors.Is(err, trip.ErrDriverRequired),
		errors.Is(err, ingest.ErrInvalidLocation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, trip.ErrDriverMismatch), errors.Is(err, booking.ErrNotOffered):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, trip.ErrAlreadyRated):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, models.ErrUpstreamUnavailable):
		s.logger.Warn("upstream unavailable", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "service temporarily unavailable"})
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "err", err, "request_id", requestIDFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

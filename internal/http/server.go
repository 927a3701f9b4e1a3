package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/booking"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Server is the client-facing API. It stays thin: every decision is made
// by the booking service.
type Server struct {
	booking   *booking.Service
	locations ingest.Sink
	ws        *dispatch.WSRegistry
	validate  *validator.Validate
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(b *booking.Service, locations ingest.Sink, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		booking:   b,
		locations: locations,
		ws:        ws,
		validate:  validator.New(),
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/estimates", s.handleEstimate).Methods(http.MethodPost)
	api.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/arriving", s.driverAction(s.booking.MarkArriving)).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/arrived", s.driverAction(s.booking.MarkArrived)).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/pickup", s.driverAction(s.booking.PickUp)).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/start", s.driverAction(s.booking.Start)).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/rating", s.handleRating).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/users/{id}", s.handleWS(dispatch.UserTopic))
	s.mux.HandleFunc("/ws/trips/{id}", s.handleWS(dispatch.TripTopic))
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type estimateRequest struct {
	Pickup      models.Location `json:"pickup"`
	Destination models.Location `json:"destination"`
}

type driverRequest struct {
	DriverID string `json:"driver_id"`
}

type acceptRequest struct {
	DriverID string `json:"driver_id" validate:"required"`
}

type completeRequest struct {
	DriverID   string   `json:"driver_id"`
	DistanceKm *float64 `json:"distance_km" validate:"omitempty,gte=0"`
}

type cancelRequest struct {
	Reason      string `json:"reason" validate:"max=200"`
	CancelledBy string `json:"cancelled_by" validate:"omitempty,oneof=rider driver ops"`
}

type ratingRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=500"`
}

// decode reads a JSON body into v and validates it. An empty body is
// accepted for requests whose fields are all optional.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	est, err := s.booking.Estimate(r.Context(), req.Pickup, req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	t, err := s.booking.RequestTrip(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.booking.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	t, err := s.booking.Accept(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type driverStep func(ctx context.Context, tripID, driverID string) (*models.Trip, error)

func (s *Server) driverAction(step driverStep) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req driverRequest
		if !s.decode(w, r, &req, true) {
			return
		}
		t, err := step(r.Context(), mux.Vars(r)["id"], req.DriverID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	t, err := s.booking.Complete(r.Context(), mux.Vars(r)["id"], req.DriverID, req.DistanceKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	by := req.CancelledBy
	if by == "" {
		by = "rider"
	}
	t, err := s.booking.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason, by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	t, err := s.booking.Rate(r.Context(), mux.Vars(r)["id"], req.Rating, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDriverLocation accepts a position report. The write happens on the
// ingest path; the driver only learns the report was well formed.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if !s.decode(w, r, &loc, false) {
		return
	}
	observability.LocationReports.Inc()
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), loc); err != nil {
			s.logger.Warn("location report not forwarded", "driver_id", loc.DriverID, "err", err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWS(topic func(string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ws == nil {
			http.Error(w, "websocket not enabled", http.StatusNotFound)
			return
		}
		s.ws.Serve(w, r, topic(mux.Vars(r)["id"]))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trip_dispatch"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Trip state transitions by target and result"},
		[]string{"target", "result"},
	)

	TimeoutsArmed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "timeouts_armed_total", Help: "Timeouts armed by kind"},
		[]string{"kind"},
	)
	TimeoutsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "timeouts_fired_total", Help: "Timeout firings by kind and result"},
		[]string{"kind", "result"},
	)
	TimeoutsAdopted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "timeouts_adopted_total", Help: "Timeout records adopted by the recovery sweep"})

	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Matching runs that produced candidates"})
	NoDriversTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_drivers_total", Help: "Matching runs that found no drivers"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	MatchCandidates  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_candidates", Help: "Candidates returned per match", Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 20}})
	DirectoryDegrade = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "directory_degraded_total", Help: "Matches that fell back to unverified candidates"})
	LocationReports  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_reports_total", Help: "Driver location reports accepted by the API"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Dispatch events published by type and result"},
		[]string{"type", "result"},
	)
	EventsRequeued = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_requeued_total", Help: "Dispatch event publish attempts that failed and were retried"})
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_consumed_total", Help: "Dispatch events consumed by result"},
		[]string{"result"},
	)

	LocationsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "locations_consumed_total", Help: "Driver location messages consumed by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

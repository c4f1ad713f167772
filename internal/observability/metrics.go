package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "boat_dispatch"

var (
	RidesRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Ride requests accepted by intake"},
		[]string{"vehicle_class"},
	)
	DuplicateRequests = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_deduplicated_total", Help: "Ride requests suppressed as duplicates"})

	// RideTransitions counts dispatch engine triggers by outcome
	// (ok, precondition, not_found, transient, ...).
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride state machine triggers by outcome"},
		[]string{"trigger", "outcome"},
	)
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts that lost the race for a ride"})
	Compensations   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "compensations_total", Help: "Ride steps rolled back after the captain step failed"},
		[]string{"trigger", "result"},
	)

	CaptainsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "captains", Help: "Captains by status as last seen by the operations board"},
		[]string{"status"},
	)
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Captain position updates applied"})

	Emergencies = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "emergencies_total", Help: "Emergencies created by type"},
		[]string{"type"},
	)
	BackupDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "backup_dispatches_total", Help: "Backup captain dispatch attempts"},
		[]string{"outcome"},
	)
	TicketEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ticket_escalations_total", Help: "Ticket escalations by resulting level"},
		[]string{"level"},
	)
	BroadcastRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_recipients",
		Help:      "Captains addressed per operations broadcast",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	ReconcileRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reconcile_repairs_total", Help: "Ride/captain inconsistencies repaired by the sweeper"},
		[]string{"kind"},
	)
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "reconcile_duration_seconds", Help: "Reconciliation sweep latency"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Domain events handed to the publisher"},
		[]string{"type", "result"},
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
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "http_rate_limited_total", Help: "Requests rejected by the per-caller rate limiter"})
)

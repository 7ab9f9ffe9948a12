package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tabsync"

// Metrics holds all Prometheus metrics for a tab process
type Metrics struct {
	Registry *prometheus.Registry

	// Client protocol metrics
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	RequestTimeoutsTotal prometheus.Counter
	PendingRequests      prometheus.Gauge
	LateRepliesTotal     prometheus.Counter
	EventsDroppedTotal   prometheus.Counter

	// Change propagation metrics
	ChangesBroadcastTotal *prometheus.CounterVec
	ChangesAppliedTotal   *prometheus.CounterVec
	EchoDiscardedTotal    prometheus.Counter
	ApplyFailuresTotal    *prometheus.CounterVec

	// Election metrics
	ElectionsWonTotal     prometheus.Counter
	DuplicateLeadersTotal prometheus.Counter
	IsLeader              prometheus.Gauge

	// Transport metrics
	TransportMessagesTotal *prometheus.CounterVec
	CorruptFramesTotal     *prometheus.CounterVec

	// Worker metrics
	WorkerMessagesTotal *prometheus.CounterVec
	ConnectedClients    prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	GoroutinesTotal prometheus.Gauge
}

// New creates all metrics and registers them on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates all metrics and registers them on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Total number of client requests to the worker",
		}, []string{"kind", "outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Round trip duration of client requests",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		RequestTimeoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_timeouts_total",
			Help:      "Total number of requests that timed out",
		}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "Number of requests awaiting a reply",
		}),
		LateRepliesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "late_replies_total",
			Help:      "Replies that arrived for unknown or expired requests",
		}),
		EventsDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber was not keeping up",
		}),

		ChangesBroadcastTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "changes",
			Name:      "broadcast_total",
			Help:      "Change records broadcast to peers",
		}, []string{"side"}),
		ChangesAppliedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "changes",
			Name:      "applied_total",
			Help:      "Change records merged into a store",
		}, []string{"side"}),
		EchoDiscardedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "changes",
			Name:      "echo_discarded_total",
			Help:      "Own-site change records discarded on receipt",
		}),
		ApplyFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "changes",
			Name:      "apply_failures_total",
			Help:      "Change batches that failed to apply",
		}, []string{"side"}),

		ElectionsWonTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "won_total",
			Help:      "Times this process became leader",
		}),
		DuplicateLeadersTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "duplicates_total",
			Help:      "Times this process detected a competing leader and abdicated",
		}),
		IsLeader: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "1 while this process hosts the worker",
		}),

		TransportMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Broadcast messages by transport and direction",
		}, []string{"transport", "direction"}),
		CorruptFramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "corrupt_frames_total",
			Help:      "Frames dropped for failing checksum or decoding",
		}, []string{"transport"}),

		WorkerMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Messages handled by the worker by kind",
		}, []string{"kind"}),
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "connected_clients",
			Help:      "Clients currently connected to the hosted worker",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),
	}
}

// OrNew returns m, or a metrics set on a private registry when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}

// Package metrics registers the sync engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Round metrics
	SyncRoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novasync_rounds_total",
			Help: "Total sync rounds by outcome",
		},
		[]string{"outcome"}, // "ok", "partial", "skipped_auth", "aborted", "failed"
	)

	SyncRoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "novasync_round_duration_seconds",
			Help:    "Sync round duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Scheduler metrics
	SyncRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novasync_requests_total",
			Help: "Sync requests by scheduler decision",
		},
		[]string{"decision"}, // "debounced", "cooldown", "running", "forced"
	)

	// Pull metrics
	PulledRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novasync_pulled_rows_total",
			Help: "Remote rows applied locally",
		},
		[]string{"table", "action"},
	)

	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novasync_conflicts_total",
			Help: "Remote changes that collided with pending local edits",
		},
		[]string{"resolution"},
	)

	// Push metrics
	PushedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novasync_pushed_rows_total",
			Help: "Outbox rows sent to the remote store",
		},
		[]string{"table", "result"}, // result: "synced", "conflict", "failed", "deferred"
	)

	ReferentialRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novasync_referential_retries_total",
			Help: "Message upserts retried after a missing parent",
		},
	)

	RemoteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novasync_remote_retries_total",
			Help: "Remote calls retried after a transient failure",
		},
		[]string{"op"},
	)

	// Realtime metrics
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novasync_realtime_events_total",
			Help: "Realtime events by outcome",
		},
		[]string{"table", "outcome"}, // outcome: "applied", "skipped", "dropped", "error"
	)

	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novasync_realtime_reconnects_total",
			Help: "Realtime subscriptions re-established",
		},
	)

	// Infrastructure metrics
	RemoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novasync_remote_latency_seconds",
			Help:    "Remote store call latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novasync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novasync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)

	EventClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "novasync_event_clients",
			Help: "Connected sync event listeners",
		},
	)

	OutboxPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "novasync_outbox_pending",
			Help: "Pending outbox rows after the last round",
		},
		[]string{"tenant"},
	)
)

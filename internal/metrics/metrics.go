// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markgate_publish_attempts_total",
			Help: "Publish attempts by outcome",
		},
		[]string{"assessment", "outcome"},
	)

	DraftSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markgate_draft_saves_total",
			Help: "Draft saves by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	EditRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markgate_edit_requests_total",
			Help: "Edit requests by scope and status transition",
		},
		[]string{"scope", "status"},
	)

	TableBlocked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "markgate_table_blocked",
			Help: "1 while the mark table of a sheet is blocked",
		},
		[]string{"sheet"},
	)

	TotalHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markgate_published_total",
			Help:    "Distribution of published totals",
			Buckets: prometheus.LinearBuckets(0, 5, 13),
		},
		[]string{"assessment"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)

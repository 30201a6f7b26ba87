package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "requests_created_total", Help: "Fulfillment requests created"})
	AcceptConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the conditional update race"})
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "settlements_total", Help: "Earnings records written"})
	ProvidersOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "providers_online", Help: "Providers currently broadcasting as available"})

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "sweep_runs_total", Help: "Sweep ticks executed"},
		[]string{"sweep"},
	)
	SweepErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "sweep_errors_total", Help: "Sweep ticks that logged an error"},
		[]string{"sweep"},
	)
	SweepFailedAssignments = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "sweep_failed_assignments_total", Help: "Assignments transitioned to failed by the sweeper"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

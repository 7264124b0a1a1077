package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verdict_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verdict_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Relay metrics
var (
	RelayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verdict_relay_events_total",
		Help: "Total number of events received from relays",
	}, []string{"kind"})

	RelayConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verdict_relay_connection_state",
		Help: "Number of open relay subscriptions",
	})

	RelayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verdict_relay_errors_total",
		Help: "Total number of relay connection and protocol errors",
	})
)

// Ingestion metrics
var (
	EventsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verdict_events_ingested_total",
		Help: "Total number of events routed into the engine",
	}, []string{"kind", "outcome"})

	MalformedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verdict_malformed_events_total",
		Help: "Total number of events dropped at the ingestion boundary",
	})

	ReportsCountedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verdict_reports_counted_total",
		Help: "Total number of reports accepted into aggregation",
	}, []string{"type"})

	SubscriptionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verdict_subscription_errors_total",
		Help: "Total number of failed background subscriptions",
	}, []string{"list"})
)

// Decision metrics
var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verdict_decisions_total",
		Help: "Total number of moderation decisions by action",
	}, []string{"action", "degraded"})

	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "verdict_check_duration_seconds",
		Help:    "Time spent computing a moderation decision",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})
)

// Engine gauges (updated on change or periodically by collector)
var (
	Subscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "verdict_subscriptions",
		Help: "Number of active subscriptions by list",
	}, []string{"list"})

	UnavailableSources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verdict_unavailable_sources",
		Help: "Number of subscribed sources currently failing",
	})

	ReportTargets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verdict_report_targets",
		Help: "Number of targets with stored reports",
	})

	LabelSets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verdict_label_sets",
		Help: "Number of (target, namespace) label sets held in memory",
	})

	PersonalMuteOwners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verdict_personal_mute_owners",
		Help: "Number of identities with personal mutes",
	})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)
	if len(segments) < 3 || segments[0] != "api" {
		return path
	}

	switch segments[1] {
	case "reports":
		if len(segments) == 3 {
			return "/api/reports/:target"
		}
	case "labels":
		if len(segments) == 4 {
			return "/api/labels/:target/:namespace"
		}
	case "mutes":
		if len(segments) == 3 {
			return "/api/mutes/:owner"
		}
	}

	return path
}

func splitPath(path string) []string {
	// Skip leading slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	// Split on /
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}

// Package metrics exposes the gateway's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process-wide counters. One instance is created at
// server startup and shared by the proxy surfaces.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	ThreatsTotal       *prometheus.CounterVec
	WebSocketConns     prometheus.Gauge
	SkillAnalyses      *prometheus.CounterVec
	InspectionDuration prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawshield",
			Name:      "requests_total",
			Help:      "Inspected HTTP requests by outcome.",
		}, []string{"outcome"}),
		ThreatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawshield",
			Name:      "threats_total",
			Help:      "Recorded threats by type.",
		}, []string{"threat_type"}),
		WebSocketConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawshield",
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections.",
		}),
		SkillAnalyses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawshield",
			Name:      "skill_analyses_total",
			Help:      "Skill analyses by verdict.",
		}, []string{"verdict"}),
		InspectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clawshield",
			Name:      "inspection_duration_seconds",
			Help:      "Wall time of the inspection pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler serves the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

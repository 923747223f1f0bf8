// Package metrics exposes the Prometheus collectors for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lmarena_requests_total",
		Help: "Total number of requests by model and outcome.",
	}, []string{"model", "status"})
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lmarena_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
	}, []string{"model"})
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lmarena_active_requests",
		Help: "Number of in-flight requests.",
	})
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lmarena_tokens_total",
		Help: "Estimated tokens processed by model and direction.",
	}, []string{"model", "token_type"})
	AgentConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lmarena_websocket_connected",
		Help: "Agent link status (1=connected, 0=disconnected).",
	})
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lmarena_errors_total",
		Help: "Total number of errors by kind.",
	}, []string{"error_type"})
	ModelsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lmarena_models_registered",
		Help: "Number of models currently registered by the agent.",
	})
)

package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	postsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerport",
		Name:      "posts_total",
		Help:      "Total number of posting outcomes broken down by entity and resulting status.",
	}, []string{"entity", "status"})

	apiResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerport",
		Name:      "api_responses_total",
		Help:      "Total number of target API responses broken down by entity and error class.",
	}, []string{"entity", "class"})

	rateGateWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledgerport",
		Name:      "rate_gate_wait_seconds",
		Help:      "Time callers spent waiting for a rate gate slot.",
		Buckets:   []float64{0, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	credentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerport",
		Name:      "credential_refresh_total",
		Help:      "Total number of access credential refreshes broken down by result.",
	}, []string{"result"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerport",
		Name:      "phase_duration_seconds",
		Help:      "Duration of orchestrator phases broken down by entity and phase.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
	}, []string{"entity", "phase"})
)

func recordPost(entity string, status Status) {
	postsTotal.WithLabelValues(entity, string(status)).Inc()
}

func recordResponse(entity string, class ErrorClass) {
	if class == "" {
		class = "unknown"
	}
	apiResponses.WithLabelValues(entity, string(class)).Inc()
}

func observePhase(entity, phase string, start time.Time) {
	phaseDuration.WithLabelValues(entity, phase).Observe(time.Since(start).Seconds())
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jarvis",
		Name:      "sessions_active",
		Help:      "Sessions that have not reached a terminal status.",
	})
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jarvis",
		Name:      "sessions_total",
		Help:      "Sessions by terminal status.",
	}, []string{"status"})
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jarvis",
		Name:      "steps_total",
		Help:      "Executed plan steps by action and outcome.",
	}, []string{"action", "status"})
	StepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jarvis",
		Name:      "step_failures_total",
		Help:      "Failed plan steps by error kind.",
	}, []string{"kind"})
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jarvis",
		Name:      "step_duration_seconds",
		Help:      "Capability call latency per action.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"action"})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jarvis",
		Name:      "realtime_connections",
		Help:      "Registered real-time observers.",
	})
	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jarvis",
		Name:      "broadcast_failures_total",
		Help:      "Per-connection delivery failures during broadcast.",
	})
)

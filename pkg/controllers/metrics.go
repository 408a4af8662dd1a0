package controllers

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	reconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "environmentd_operator_reconciles_total",
			Help: "Reconcile passes by outcome.",
		},
		[]string{"result"},
	)

	rolloutTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "environmentd_operator_rollout_transitions_total",
			Help: "Rollout phase transitions by target phase.",
		},
		[]string{"phase"},
	)

	childApplyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "environmentd_operator_child_apply_errors_total",
			Help: "Failed child object writes by object kind.",
		},
		[]string{"kind"},
	)

	rolloutDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "environmentd_operator_rollout_duration_seconds",
			Help:    "Time from rollout start to traffic cut-over.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		reconcilesTotal,
		rolloutTransitionsTotal,
		childApplyErrorsTotal,
		rolloutDurationSeconds,
	)
}

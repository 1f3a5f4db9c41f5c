package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsCreatedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unsaid",
			Name:      "submissions_created_total",
			Help:      "Total submissions accepted.",
		},
		[]string{"plan", "grant"},
	)

	entitlementRejectedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unsaid",
			Name:      "entitlement_rejected_total",
			Help:      "Submissions refused for lack of entitlement.",
		},
		[]string{"reason"},
	)

	transitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unsaid",
			Name:      "submission_transitions_total",
			Help:      "Submission state changes by event type.",
		},
		[]string{"event"},
	)

	dispatchOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unsaid",
			Name:      "dispatch_outcomes_total",
			Help:      "Channel dispatch attempts by outcome.",
		},
		[]string{"contact_type", "outcome"}, // outcome: delivered, failed, timeout
	)

	dispatchDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "unsaid",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of channel sends.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"contact_type"},
	)

	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "unsaid",
			Name:      "dispatch_queue_depth",
			Help:      "Submissions waiting for a dispatch worker.",
		},
	)

	revealSweepCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unsaid",
			Name:      "reveal_sweep_runs_total",
			Help:      "Reveal sweeps by result.",
		},
		[]string{"status"},
	)
)

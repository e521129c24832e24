// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProfileTierHits counts profile reads resolved per tier
	// (local, cache, durable, default).
	ProfileTierHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anomalyze",
		Subsystem: "profile",
		Name:      "tier_hits_total",
		Help:      "Profile reads resolved by each storage tier",
	}, []string{"tier"})

	// ProfileFlushBatches counts write-behind flush cycles that drained
	// at least one buffered profile.
	ProfileFlushBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anomalyze",
		Subsystem: "profile",
		Name:      "flush_batches_total",
		Help:      "Write-behind flush cycles executed",
	})

	// ProfileFlushedTotal counts profiles written durably by the flush worker.
	ProfileFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anomalyze",
		Subsystem: "profile",
		Name:      "flushed_total",
		Help:      "Profiles flushed to the durable store",
	})

	// Predictions counts scoring calls by outcome label.
	Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anomalyze",
		Subsystem: "model",
		Name:      "predictions_total",
		Help:      "Predictions served, labelled by verdict",
	}, []string{"label"})

	// PredictionScores observes the normalized anomaly score distribution.
	PredictionScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "anomalyze",
		Subsystem: "model",
		Name:      "score",
		Help:      "Normalized anomaly scores",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	// VelocityFailures counts velocity counter operations absorbed as
	// degraded defaults.
	VelocityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anomalyze",
		Subsystem: "velocity",
		Name:      "failures_total",
		Help:      "Velocity counter failures by operation",
	}, []string{"op"})
)

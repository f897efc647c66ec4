// Package metrics exposes prometheus counters for the STM runtime,
// grounded in bun-kms/internal/metrics's promauto package-level vars.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitsTotal counts successful transaction commits.
	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stmcore_commits_total",
		Help: "Total number of transactions committed",
	})
	// RetriesTotal counts whole-transaction retries, by cause.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stmcore_retries_total",
			Help: "Total number of transaction retries",
		},
		[]string{"reason"},
	)
	// ConflictsTotal counts can_commit rejections during phase 1.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stmcore_conflicts_total",
			Help: "Total number of can_commit rejections",
		},
		[]string{"phase"},
	)
	// ReclaimsTotal counts reclamation sweeps performed.
	ReclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stmcore_reclaims_total",
		Help: "Total number of reclamation sweeps",
	})
	// ReclaimedCellsTotal counts cells trimmed across all sweeps.
	ReclaimedCellsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stmcore_reclaimed_cells_total",
		Help: "Total number of cells trimmed by reclamation",
	})
	// CommitLatency observes end-to-end RunTransaction latency, including
	// retries.
	CommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stmcore_commit_latency_seconds",
		Help:    "End-to-end RunTransaction latency in seconds, including retries",
		Buckets: prometheus.DefBuckets,
	})
	// SubscriptionFiresTotal counts reactive subscription bodies run.
	SubscriptionFiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stmcore_subscription_fires_total",
		Help: "Total number of reactive subscription bodies executed",
	})
)

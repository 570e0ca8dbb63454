package queue

import (
	"sync/atomic"
)

// Metrics holds the scheduler counters surfaced on the status endpoint.
type Metrics struct {
	ItemsLeased     atomic.Int64
	ItemsSucceeded  atomic.Int64
	ItemsFailed     atomic.Int64
	ItemsRetried    atomic.Int64
	LeasesReclaimed atomic.Int64
	JobsCompleted   atomic.Int64
	JobsFailed      atomic.Int64
}

// NewMetrics creates a zeroed counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot returns the counters as a map for JSON rendering.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"items_leased":     m.ItemsLeased.Load(),
		"items_succeeded":  m.ItemsSucceeded.Load(),
		"items_failed":     m.ItemsFailed.Load(),
		"items_retried":    m.ItemsRetried.Load(),
		"leases_reclaimed": m.LeasesReclaimed.Load(),
		"jobs_completed":   m.JobsCompleted.Load(),
		"jobs_failed":      m.JobsFailed.Load(),
	}
}

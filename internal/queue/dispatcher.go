// Package queue contains the dispatcher, progress engine and lease reaper
// that drive work items through their lifecycle.
package queue

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/models"
	"github.com/ternarybob/ordino/internal/storage/sqlite"
)

// WorkPayload is what a worker receives when it is granted an item: the item
// itself plus the operation template and limits it needs to execute.
type WorkPayload struct {
	WorkItem       models.WorkItem `json:"workItem"`
	Operation      json.RawMessage `json:"operation"`
	MaxCmrGranules int             `json:"maxCmrGranules,omitempty"`
}

// Dispatcher grants work items to polling workers under the fair-queueing
// policy.
type Dispatcher struct {
	config  *common.Config
	db      *sqlite.SQLiteDB
	jobs    *sqlite.JobStorage
	items   *sqlite.WorkItemStorage
	metrics *Metrics
	logger  arbor.ILogger
}

// NewDispatcher creates a work dispatcher
func NewDispatcher(logger arbor.ILogger, config *common.Config, db *sqlite.SQLiteDB,
	jobs *sqlite.JobStorage, items *sqlite.WorkItemStorage, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		config:  config,
		db:      db,
		jobs:    jobs,
		items:   items,
		metrics: metrics,
		logger:  logger,
	}
}

// NextWork leases the next eligible item for a service and assembles its
// payload. Returns nil when no work is available.
func (d *Dispatcher) NextWork(ctx context.Context, serviceID string) (*WorkPayload, error) {
	visibility, err := d.config.VisibilityTimeout()
	if err != nil {
		return nil, err
	}

	item, err := d.items.LeaseNext(ctx, serviceID, visibility, d.config.Scheduler.SyncPriority)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}

	step, err := d.jobs.GetWorkflowStep(ctx, d.db.DB(), item.JobID, item.StepIndex)
	if err != nil {
		return nil, err
	}

	payload := &WorkPayload{
		WorkItem:  *item,
		Operation: json.RawMessage(step.Operation),
	}
	// The catalog-query step needs to know how many granules remain within
	// the job's cap for the page this item covers.
	if item.StepIndex == 1 {
		job, err := d.jobs.GetJob(ctx, d.db.DB(), item.JobID)
		if err != nil {
			return nil, err
		}
		remaining := job.NumInputGranules - item.SortIndex*d.config.CMR.MaxPageSize
		if remaining > d.config.CMR.MaxPageSize {
			remaining = d.config.CMR.MaxPageSize
		}
		payload.MaxCmrGranules = remaining
	}

	d.metrics.ItemsLeased.Add(1)
	d.logger.Debug().
		Int64("item_id", item.ID).
		Str("job_id", item.JobID).
		Str("service_id", serviceID).
		Int("step", item.StepIndex).
		Msg("Work item leased")

	return payload, nil
}

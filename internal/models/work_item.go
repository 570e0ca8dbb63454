package models

import (
	"time"
)

// WorkItemStatus represents the state of a single unit of work.
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusQueued     WorkItemStatus = "queued"
	WorkItemStatusRunning    WorkItemStatus = "running"
	WorkItemStatusSuccessful WorkItemStatus = "successful"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusWarning    WorkItemStatus = "warning"
	WorkItemStatusCanceled   WorkItemStatus = "canceled"
)

// IsTerminal reports whether no further transitions are allowed from this
// status, apart from the cancel cascade.
func (s WorkItemStatus) IsTerminal() bool {
	switch s {
	case WorkItemStatusSuccessful, WorkItemStatusFailed, WorkItemStatusWarning, WorkItemStatusCanceled:
		return true
	}
	return false
}

// WorkItem is a single leasable unit of work attached to (job, step).
// Exactly one item exists per unit of work per step.
type WorkItem struct {
	ID                  int64          `json:"id"`
	JobID               string         `json:"jobID"`
	StepIndex           int            `json:"stepIndex"`
	ServiceID           string         `json:"serviceID"`
	Status              WorkItemStatus `json:"status"`
	RetryCount          int            `json:"retryCount"`
	StacCatalogLocation string         `json:"stacCatalogLocation,omitempty"`
	ResultURIs          []string       `json:"resultUris,omitempty"`
	OutputItemSizes     []float64      `json:"outputItemSizes,omitempty"`
	SortIndex           int            `json:"sortIndex"`
	StartedAt           *time.Time     `json:"startedAt,omitempty"`
	LeasedUntil         *time.Time     `json:"leasedUntil,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// WorkItemOutcome is the terminal status a worker reports for an item.
type WorkItemOutcome string

const (
	OutcomeSuccessful WorkItemOutcome = "successful"
	OutcomeFailed     WorkItemOutcome = "failed"
	OutcomeWarning    WorkItemOutcome = "warning"
	OutcomeCanceled   WorkItemOutcome = "canceled"
)

// WorkReport is the payload a worker submits when it finishes an item.
type WorkReport struct {
	ItemID          int64           `json:"-"`
	Status          WorkItemOutcome `json:"status"`
	Results         []string        `json:"results,omitempty"`
	OutputItemSizes []float64       `json:"outputItemSizes,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
}

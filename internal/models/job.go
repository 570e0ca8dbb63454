package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a transformation job
type JobStatus string

const (
	JobStatusAccepted           JobStatus = "accepted"
	JobStatusPreviewing         JobStatus = "previewing"
	JobStatusRunning            JobStatus = "running"
	JobStatusRunningWithErrors  JobStatus = "running_with_errors"
	JobStatusCompleteWithErrors JobStatus = "complete_with_errors"
	JobStatusSuccessful         JobStatus = "successful"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCanceled           JobStatus = "canceled"
	JobStatusPaused             JobStatus = "paused"
)

// MaxJobMessageLength caps the user-visible failure description stored on a job.
const MaxJobMessageLength = 3096

// Job represents an asynchronous transformation request decomposed into a
// workflow of steps. A job owns its steps and work items; children reference
// the job only by ID.
type Job struct {
	JobID             string    `json:"jobID"`
	Username          string    `json:"username"`
	Status            JobStatus `json:"status"`
	// PausedFrom holds the pre-pause status so resume can restore it exactly.
	PausedFrom        JobStatus `json:"-"`
	Progress          float64   `json:"progress"`
	Message           string    `json:"message,omitempty"`
	Request           string    `json:"request"`
	NumInputGranules  int       `json:"numInputGranules"`
	IgnoreErrors      bool      `json:"ignoreErrors"`
	IsSynchronous     bool      `json:"isSynchronous"`
	DestinationURL    string    `json:"destinationUrl,omitempty"`
	CollectionIDs     []string  `json:"collectionIds"`
	Labels            []string  `json:"labels,omitempty"`
	TerminalReason    string    `json:"terminalReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the status permits no further state changes
// (label edits excepted).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccessful, JobStatusFailed, JobStatusCanceled, JobStatusCompleteWithErrors:
		return true
	}
	return false
}

// IsDispatchable reports whether the dispatcher may lease work items
// belonging to a job in this status.
func (s JobStatus) IsDispatchable() bool {
	switch s {
	case JobStatusRunning, JobStatusRunningWithErrors, JobStatusPreviewing:
		return true
	}
	return false
}

// CanPause reports whether a pause request is valid from this status.
func (s JobStatus) CanPause() bool {
	switch s {
	case JobStatusRunning, JobStatusRunningWithErrors, JobStatusPreviewing:
		return true
	}
	return false
}

// TruncateMessage trims a failure description to the storable length.
func TruncateMessage(msg string) string {
	if len(msg) > MaxJobMessageLength {
		return msg[:MaxJobMessageLength]
	}
	return msg
}

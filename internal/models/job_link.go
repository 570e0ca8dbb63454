package models

import (
	"time"
)

// JobLink is an output descriptor appended to a job as terminal-step items
// complete. Links are ordered by insertion.
type JobLink struct {
	ID            int64      `json:"-"`
	JobID         string     `json:"-"`
	Href          string     `json:"href"`
	Rel           string     `json:"rel"`
	Type          string     `json:"type,omitempty"`
	Title         string     `json:"title,omitempty"`
	BBox          []float64  `json:"bbox,omitempty"`
	TemporalStart *time.Time `json:"temporalStart,omitempty"`
	TemporalEnd   *time.Time `json:"temporalEnd,omitempty"`
	CreatedAt     time.Time  `json:"-"`
}

// JobError records a permanent work item failure against its job.
type JobError struct {
	ID        int64     `json:"-"`
	JobID     string    `json:"-"`
	URL       string    `json:"url,omitempty"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"-"`
}

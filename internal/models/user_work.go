package models

import (
	"time"
)

// UserWork is the materialised per-(owner, service) view over work items
// that the dispatcher's fair-queueing policy selects against. ReadyCount
// mirrors the count of ready items; RunningCount mirrors queued plus running
// items. It is mutated only by the pool under transactional guards.
type UserWork struct {
	Username     string    `json:"username"`
	ServiceID    string    `json:"serviceID"`
	ReadyCount   int       `json:"readyCount"`
	RunningCount int       `json:"runningCount"`
	LastWorkedAt time.Time `json:"lastWorkedAt"`
}

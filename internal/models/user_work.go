package models

import "time"

// UserWork is a denormalized per-(job, service, username) row caching the
// number of ready and running work items for that tuple. It exists so fair
// scheduling is O(1) per candidate job instead of a scan over work items.
// The counters must be maintained in the same transaction as the item status
// changes they mirror.
type UserWork struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"jobID"`
	ServiceID    string    `json:"serviceID"`
	Username     string    `json:"username"`
	ReadyCount   int       `json:"readyCount"`
	RunningCount int       `json:"runningCount"`
	LastWorked   time.Time `json:"lastWorked"`
}

package models

import "time"

// WorkflowStep is one stage of the transformation chain applied to a job.
// (JobID, StepIndex) identifies it; StepIndex starts at 1 and is dense.
type WorkflowStep struct {
	ID                  int64     `json:"id"`
	JobID               string    `json:"jobID"`
	StepIndex           int       `json:"stepIndex"`
	ServiceID           string    `json:"serviceID"`
	Operation           string    `json:"operation"`
	WorkItemCount       int       `json:"workItemCount"`
	HasAggregatedOutput bool      `json:"hasAggregatedOutput"`
	BatchSize           int       `json:"batchSize,omitempty"`
	MaxBatchSizeBytes   int64     `json:"maxBatchSizeBytes,omitempty"`
	IsSequential        bool      `json:"isSequential,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// DefaultMaxBatchSizeBytes caps aggregation batches when a step does not set
// its own byte limit.
const DefaultMaxBatchSizeBytes = int64(2 * 1024 * 1024 * 1024)

// EffectiveBatchSize returns the item-count cap for aggregation batches.
// Zero or negative means unbounded on count.
func (s *WorkflowStep) EffectiveBatchSize() int {
	return s.BatchSize
}

// EffectiveMaxBatchSizeBytes returns the byte cap for aggregation batches
func (s *WorkflowStep) EffectiveMaxBatchSizeBytes() int64 {
	if s.MaxBatchSizeBytes > 0 {
		return s.MaxBatchSizeBytes
	}
	return DefaultMaxBatchSizeBytes
}

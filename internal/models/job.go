package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the aggregate status of a transformation request
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

// JobEvent is a lifecycle operation applied to a job
type JobEvent string

const (
	JobEventSkipPreview JobEvent = "skip_preview"
	JobEventCancel      JobEvent = "cancel"
	JobEventPause       JobEvent = "pause"
	JobEventResume      JobEvent = "resume"
	JobEventFail        JobEvent = "fail"
	JobEventComplete    JobEvent = "complete"
)

// terminalJobStatuses are statuses from which a job may not move again
var terminalJobStatuses = map[JobStatus]bool{
	JobStatusSuccessful:         true,
	JobStatusFailed:             true,
	JobStatusCanceled:           true,
	JobStatusCompleteWithErrors: true,
}

// jobTransitions is the allowed (from, event) -> to table
var jobTransitions = map[JobStatus]map[JobEvent]JobStatus{
	JobStatusAccepted: {
		JobEventSkipPreview: JobStatusRunning,
		JobEventCancel:      JobStatusCanceled,
	},
	JobStatusPreviewing: {
		JobEventCancel: JobStatusCanceled,
	},
	JobStatusRunning: {
		JobEventCancel:   JobStatusCanceled,
		JobEventPause:    JobStatusPaused,
		JobEventFail:     JobStatusFailed,
		JobEventComplete: JobStatusSuccessful,
	},
	JobStatusRunningWithErrors: {
		JobEventCancel:   JobStatusCanceled,
		JobEventPause:    JobStatusPaused,
		JobEventFail:     JobStatusFailed,
		JobEventComplete: JobStatusCompleteWithErrors,
	},
	JobStatusPaused: {
		JobEventCancel: JobStatusCanceled,
		JobEventResume: JobStatusRunning,
	},
}

// Job is a user's submitted transformation request, the top-level unit of
// tracking. It owns its workflow steps, work items and links; destroying a
// job destroys them (FK cascade in the store).
type Job struct {
	JobID             string    `json:"jobID"`
	Username          string    `json:"username"`
	Status            JobStatus `json:"status"`
	Message           string    `json:"message,omitempty"`
	Progress          int       `json:"progress"`
	NumInputGranules  int       `json:"numInputGranules"`
	IsAsync           bool      `json:"isAsync"`
	IgnoreErrors      bool      `json:"ignoreErrors"`
	ErrorCount        int       `json:"-"`
	Request           string    `json:"request,omitempty"`
	Links             []JobLink `json:"links,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// NewJob creates a job in the accepted state
func NewJob(username, request string, numInputGranules int, isAsync, ignoreErrors bool) *Job {
	now := time.Now().UTC()
	return &Job{
		JobID:            uuid.New().String(),
		Username:         username,
		Status:           JobStatusAccepted,
		Progress:         0,
		NumInputGranules: numInputGranules,
		IsAsync:          isAsync,
		IgnoreErrors:     ignoreErrors,
		Request:          request,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsTerminal reports whether the job status allows no further transitions
func (j *Job) IsTerminal() bool {
	return terminalJobStatuses[j.Status]
}

// IsTerminalJobStatus reports whether the given status is terminal
func IsTerminalJobStatus(s JobStatus) bool {
	return terminalJobStatuses[s]
}

// Transition applies a lifecycle event and returns the resulting status.
// Illegal transitions return ErrInvalidTransition and leave the job unchanged.
func (j *Job) Transition(event JobEvent) (JobStatus, error) {
	allowed, ok := jobTransitions[j.Status]
	if !ok {
		return j.Status, fmt.Errorf("job %s in state %s: %w", j.JobID, j.Status, ErrInvalidTransition)
	}
	next, ok := allowed[event]
	if !ok {
		return j.Status, fmt.Errorf("job %s in state %s cannot accept %s: %w", j.JobID, j.Status, event, ErrInvalidTransition)
	}
	j.Status = next
	j.UpdatedAt = time.Now().UTC()
	return next, nil
}

// HasErrors reports whether any tolerated failures were recorded
func (j *Job) HasErrors() bool {
	return j.ErrorCount > 0
}

package models

import "time"

// WorkItemStatus is the status of one atomic unit of work
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusQueued     WorkItemStatus = "queued"
	WorkItemStatusRunning    WorkItemStatus = "running"
	WorkItemStatusSuccessful WorkItemStatus = "successful"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusCanceled   WorkItemStatus = "canceled"
	WorkItemStatusWarning    WorkItemStatus = "warning"
)

// terminalItemStatuses are statuses from which a work item may not move again
var terminalItemStatuses = map[WorkItemStatus]bool{
	WorkItemStatusSuccessful: true,
	WorkItemStatusFailed:     true,
	WorkItemStatusCanceled:   true,
	WorkItemStatusWarning:    true,
}

// IsTerminalItemStatus reports whether the given status is terminal
func IsTerminalItemStatus(s WorkItemStatus) bool {
	return terminalItemStatuses[s]
}

// WorkItem is one atomic unit of work executed by one worker invocation
type WorkItem struct {
	ID                  int64          `json:"id"`
	JobID               string         `json:"jobID"`
	ServiceID           string         `json:"serviceID"`
	WorkflowStepIndex   int            `json:"workflowStepIndex"`
	Status              WorkItemStatus `json:"status"`
	StacCatalogLocation string         `json:"stacCatalogLocation,omitempty"`
	ScrollID            string         `json:"scrollID,omitempty"`
	ErrorMessage        string         `json:"errorMessage,omitempty"`
	TotalItemsSize      float64        `json:"totalItemsSize,omitempty"`
	StartedAt           *time.Time     `json:"startedAt,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// IsTerminal reports whether the item status allows no further transitions
func (w *WorkItem) IsTerminal() bool {
	return terminalItemStatuses[w.Status]
}

// WorkItemUpdate is the outcome a worker reports for one work item.
// Results carries output STAC catalog URIs; OutputItemSizes carries the byte
// size of each result in the same order, used by aggregation batching.
type WorkItemUpdate struct {
	WorkItemID      int64          `json:"workItemID"`
	Status          WorkItemStatus `json:"status" validate:"required,oneof=ready queued running successful failed canceled warning"`
	Results         []string       `json:"results,omitempty" validate:"omitempty,dive,uri"`
	ErrorMessage    string         `json:"errorMessage,omitempty" validate:"max=4096"`
	ScrollID        string         `json:"scrollID,omitempty"`
	TotalItemsSize  float64        `json:"totalItemsSize,omitempty"`
	OutputItemSizes []int64        `json:"outputItemSizes,omitempty"`
}

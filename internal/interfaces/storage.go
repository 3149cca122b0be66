package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/stratus/internal/models"
)

// WorkTx exposes the row operations available inside one storage transaction.
// Every state transition that touches WorkItem.status or a UserWork counter
// runs through a single WorkTx so the counters stay exact at commit
// boundaries.
type WorkTx interface {
	// Job operations
	GetJob(jobID string) (*models.Job, error)
	UpdateJob(job *models.Job) error
	AddJobLinks(jobID string, links []models.JobLink) error
	GetJobLinks(jobID string) ([]models.JobLink, error)

	// Workflow step operations
	GetSteps(jobID string) ([]*models.WorkflowStep, error)
	GetStep(jobID string, stepIndex int) (*models.WorkflowStep, error)
	UpdateStepWorkItemCount(jobID string, stepIndex, count int) error

	// Work item operations
	GetWorkItem(id int64) (*models.WorkItem, error)
	CreateWorkItems(items []*models.WorkItem) error
	UpdateWorkItem(item *models.WorkItem) error
	SelectReadyItems(jobID, serviceID string, limit int) ([]*models.WorkItem, error)
	MarkItemsQueued(ids []int64) error
	MarkItemsRunning(ids []int64, startedAt time.Time) error
	CancelPendingItems(jobID string) (int, error)
	CountItemsByStatus(jobID string, stepIndex int, status models.WorkItemStatus) (int, error)
	CountItemsForStep(jobID string, stepIndex int) (int, error)
	CountNonTerminalItems(jobID string) (int, error)

	// UserWork operations
	CandidateJobs(serviceID string, limit int) ([]string, error)
	AdjustUserWork(jobID, serviceID string, readyDelta, runningDelta int) error
	UpsertUserWork(jobID, serviceID, username string, readyDelta int) error
	SetLastWorked(jobID, serviceID string, at time.Time) error
	DeleteUserWork(jobID string) error
	RecalculateUserWork(jobID, serviceID string) error

	// Aggregation batching
	AddBatchItems(items []*models.BatchItem) error
	UnassignedBatchItems(jobID string, stepIndex int) ([]*models.BatchItem, error)
	GetOpenBatch(jobID string, stepIndex int) (*models.Batch, error)
	CreateBatch(batch *models.Batch) error
	UpdateBatch(batch *models.Batch) error
	AssignBatchItem(itemID int64, batchNumber int) error
	BatchMembers(jobID string, stepIndex, batchNumber int) ([]*models.BatchItem, error)
	CountBatches(jobID string, stepIndex int) (int, error)
}

// Storage is the durable store for jobs, steps, items, user work and links.
// The database is the single source of truth; callers compose multi-row
// transitions inside WithTx.
type Storage interface {
	WithTx(ctx context.Context, fn func(tx WorkTx) error) error

	// Job creation persists the job, its steps, the first step's initial
	// work item and the matching user_work row atomically.
	CreateJob(ctx context.Context, job *models.Job, steps []*models.WorkflowStep, firstItem *models.WorkItem) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, username string, limit, offset int) ([]*models.Job, error)

	// Failer support
	StalledCandidates(ctx context.Context, olderThan time.Duration) ([]*models.WorkItem, error)
	SuccessfulDurations(ctx context.Context, jobID, serviceID string, stepIndex, limit int) ([]time.Duration, error)

	// Reaper support
	ReapableJobIDs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
	DeleteWorkItemBatch(ctx context.Context, jobID string, batchSize int) (int, error)
	DeleteWorkflowStepBatch(ctx context.Context, jobID string, batchSize int) (int, error)
	DeleteBatchRows(ctx context.Context, jobID string) error

	Close() error
}

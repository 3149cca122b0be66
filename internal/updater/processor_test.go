package updater

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/stratus/internal/common"
	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/models"
	"github.com/ternarybob/stratus/internal/queue"
	"github.com/ternarybob/stratus/internal/services/registry"
	"github.com/ternarybob/stratus/internal/storage/sqlite"
)

const (
	discoveryService = "ghcr.io/stratus/query-cmr:v1"
	subsetService    = "ghcr.io/stratus/subsetter:v1"
	concatService    = "ghcr.io/stratus/concatenator:v1"
)

const testRegistryYAML = `
services:
  - name: query-cmr
    id: ` + discoveryService + `
    discovery: true
  - name: subsetter
    id: ` + subsetService + `
  - name: concatenator
    id: ` + concatService + `
chains:
  - name: subset
    steps:
      - service: query-cmr
      - service: subsetter
`

func newTestProcessor(t *testing.T) (*Processor, *sqlite.Store, *queue.Service) {
	t.Helper()
	logger := common.GetLogger()

	db, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{Path: ":memory:", CacheSizeMB: 16, BusyTimeoutMS: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := sqlite.NewStore(db, logger)

	reg, err := registry.Parse([]byte(testRegistryYAML))
	require.NoError(t, err)

	config := common.NewDefaultConfig()
	queues := queue.NewService(nil, time.Minute, 5, logger)
	return New(config, store, queues, reg, logger), store, queues
}

// seedTwoStepJob creates a running job with one RUNNING item on step 1 and
// the given expected item counts per step.
func seedTwoStepJob(t *testing.T, store *sqlite.Store, step1Service string, count1, count2 int, ignoreErrors bool) (*models.Job, *models.WorkItem) {
	t.Helper()
	job := models.NewJob("alice", "", count1, true, ignoreErrors)
	job.Status = models.JobStatusRunning
	steps := []*models.WorkflowStep{
		{JobID: job.JobID, StepIndex: 1, ServiceID: step1Service, Operation: "{}", WorkItemCount: count1},
		{JobID: job.JobID, StepIndex: 2, ServiceID: subsetService, Operation: "{}", WorkItemCount: count2},
	}
	first := &models.WorkItem{JobID: job.JobID, ServiceID: step1Service, WorkflowStepIndex: 1}
	require.NoError(t, store.CreateJob(context.Background(), job, steps, first))

	var item *models.WorkItem
	err := store.WithTx(context.Background(), func(tx interfaces.WorkTx) error {
		items, err := tx.SelectReadyItems(job.JobID, step1Service, 1)
		require.NoError(t, err)
		require.Len(t, items, 1)
		item = items[0]
		if err := tx.MarkItemsRunning([]int64{item.ID}, time.Now().UTC()); err != nil {
			return err
		}
		return tx.AdjustUserWork(job.JobID, step1Service, -1, 1)
	})
	require.NoError(t, err)
	item.Status = models.WorkItemStatusRunning
	return job, item
}

func setJobStatus(t *testing.T, store *sqlite.Store, jobID string, status models.JobStatus) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx interfaces.WorkTx) error {
		j, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		j.Status = status
		return tx.UpdateJob(j)
	})
	require.NoError(t, err)
}

func getItem(t *testing.T, store *sqlite.Store, id int64) *models.WorkItem {
	t.Helper()
	var item *models.WorkItem
	err := store.WithTx(context.Background(), func(tx interfaces.WorkTx) error {
		var err error
		item, err = tx.GetWorkItem(id)
		return err
	})
	require.NoError(t, err)
	return item
}

func TestProcessUpdate_SuccessSpawnsDownstream(t *testing.T) {
	p, store, queues := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, concatService, 1, 2, false)

	err := p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"s3://bucket/a/catalog.json", "s3://bucket/b/catalog.json"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.WorkItemStatusSuccessful, getItem(t, store, item.ID).Status)

	err = store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		spawned, err := tx.CountItemsForStep(job.JobID, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, spawned)

		ready, err := tx.SelectReadyItems(job.JobID, subsetService, 10)
		require.NoError(t, err)
		require.Len(t, ready, 2)
		assert.Equal(t, "s3://bucket/a/catalog.json", ready[0].StacCatalogLocation)
		return nil
	})
	require.NoError(t, err)

	// one demand signal for the service that gained work
	depth, err := queues.SchedulerQueue().GetApproximateNumberOfMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 33, got.Progress) // 1 of 3 expected items terminal
}

func TestProcessUpdate_LastStepSuccessCompletesJob(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, concatService, 1, 1, false)

	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"s3://bucket/mid/catalog.json"},
	}))

	// finish the spawned last-step item straight from READY
	var lastID int64
	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		ready, err := tx.SelectReadyItems(job.JobID, subsetService, 1)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		lastID = ready[0].ID
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID: lastID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"s3://bucket/final/output.json"},
	}))

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccessful, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.Len(t, got.Links, 1)
	assert.Equal(t, "s3://bucket/final/output.json", got.Links[0].Href)

	// terminal jobs drop out of the scheduling tables
	err = store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		jobs, err := tx.CandidateJobs(subsetService, 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		return nil
	})
	require.NoError(t, err)
}

func TestProcessUpdate_ToleratedFailure(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, concatService, 2, 2, true)

	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID:   item.ID,
		Status:       models.WorkItemStatusFailed,
		ErrorMessage: "granule unreadable",
	}))

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunningWithErrors, got.Status)
	assert.Equal(t, "granule unreadable", got.Message)
	assert.Equal(t, models.WorkItemStatusFailed, getItem(t, store, item.ID).Status)
}

func TestProcessUpdate_FatalFailureCancelsJob(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, concatService, 2, 2, false)

	// a sibling still waiting
	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		if err := tx.CreateWorkItems([]*models.WorkItem{{
			JobID: job.JobID, ServiceID: concatService, WorkflowStepIndex: 1,
			Status: models.WorkItemStatusReady,
		}}); err != nil {
			return err
		}
		return tx.UpsertUserWork(job.JobID, concatService, job.Username, 1)
	})
	require.NoError(t, err)

	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID:   item.ID,
		Status:       models.WorkItemStatusFailed,
		ErrorMessage: "out of memory",
	}))

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "out of memory", got.Message)

	err = store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		canceled, err := tx.CountItemsByStatus(job.JobID, 1, models.WorkItemStatusCanceled)
		require.NoError(t, err)
		assert.Equal(t, 1, canceled)

		jobs, err := tx.CandidateJobs(concatService, 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		return nil
	})
	require.NoError(t, err)
}

func TestProcessUpdate_Idempotence(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, concatService, 1, 1, false)

	success := models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"s3://bucket/a/catalog.json"},
	}
	require.NoError(t, p.ProcessUpdate(ctx, success))

	// redelivered outcome is a silent no-op and spawns nothing extra
	require.NoError(t, p.ProcessUpdate(ctx, success))
	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		spawned, err := tx.CountItemsForStep(job.JobID, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, spawned)
		return nil
	})
	require.NoError(t, err)

	// a different terminal outcome for the same item is a conflict
	err = p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusFailed,
	})
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Equal(t, models.WorkItemStatusSuccessful, getItem(t, store, item.ID).Status)
}

func TestProcessUpdate_CanceledJobOverridesOutcome(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, concatService, 1, 1, false)

	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		j, err := tx.GetJob(job.JobID)
		require.NoError(t, err)
		j.Status = models.JobStatusCanceled
		return tx.UpdateJob(j)
	})
	require.NoError(t, err)

	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"s3://bucket/a/catalog.json"},
	}))

	assert.Equal(t, models.WorkItemStatusCanceled, getItem(t, store, item.ID).Status)
	err = store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		spawned, err := tx.CountItemsForStep(job.JobID, 2)
		require.NoError(t, err)
		assert.Zero(t, spawned, "canceled jobs spawn no downstream work")
		return nil
	})
	require.NoError(t, err)
}

func TestProcessUpdate_DiscoveryContinuation(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, discoveryService, 3, 4, false)

	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"s3://bucket/page1/catalog.json"},
		ScrollID:   "scroll-abc",
	}))

	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		// one downstream item for the page, plus a continuation on step 1
		downstream, err := tx.CountItemsForStep(job.JobID, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, downstream)

		onStep1, err := tx.CountItemsForStep(job.JobID, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, onStep1)

		ready, err := tx.SelectReadyItems(job.JobID, discoveryService, 1)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, "scroll-abc", ready[0].ScrollID)
		return nil
	})
	require.NoError(t, err)
}

func TestProcessUpdate_NoContinuationWhenTargetReached(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	// next step expects a single item, so one page of results satisfies it
	job, item := seedTwoStepJob(t, store, discoveryService, 1, 1, false)

	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"s3://bucket/page1/catalog.json"},
		ScrollID:   "scroll-abc",
	}))

	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		onStep1, err := tx.CountItemsForStep(job.JobID, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, onStep1, "no continuation once the target is met")
		return nil
	})
	require.NoError(t, err)
}

func TestProcessUpdate_FirstOutcomeStartsAcceptedJob(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, concatService, 1, 1, false)
	setJobStatus(t, store, job.JobID, models.JobStatusAccepted)

	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"s3://bucket/mid/catalog.json"},
	}))

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status, "work beginning moves the job out of accepted")

	// and from there the job can finish normally
	var lastID int64
	err = store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		ready, err := tx.SelectReadyItems(job.JobID, subsetService, 1)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		lastID = ready[0].ID
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID: lastID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"s3://bucket/final/output.json"},
	}))

	got, err = store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccessful, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestProcessUpdate_FailureOnAcceptedJobCommits(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, concatService, 1, 1, false)
	setJobStatus(t, store, job.JobID, models.JobStatusAccepted)

	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID:   item.ID,
		Status:       models.WorkItemStatusFailed,
		ErrorMessage: "boom",
	}))

	assert.Equal(t, models.WorkItemStatusFailed, getItem(t, store, item.ID).Status)
	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func TestProcessUpdate_FailureOnPausedJobKeepsOutcome(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, item := seedTwoStepJob(t, store, concatService, 1, 1, false)
	setJobStatus(t, store, job.JobID, models.JobStatusPaused)

	// the item's outcome commits even though a paused job cannot fail yet
	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID:   item.ID,
		Status:       models.WorkItemStatusFailed,
		ErrorMessage: "boom",
	}))

	assert.Equal(t, models.WorkItemStatusFailed, getItem(t, store, item.ID).Status)
	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, got.Status)
	assert.Equal(t, "boom", got.Message)
}

func TestProcessBatch_GroupsByJob(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	jobA, itemA := seedTwoStepJob(t, store, concatService, 1, 1, false)
	jobB, itemB := seedTwoStepJob(t, store, concatService, 1, 1, false)

	err := p.ProcessBatch(ctx, []models.UpdateMessage{
		{JobID: jobA.JobID, Update: models.WorkItemUpdate{WorkItemID: itemA.ID, Status: models.WorkItemStatusSuccessful, Results: []string{"s3://bucket/a/catalog.json"}}},
		{JobID: jobB.JobID, Update: models.WorkItemUpdate{WorkItemID: itemB.ID, Status: models.WorkItemStatusSuccessful, Results: []string{"s3://bucket/b/catalog.json"}}},
		{JobID: jobA.JobID, Update: models.WorkItemUpdate{WorkItemID: itemA.ID, Status: models.WorkItemStatusSuccessful, Results: []string{"s3://bucket/a/catalog.json"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.WorkItemStatusSuccessful, getItem(t, store, itemA.ID).Status)
	assert.Equal(t, models.WorkItemStatusSuccessful, getItem(t, store, itemB.ID).Status)
}

package reconcile

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
	"github.com/ternarybob/stratus/internal/storage/sqlite"
	"github.com/ternarybob/stratus/internal/updater"
)

const testService = "ghcr.io/stratus/subsetter:v1"

func newTestEnv(t *testing.T) (*common.Config, *sqlite.Store, *updater.Processor) {
	t.Helper()
	logger := common.GetLogger()

	db, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{Path: ":memory:", CacheSizeMB: 16, BusyTimeoutMS: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := sqlite.NewStore(db, logger)

	config := common.NewDefaultConfig()
	queues := queue.NewService(nil, time.Minute, 5, logger)
	processor := updater.New(config, store, queues, nil, logger)
	return config, store, processor
}

// seedRunningItem creates a single-step running job with one RUNNING item
// started at the given time.
func seedRunningItem(t *testing.T, store *sqlite.Store, startedAt time.Time, ignoreErrors bool) (*models.Job, int64) {
	t.Helper()
	job := models.NewJob("alice", "", 1, true, ignoreErrors)
	job.Status = models.JobStatusRunning
	steps := []*models.WorkflowStep{{
		JobID: job.JobID, StepIndex: 1, ServiceID: testService, Operation: "{}", WorkItemCount: 1,
	}}
	first := &models.WorkItem{JobID: job.JobID, ServiceID: testService, WorkflowStepIndex: 1}
	require.NoError(t, store.CreateJob(context.Background(), job, steps, first))

	var id int64
	err := store.WithTx(context.Background(), func(tx interfaces.WorkTx) error {
		items, err := tx.SelectReadyItems(job.JobID, testService, 1)
		require.NoError(t, err)
		require.Len(t, items, 1)
		id = items[0].ID
		if err := tx.MarkItemsRunning([]int64{id}, startedAt); err != nil {
			return err
		}
		return tx.AdjustUserWork(job.JobID, testService, -1, 1)
	})
	require.NoError(t, err)
	return job, id
}

func TestFailer_FailsStalledItem(t *testing.T) {
	config, store, processor := newTestEnv(t)
	ctx := context.Background()

	// running half an hour against a ten minute age limit, no duration history
	job, itemID := seedRunningItem(t, store, time.Now().UTC().Add(-30*time.Minute), false)
	failer := NewFailer(config, store, processor, common.GetLogger())

	require.NoError(t, failer.RunOnce(ctx))

	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		item, err := tx.GetWorkItem(itemID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkItemStatusFailed, item.Status)
		assert.Contains(t, item.ErrorMessage, "exceeded")
		assert.Contains(t, item.ErrorMessage, "ms threshold")
		return nil
	})
	require.NoError(t, err)

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func TestFailer_ToleratesErrorsWhenRequested(t *testing.T) {
	config, store, processor := newTestEnv(t)
	ctx := context.Background()

	job, _ := seedRunningItem(t, store, time.Now().UTC().Add(-30*time.Minute), true)
	failer := NewFailer(config, store, processor, common.GetLogger())

	require.NoError(t, failer.RunOnce(ctx))

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunningWithErrors, got.Status)
}

func TestFailer_ThresholdSparesSlowButNormalItems(t *testing.T) {
	config, store, processor := newTestEnv(t)
	ctx := context.Background()

	// fifteen minutes elapsed, past the age limit but well inside the bound
	// set by a twenty minute successful history
	job, itemID := seedRunningItem(t, store, time.Now().UTC().Add(-15*time.Minute), false)

	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		started := time.Now().UTC().Add(-20 * time.Minute)
		history := &models.WorkItem{
			JobID: job.JobID, ServiceID: testService, WorkflowStepIndex: 1,
			Status: models.WorkItemStatusReady,
		}
		if err := tx.CreateWorkItems([]*models.WorkItem{history}); err != nil {
			return err
		}
		history.Status = models.WorkItemStatusSuccessful
		history.StartedAt = &started
		return tx.UpdateWorkItem(history)
	})
	require.NoError(t, err)

	failer := NewFailer(config, store, processor, common.GetLogger())
	require.NoError(t, failer.RunOnce(ctx))

	err = store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		item, err := tx.GetWorkItem(itemID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkItemStatusRunning, item.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestFailer_IgnoresFreshItems(t *testing.T) {
	config, store, processor := newTestEnv(t)
	ctx := context.Background()

	_, itemID := seedRunningItem(t, store, time.Now().UTC().Add(-1*time.Minute), false)
	failer := NewFailer(config, store, processor, common.GetLogger())

	require.NoError(t, failer.RunOnce(ctx))

	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		item, err := tx.GetWorkItem(itemID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkItemStatusRunning, item.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestReaper_RemovesRowsKeepsJob(t *testing.T) {
	config, store, processor := newTestEnv(t)
	ctx := context.Background()
	config.Reaper.ReapableAgeMinutes = 0 // everything terminal is old enough

	job, itemID := seedRunningItem(t, store, time.Now().UTC().Add(-time.Hour), false)

	// drive the job terminal through a fatal failure
	require.NoError(t, processor.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID:   itemID,
		Status:       models.WorkItemStatusFailed,
		ErrorMessage: "worker lost",
	}))

	time.Sleep(5 * time.Millisecond) // let the terminal update age past the cutoff

	reaper := NewReaper(config, store, common.GetLogger())
	require.NoError(t, reaper.RunOnce(ctx))

	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		_, err := tx.GetWorkItem(itemID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		steps, err := tx.GetSteps(job.JobID)
		require.NoError(t, err)
		assert.Empty(t, steps)
		return nil
	})
	require.NoError(t, err)

	// history stays queryable
	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)

	// a second pass finds nothing left to do
	require.NoError(t, reaper.RunOnce(ctx))
}

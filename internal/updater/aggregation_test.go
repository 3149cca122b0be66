package updater

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/models"
	"github.com/ternarybob/stratus/internal/storage/sqlite"
)

// seedAggregationJob creates a running job whose second step aggregates, with
// n RUNNING items on step 1.
func seedAggregationJob(t *testing.T, store *sqlite.Store, n, batchSize int, maxBytes int64) (*models.Job, []*models.WorkItem) {
	t.Helper()
	job := models.NewJob("alice", "", n, true, false)
	job.Status = models.JobStatusRunning
	steps := []*models.WorkflowStep{
		{JobID: job.JobID, StepIndex: 1, ServiceID: subsetService, Operation: "{}", WorkItemCount: n},
		{JobID: job.JobID, StepIndex: 2, ServiceID: concatService, Operation: "{}", WorkItemCount: 1,
			HasAggregatedOutput: true, BatchSize: batchSize, MaxBatchSizeBytes: maxBytes},
	}
	first := &models.WorkItem{JobID: job.JobID, ServiceID: subsetService, WorkflowStepIndex: 1}
	require.NoError(t, store.CreateJob(context.Background(), job, steps, first))

	var items []*models.WorkItem
	err := store.WithTx(context.Background(), func(tx interfaces.WorkTx) error {
		if n > 1 {
			var extra []*models.WorkItem
			for i := 1; i < n; i++ {
				extra = append(extra, &models.WorkItem{
					JobID: job.JobID, ServiceID: subsetService, WorkflowStepIndex: 1,
					Status: models.WorkItemStatusReady,
				})
			}
			if err := tx.CreateWorkItems(extra); err != nil {
				return err
			}
			if err := tx.UpsertUserWork(job.JobID, subsetService, job.Username, n-1); err != nil {
				return err
			}
		}
		ready, err := tx.SelectReadyItems(job.JobID, subsetService, n)
		require.NoError(t, err)
		require.Len(t, ready, n)
		ids := make([]int64, n)
		for i, item := range ready {
			ids[i] = item.ID
			item.Status = models.WorkItemStatusRunning
		}
		if err := tx.MarkItemsRunning(ids, time.Now().UTC()); err != nil {
			return err
		}
		items = ready
		return tx.AdjustUserWork(job.JobID, subsetService, -n, n)
	})
	require.NoError(t, err)
	return job, items
}

func aggItemsReady(t *testing.T, store *sqlite.Store, jobID string) []*models.WorkItem {
	t.Helper()
	var ready []*models.WorkItem
	err := store.WithTx(context.Background(), func(tx interfaces.WorkTx) error {
		var err error
		ready, err = tx.SelectReadyItems(jobID, concatService, 100)
		return err
	})
	require.NoError(t, err)
	return ready
}

func TestAggregation_SealsOnItemCount(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, items := seedAggregationJob(t, store, 2, 2, 0)

	// first producer emits two outputs: exactly one full batch
	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID:      items[0].ID,
		Status:          models.WorkItemStatusSuccessful,
		Results:         []string{"s3://out/1/catalog.json", "s3://out/2/catalog.json"},
		OutputItemSizes: []int64{100, 100},
	}))

	ready := aggItemsReady(t, store, job.JobID)
	require.Len(t, ready, 1)
	assert.Equal(t, BatchCatalogURI(job.JobID, 2, 1), ready[0].StacCatalogLocation)

	// second producer emits one output: a partial batch, sealed because the
	// upstream step is now fully complete
	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID:      items[1].ID,
		Status:          models.WorkItemStatusSuccessful,
		Results:         []string{"s3://out/3/catalog.json"},
		OutputItemSizes: []int64{100},
	}))

	ready = aggItemsReady(t, store, job.JobID)
	require.Len(t, ready, 2)

	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		total, err := tx.CountBatches(job.JobID, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, total)

		// the aggregation step's expected count now matches the real total
		step, err := tx.GetStep(job.JobID, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, step.WorkItemCount)

		members, err := tx.BatchMembers(job.JobID, 2, 1)
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, "s3://out/1/catalog.json", members[0].StacLocation)
		assert.Equal(t, "s3://out/2/catalog.json", members[1].StacLocation)
		return nil
	})
	require.NoError(t, err)
}

func TestAggregation_SealsOnByteCap(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, items := seedAggregationJob(t, store, 1, 0, 150)

	// three outputs of 100 bytes against a 150-byte cap: one per batch
	require.NoError(t, p.ProcessUpdate(ctx, models.WorkItemUpdate{
		WorkItemID:      items[0].ID,
		Status:          models.WorkItemStatusSuccessful,
		Results:         []string{"s3://out/1/catalog.json", "s3://out/2/catalog.json", "s3://out/3/catalog.json"},
		OutputItemSizes: []int64{100, 100, 100},
	}))

	ready := aggItemsReady(t, store, job.JobID)
	assert.Len(t, ready, 3)
}

func TestAggregation_DeterministicAcrossArrivalOrder(t *testing.T) {
	ctx := context.Background()

	run := func(reverse bool) []string {
		p, store, _ := newTestProcessor(t)
		job, items := seedAggregationJob(t, store, 2, 3, 0)

		updates := []models.WorkItemUpdate{
			{WorkItemID: items[0].ID, Status: models.WorkItemStatusSuccessful,
				Results: []string{"s3://out/a1/catalog.json", "s3://out/a2/catalog.json"}},
			{WorkItemID: items[1].ID, Status: models.WorkItemStatusSuccessful,
				Results: []string{"s3://out/b1/catalog.json"}},
		}
		if reverse {
			updates[0], updates[1] = updates[1], updates[0]
		}
		for _, u := range updates {
			require.NoError(t, p.ProcessUpdate(ctx, u))
		}

		var locations []string
		err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
			members, err := tx.BatchMembers(job.JobID, 2, 1)
			require.NoError(t, err)
			for _, m := range members {
				locations = append(locations, m.StacLocation)
			}
			return nil
		})
		require.NoError(t, err)
		return locations
	}

	// same batch composition whichever producer reports first
	assert.Equal(t, run(false), run(true))
}

func TestAggregation_RedeliveredUpdateAddsNothing(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()
	job, items := seedAggregationJob(t, store, 1, 0, 0)

	update := models.WorkItemUpdate{
		WorkItemID:      items[0].ID,
		Status:          models.WorkItemStatusSuccessful,
		Results:         []string{"s3://out/1/catalog.json"},
		OutputItemSizes: []int64{10},
	}
	require.NoError(t, p.ProcessUpdate(ctx, update))
	require.NoError(t, p.ProcessUpdate(ctx, update))

	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		members, err := tx.BatchMembers(job.JobID, 2, 1)
		require.NoError(t, err)
		assert.Len(t, members, 1)
		return nil
	})
	require.NoError(t, err)
}

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/stratus/internal/common"
	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/models"
	"github.com/ternarybob/stratus/internal/queue"
	"github.com/ternarybob/stratus/internal/storage/sqlite"
)

const testService = "ghcr.io/stratus/subsetter:v1"

func newTestScheduler(t *testing.T) (*Scheduler, *sqlite.Store, *queue.Service) {
	t.Helper()
	logger := common.GetLogger()

	db, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{Path: ":memory:", CacheSizeMB: 16, BusyTimeoutMS: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := sqlite.NewStore(db, logger)

	config := common.NewDefaultConfig()
	config.Queue.LongPollWait = "50ms"
	config.Scheduler.PodCounts = map[string]int{testService: 10}

	queues := queue.NewService(nil, time.Minute, 5, logger)
	pods := NewCachedPodLister(NewStaticPodLister(config.Scheduler.PodCounts), config.PodCountCacheTTL())

	return New(config, store, queues, pods, nil, logger), store, queues
}

func seedJobWithReadyItems(t *testing.T, store *sqlite.Store, username string, n int) *models.Job {
	t.Helper()
	job := models.NewJob(username, "", n, true, false)
	job.Status = models.JobStatusRunning
	steps := []*models.WorkflowStep{{
		JobID: job.JobID, StepIndex: 1, ServiceID: testService,
		Operation: "{}", WorkItemCount: n,
	}}
	first := &models.WorkItem{JobID: job.JobID, ServiceID: testService, WorkflowStepIndex: 1}
	require.NoError(t, store.CreateJob(context.Background(), job, steps, first))

	if n > 1 {
		err := store.WithTx(context.Background(), func(tx interfaces.WorkTx) error {
			var extra []*models.WorkItem
			for i := 1; i < n; i++ {
				extra = append(extra, &models.WorkItem{
					JobID: job.JobID, ServiceID: testService, WorkflowStepIndex: 1,
					Status: models.WorkItemStatusReady,
				})
			}
			if err := tx.CreateWorkItems(extra); err != nil {
				return err
			}
			return tx.UpsertUserWork(job.JobID, testService, username, n-1)
		})
		require.NoError(t, err)
	}
	return job
}

func TestCycle_DispatchesReadyItems(t *testing.T) {
	s, store, queues := newTestScheduler(t)
	ctx := context.Background()

	seedJobWithReadyItems(t, store, "alice", 4)
	require.NoError(t, queues.SchedulerQueue().SendMessage(ctx, testService, ""))

	require.NoError(t, s.Cycle(ctx))

	// 10 pods, empty queue: starvation branch bounded by one received message
	depth, err := queues.ServiceQueue(testService).GetApproximateNumberOfMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// scheduler queue drained
	depth, err = queues.SchedulerQueue().GetApproximateNumberOfMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	// the dispatched item is QUEUED; it starts running only when a worker
	// collects the message
	err = store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		msgs, err := queues.ServiceQueue(testService).GetMessages(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		msg, err := models.DecodeWorkMessage(msgs[0].Body)
		require.NoError(t, err)

		item, err := tx.GetWorkItem(msg.WorkItemID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkItemStatusQueued, item.Status)
		assert.Nil(t, item.StartedAt)
		return nil
	})
	require.NoError(t, err)
}

type failingPodLister struct{}

func (failingPodLister) CountPods(ctx context.Context, serviceID string) (int, error) {
	return 0, errors.New("pod lookup unavailable")
}

func TestCycle_RetainsDemandWhenDispatchFails(t *testing.T) {
	s, store, queues := newTestScheduler(t)
	ctx := context.Background()
	s.pods = failingPodLister{}

	seedJobWithReadyItems(t, store, "alice", 1)
	require.NoError(t, queues.SchedulerQueue().SendMessage(ctx, testService, ""))
	require.NoError(t, s.Cycle(ctx))

	// the schedule request stays on the queue for redelivery
	depth, err := queues.SchedulerQueue().GetApproximateNumberOfMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	depth, err = queues.ServiceQueue(testService).GetApproximateNumberOfMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestCycle_FairShareAcrossJobs(t *testing.T) {
	s, store, queues := newTestScheduler(t)
	ctx := context.Background()

	jobA := seedJobWithReadyItems(t, store, "alice", 6)
	jobB := seedJobWithReadyItems(t, store, "bob", 6)

	// six schedule requests so the starvation branch allows six items
	for i := 0; i < 6; i++ {
		require.NoError(t, queues.SchedulerQueue().SendMessage(ctx, testService, ""))
	}
	require.NoError(t, s.Cycle(ctx))

	msgs, err := queues.ServiceQueue(testService).GetMessages(ctx, 100, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 6)

	perJob := map[string]int{}
	for _, m := range msgs {
		decoded, err := models.DecodeWorkMessage(m.Body)
		require.NoError(t, err)
		perJob[decoded.JobID]++
	}
	assert.Equal(t, 3, perJob[jobA.JobID], "each job gets its fair share")
	assert.Equal(t, 3, perJob[jobB.JobID])
}

func TestCycle_BackPressureSkipsScheduling(t *testing.T) {
	s, store, queues := newTestScheduler(t)
	ctx := context.Background()
	s.config.Scheduler.MaxItemsOnUpdateQueue = 2

	seedJobWithReadyItems(t, store, "alice", 4)
	require.NoError(t, queues.SchedulerQueue().SendMessage(ctx, testService, ""))
	for i := 0; i < 3; i++ {
		require.NoError(t, queues.UpdateQueue().SendMessage(ctx, "{}", ""))
	}

	require.NoError(t, s.Cycle(ctx))

	// nothing dispatched and the schedule request is still pending
	depth, err := queues.ServiceQueue(testService).GetApproximateNumberOfMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	depth, err = queues.SchedulerQueue().GetApproximateNumberOfMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestCycle_PausedJobNotScheduled(t *testing.T) {
	s, store, queues := newTestScheduler(t)
	ctx := context.Background()

	job := seedJobWithReadyItems(t, store, "alice", 2)
	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		j, err := tx.GetJob(job.JobID)
		require.NoError(t, err)
		j.Status = models.JobStatusPaused
		return tx.UpdateJob(j)
	})
	require.NoError(t, err)

	require.NoError(t, queues.SchedulerQueue().SendMessage(ctx, testService, ""))
	require.NoError(t, s.Cycle(ctx))

	depth, err := queues.ServiceQueue(testService).GetApproximateNumberOfMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestSelectFairly_ReconcilesCounterDrift(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	job := seedJobWithReadyItems(t, store, "alice", 1)

	// consume the only item directly, leaving the counter stale
	err := store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		items, err := tx.SelectReadyItems(job.JobID, testService, 1)
		require.NoError(t, err)
		require.Len(t, items, 1)
		return tx.MarkItemsRunning([]int64{items[0].ID}, time.Now().UTC())
	})
	require.NoError(t, err)

	items, err := s.selectFairly(ctx, testService, 5, models.WorkItemStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, items)

	// counters rewritten from the rows: the job is no longer a candidate
	err = store.WithTx(ctx, func(tx interfaces.WorkTx) error {
		jobs, err := tx.CandidateJobs(testService, 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		return nil
	})
	require.NoError(t, err)
}

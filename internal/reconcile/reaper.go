package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/stratus/internal/common"
	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/metrics"
)

// reapableJobsPerPass bounds how many jobs one pass touches
const reapableJobsPerPass = 100

// Reaper deletes the work items and workflow steps of jobs that have sat in a
// terminal state past the reapable age. Deletion runs in bounded batches by
// ascending id so no single transaction grows with job size. The job row
// itself stays; its history remains queryable.
type Reaper struct {
	config  *common.Config
	storage interfaces.Storage
	logger  arbor.ILogger

	cron   *cron.Cron
	stopCh chan struct{}
}

// NewReaper creates a work reaper
func NewReaper(config *common.Config, storage interfaces.Storage, logger arbor.ILogger) *Reaper {
	return &Reaper{
		config:  config,
		storage: storage,
		logger:  logger,
		cron:    cron.New(),
		stopCh:  make(chan struct{}),
	}
}

// Start schedules the reaper loop
func (r *Reaper) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %ds", r.config.Reaper.PeriodSec)
	if _, err := r.cron.AddFunc(spec, func() {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Work reaper pass failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule work reaper: %w", err)
	}
	r.cron.Start()
	r.logger.Info().Str("interval", spec).Msg("Work reaper started")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Work reaper stopped")
}

// RunOnce performs one reaper pass over currently reapable jobs
func (r *Reaper) RunOnce(ctx context.Context) error {
	minAge := time.Duration(r.config.Reaper.ReapableAgeMinutes) * time.Minute
	jobIDs, err := r.storage.ReapableJobIDs(ctx, minAge, reapableJobsPerPass)
	if err != nil {
		return err
	}
	for _, jobID := range jobIDs {
		select {
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := r.reapJob(ctx, jobID); err != nil {
			r.logger.Error().Err(err).Str("job_id", jobID).Msg("Reaping job failed")
		}
	}
	return nil
}

// reapJob removes one job's rows: work items first, then workflow steps, then
// any aggregation bookkeeping.
func (r *Reaper) reapJob(ctx context.Context, jobID string) error {
	batchSize := r.config.Reaper.BatchSize
	if batchSize <= 0 {
		batchSize = 2000
	}

	totalItems := 0
	for {
		n, err := r.storage.DeleteWorkItemBatch(ctx, jobID, batchSize)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		totalItems += n
		metrics.RowsReaped.WithLabelValues("work_items").Add(float64(n))
		r.logger.Debug().Str("job_id", jobID).Int("deleted", n).Msg("Reaped work item batch")
	}

	totalSteps := 0
	for {
		n, err := r.storage.DeleteWorkflowStepBatch(ctx, jobID, batchSize)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		totalSteps += n
		metrics.RowsReaped.WithLabelValues("workflow_steps").Add(float64(n))
		r.logger.Debug().Str("job_id", jobID).Int("deleted", n).Msg("Reaped workflow step batch")
	}

	if err := r.storage.DeleteBatchRows(ctx, jobID); err != nil {
		return err
	}

	r.logger.Info().
		Str("job_id", jobID).
		Int("work_items", totalItems).
		Int("workflow_steps", totalSteps).
		Msg("Reaped job")
	return nil
}

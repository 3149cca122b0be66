package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/stratus/internal/common"
	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/metrics"
	"github.com/ternarybob/stratus/internal/models"
	"github.com/ternarybob/stratus/internal/updater"
)

// Failer periodically fails RUNNING work items whose workers have most likely
// died. An item is failed once its elapsed running time exceeds a per-service
// statistical threshold over recent successful durations, so slow services
// are given room while genuinely stuck items are reclaimed.
type Failer struct {
	config    *common.Config
	storage   interfaces.Storage
	processor *updater.Processor
	logger    arbor.ILogger

	cron   *cron.Cron
	stopCh chan struct{}
}

// NewFailer creates a work failer
func NewFailer(config *common.Config, storage interfaces.Storage, processor *updater.Processor, logger arbor.ILogger) *Failer {
	return &Failer{
		config:    config,
		storage:   storage,
		processor: processor,
		logger:    logger,
		cron:      cron.New(),
		stopCh:    make(chan struct{}),
	}
}

// Start schedules the failer loop
func (f *Failer) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %ds", f.config.Failer.PeriodSec)
	if _, err := f.cron.AddFunc(spec, func() {
		if err := f.RunOnce(ctx); err != nil {
			f.logger.Error().Err(err).Msg("Work failer pass failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule work failer: %w", err)
	}
	f.cron.Start()
	f.logger.Info().Str("interval", spec).Msg("Work failer started")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish
func (f *Failer) Stop() {
	close(f.stopCh)
	<-f.cron.Stop().Done()
	f.logger.Info().Msg("Work failer stopped")
}

// RunOnce performs one failer pass. Updates are batched per job and handed to
// the update processor; the pass yields between jobs so shutdown is prompt.
func (f *Failer) RunOnce(ctx context.Context) error {
	minAge := time.Duration(f.config.Failer.FailableAgeMinutes) * time.Minute
	candidates, err := f.storage.StalledCandidates(ctx, minAge)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	now := time.Now().UTC()
	byJob := make(map[string][]models.UpdateMessage)
	var jobOrder []string
	thresholds := make(map[string]time.Duration)

	for _, item := range candidates {
		if item.StartedAt == nil {
			continue
		}
		key := fmt.Sprintf("%s|%s|%d", item.JobID, item.ServiceID, item.WorkflowStepIndex)
		threshold, ok := thresholds[key]
		if !ok {
			threshold, err = f.threshold(ctx, item, minAge)
			if err != nil {
				return err
			}
			thresholds[key] = threshold
		}
		if now.Sub(*item.StartedAt) <= threshold {
			continue
		}
		if _, seen := byJob[item.JobID]; !seen {
			jobOrder = append(jobOrder, item.JobID)
		}
		byJob[item.JobID] = append(byJob[item.JobID], models.UpdateMessage{
			JobID: item.JobID,
			Update: models.WorkItemUpdate{
				WorkItemID:   item.ID,
				Status:       models.WorkItemStatusFailed,
				ErrorMessage: fmt.Sprintf("Work item %d exceeded %d ms threshold", item.ID, threshold.Milliseconds()),
			},
		})
	}

	failed := 0
	for _, jobID := range jobOrder {
		select {
		case <-f.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		batch := byJob[jobID]
		if err := f.processor.ProcessBatch(ctx, batch); err != nil {
			f.logger.Error().Err(err).Str("job_id", jobID).Msg("Failing stalled items failed")
			continue
		}
		failed += len(batch)
	}
	if failed > 0 {
		metrics.ItemsFailedByFailer.Add(float64(failed))
		f.logger.Info().Int("count", failed).Msg("Stalled work items failed")
	}
	return nil
}

// threshold computes the duration bound for one (job, service, step) tuple:
// the larger of twice the mean and mean plus two standard deviations over
// recent successful runs. With no history the minimum age itself is the bound.
func (f *Failer) threshold(ctx context.Context, item *models.WorkItem, minAge time.Duration) (time.Duration, error) {
	durations, err := f.storage.SuccessfulDurations(ctx, item.JobID, item.ServiceID, item.WorkflowStepIndex, 20)
	if err != nil {
		return 0, err
	}
	if len(durations) == 0 {
		return minAge, nil
	}

	var sum float64
	for _, d := range durations {
		sum += d.Seconds()
	}
	mean := sum / float64(len(durations))

	var variance float64
	for _, d := range durations {
		diff := d.Seconds() - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(durations)))

	bound := math.Max(2*mean, mean+2*stddev)
	threshold := time.Duration(bound * float64(time.Second))
	if threshold < minAge {
		threshold = minAge
	}
	return threshold, nil
}

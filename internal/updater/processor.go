package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/stratus/internal/common"
	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/metrics"
	"github.com/ternarybob/stratus/internal/models"
	"github.com/ternarybob/stratus/internal/services/registry"
)

// Processor consumes WorkItemUpdates and advances the owning job: it commits
// the item transition, rebalances UserWork counters, spawns downstream items,
// batches aggregation inputs and detects job completion. Everything for one
// update happens in a single storage transaction; schedule requests for newly
// created READY items go out only after commit.
type Processor struct {
	config   *common.Config
	storage  interfaces.Storage
	queues   interfaces.QueueService
	registry *registry.Registry
	logger   arbor.ILogger
}

// New creates an update processor
func New(config *common.Config, storage interfaces.Storage, queues interfaces.QueueService,
	reg *registry.Registry, logger arbor.ILogger) *Processor {
	return &Processor{
		config:   config,
		storage:  storage,
		queues:   queues,
		registry: reg,
		logger:   logger,
	}
}

// ProcessUpdate applies one worker outcome. Duplicate deliveries of the same
// terminal outcome are a silent no-op; a terminal outcome conflicting with a
// previously committed one returns ErrConflict.
func (p *Processor) ProcessUpdate(ctx context.Context, update models.WorkItemUpdate) error {
	start := time.Now()
	defer func() { metrics.UpdateDuration.Observe(time.Since(start).Seconds()) }()

	scheduled := make(map[string]int)
	err := p.storage.WithTx(ctx, func(tx interfaces.WorkTx) error {
		return p.applyUpdate(tx, update, scheduled)
	})
	if err != nil {
		return err
	}
	metrics.UpdatesProcessed.WithLabelValues(string(update.Status)).Inc()

	// demand signal: one schedule request per service that gained READY items
	for serviceID := range scheduled {
		if err := p.queues.SchedulerQueue().SendMessage(ctx, serviceID, ""); err != nil {
			p.logger.Warn().Err(err).Str("service_id", serviceID).Msg("Schedule request send failed")
		}
	}
	return nil
}

// ProcessBatch applies a batch of updates grouped by job. Updates for
// different jobs do not interfere, so each group runs sequentially with one
// transaction per update. The first hard error aborts the batch.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []models.UpdateMessage) error {
	byJob := make(map[string][]models.WorkItemUpdate)
	var order []string
	for _, m := range msgs {
		if _, seen := byJob[m.JobID]; !seen {
			order = append(order, m.JobID)
		}
		byJob[m.JobID] = append(byJob[m.JobID], m.Update)
	}
	for _, jobID := range order {
		for _, update := range byJob[jobID] {
			if err := p.ProcessUpdate(ctx, update); err != nil {
				if errors.Is(err, models.ErrConflict) {
					continue // logged inside, nothing to retry
				}
				return err
			}
		}
	}
	return nil
}

func (p *Processor) applyUpdate(tx interfaces.WorkTx, update models.WorkItemUpdate, scheduled map[string]int) error {
	item, err := tx.GetWorkItem(update.WorkItemID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			p.logger.Info().Int64("work_item_id", update.WorkItemID).Msg("Update for unknown work item dropped")
			return nil
		}
		return err
	}

	if item.IsTerminal() {
		if update.Status == item.Status {
			return nil // retried delivery of the same outcome
		}
		if !models.IsTerminalItemStatus(update.Status) {
			p.logger.Info().
				Int64("work_item_id", item.ID).
				Str("stored", string(item.Status)).
				Str("incoming", string(update.Status)).
				Msg("Non-terminal update for terminal work item dropped")
			return nil
		}
		p.logger.Warn().
			Int64("work_item_id", item.ID).
			Str("stored", string(item.Status)).
			Str("incoming", string(update.Status)).
			Msg("Conflicting terminal update rejected")
		return fmt.Errorf("work item %d already %s: %w", item.ID, item.Status, models.ErrConflict)
	}

	job, err := tx.GetJob(item.JobID)
	if err != nil {
		return err
	}

	if job.Status == models.JobStatusCanceled {
		if err := rebalanceCounters(tx, item, models.WorkItemStatusCanceled); err != nil {
			return err
		}
		item.Status = models.WorkItemStatusCanceled
		item.UpdatedAt = time.Now().UTC()
		return tx.UpdateWorkItem(item)
	}

	// the first observed outcome means work has begun: preview-stage jobs
	// move to running so completion and failure transitions become legal
	if job.Status == models.JobStatusAccepted || job.Status == models.JobStatusPreviewing {
		job.Status = models.JobStatusRunning
	}

	if err := rebalanceCounters(tx, item, update.Status); err != nil {
		return err
	}

	item.Status = update.Status
	item.ErrorMessage = update.ErrorMessage
	if update.TotalItemsSize > 0 {
		item.TotalItemsSize = update.TotalItemsSize
	}
	item.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateWorkItem(item); err != nil {
		return err
	}

	steps, err := tx.GetSteps(job.JobID)
	if err != nil {
		return err
	}
	step := findStep(steps, item.WorkflowStepIndex)
	if step == nil {
		return fmt.Errorf("job %s has no workflow step %d", job.JobID, item.WorkflowStepIndex)
	}

	switch update.Status {
	case models.WorkItemStatusSuccessful:
		if err := p.handleSuccess(tx, job, steps, step, item, update, scheduled); err != nil {
			return err
		}
	case models.WorkItemStatusFailed:
		if err := p.handleFailure(tx, job, item, update); err != nil {
			return err
		}
	}

	if err := p.recomputeProgress(tx, job, steps); err != nil {
		return err
	}
	if err := p.maybeCompleteJob(tx, job, steps); err != nil {
		return err
	}

	job.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateJob(job); err != nil {
		return err
	}
	if job.IsTerminal() {
		return tx.DeleteUserWork(job.JobID)
	}
	return nil
}

// rebalanceCounters moves the UserWork counters to match an item transition.
// An item failed straight from READY never held a running slot, so the ready
// count is the one given back. QUEUED items sit on a service queue and are
// counted in neither slot.
func rebalanceCounters(tx interfaces.WorkTx, item *models.WorkItem, next models.WorkItemStatus) error {
	readyDelta, runningDelta := 0, 0
	switch item.Status {
	case models.WorkItemStatusReady:
		readyDelta--
	case models.WorkItemStatusRunning:
		runningDelta--
	}
	switch next {
	case models.WorkItemStatusReady:
		readyDelta++
	case models.WorkItemStatusRunning:
		runningDelta++
	}
	if readyDelta == 0 && runningDelta == 0 {
		return nil
	}
	return tx.AdjustUserWork(item.JobID, item.ServiceID, readyDelta, runningDelta)
}

func (p *Processor) handleSuccess(tx interfaces.WorkTx, job *models.Job, steps []*models.WorkflowStep,
	step *models.WorkflowStep, item *models.WorkItem, update models.WorkItemUpdate, scheduled map[string]int) error {

	isLast := step.StepIndex == len(steps)
	if isLast {
		links := make([]models.JobLink, 0, len(update.Results))
		for _, result := range update.Results {
			links = append(links, models.JobLink{
				Href: result,
				Rel:  "data",
				Type: "application/json",
			})
		}
		if len(links) > 0 {
			return tx.AddJobLinks(job.JobID, links)
		}
		return nil
	}

	nextStep := findStep(steps, step.StepIndex+1)
	if nextStep == nil {
		return fmt.Errorf("job %s has no workflow step %d", job.JobID, step.StepIndex+1)
	}

	// granule-discovery pagination: the service hands back a scroll ID while
	// more pages exist; each page is fetched by a fresh item on the same step
	if p.registry != nil && p.registry.IsDiscoveryService(item.ServiceID) && update.ScrollID != "" {
		created, err := tx.CountItemsForStep(job.JobID, nextStep.StepIndex)
		if err != nil {
			return err
		}
		// this page's results have not been spawned yet; count them toward the
		// target so the last page does not trigger one continuation too many
		if created+len(update.Results) < nextStep.WorkItemCount {
			continuation := &models.WorkItem{
				JobID:             job.JobID,
				ServiceID:         item.ServiceID,
				WorkflowStepIndex: step.StepIndex,
				Status:            models.WorkItemStatusReady,
				ScrollID:          update.ScrollID,
			}
			if err := tx.CreateWorkItems([]*models.WorkItem{continuation}); err != nil {
				return err
			}
			if err := tx.UpsertUserWork(job.JobID, item.ServiceID, job.Username, 1); err != nil {
				return err
			}
			scheduled[item.ServiceID]++
		}
	}

	if nextStep.HasAggregatedOutput {
		return p.aggregateOutputs(tx, job, step, nextStep, item, update, scheduled)
	}

	if len(update.Results) == 0 {
		return nil
	}
	spawned := make([]*models.WorkItem, 0, len(update.Results))
	for _, result := range update.Results {
		spawned = append(spawned, &models.WorkItem{
			JobID:               job.JobID,
			ServiceID:           nextStep.ServiceID,
			WorkflowStepIndex:   nextStep.StepIndex,
			Status:              models.WorkItemStatusReady,
			StacCatalogLocation: result,
		})
	}
	if err := tx.CreateWorkItems(spawned); err != nil {
		return err
	}
	if err := tx.UpsertUserWork(job.JobID, nextStep.ServiceID, job.Username, len(spawned)); err != nil {
		return err
	}
	scheduled[nextStep.ServiceID] += len(spawned)
	return nil
}

func (p *Processor) handleFailure(tx interfaces.WorkTx, job *models.Job, item *models.WorkItem, update models.WorkItemUpdate) error {
	job.ErrorCount++
	job.Message = update.ErrorMessage

	if job.IgnoreErrors && job.ErrorCount < p.config.Jobs.MaxErrorsForJob {
		if job.Status == models.JobStatusRunning {
			job.Status = models.JobStatusRunningWithErrors
		}
		p.logger.Info().
			Str("job_id", job.JobID).
			Int64("work_item_id", item.ID).
			Int("error_count", job.ErrorCount).
			Msg("Work item failure tolerated")
		return nil
	}

	if _, err := job.Transition(models.JobEventFail); err != nil {
		// a paused job cannot fail right now; the item's failure still commits
		// and the error count and message stay recorded on the job
		p.logger.Warn().
			Str("job_id", job.JobID).
			Str("status", string(job.Status)).
			Int64("work_item_id", item.ID).
			Msg("Job-level fail transition not currently legal, outcome recorded")
		return nil
	}
	canceled, err := tx.CancelPendingItems(job.JobID)
	if err != nil {
		return err
	}
	if err := tx.DeleteUserWork(job.JobID); err != nil {
		return err
	}
	p.logger.Warn().
		Str("job_id", job.JobID).
		Int64("work_item_id", item.ID).
		Int("canceled_items", canceled).
		Str("error", update.ErrorMessage).
		Msg("Job failed")
	return nil
}

// recomputeProgress derives job progress from terminal item counts against
// the expected totals. Capped at 99 so only completion itself reports 100.
func (p *Processor) recomputeProgress(tx interfaces.WorkTx, job *models.Job, steps []*models.WorkflowStep) error {
	if job.IsTerminal() {
		return nil
	}
	totalExpected, totalRows := 0, 0
	for _, step := range steps {
		totalExpected += step.WorkItemCount
		rows, err := tx.CountItemsForStep(job.JobID, step.StepIndex)
		if err != nil {
			return err
		}
		totalRows += rows
	}
	if totalExpected <= 0 {
		return nil
	}
	nonTerminal, err := tx.CountNonTerminalItems(job.JobID)
	if err != nil {
		return err
	}
	completed := totalRows - nonTerminal
	progress := 100 * completed / totalExpected
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	job.Progress = progress
	return nil
}

// maybeCompleteJob marks the job terminal once the last step has produced its
// full complement of successful items and nothing anywhere is still pending.
func (p *Processor) maybeCompleteJob(tx interfaces.WorkTx, job *models.Job, steps []*models.WorkflowStep) error {
	if job.Status != models.JobStatusRunning && job.Status != models.JobStatusRunningWithErrors {
		return nil
	}
	lastStep := steps[len(steps)-1]
	successful, err := tx.CountItemsByStatus(job.JobID, lastStep.StepIndex, models.WorkItemStatusSuccessful)
	if err != nil {
		return err
	}
	warned, err := tx.CountItemsByStatus(job.JobID, lastStep.StepIndex, models.WorkItemStatusWarning)
	if err != nil {
		return err
	}
	if successful+warned < lastStep.WorkItemCount {
		return nil
	}
	nonTerminal, err := tx.CountNonTerminalItems(job.JobID)
	if err != nil {
		return err
	}
	if nonTerminal > 0 {
		return nil
	}
	if _, err := job.Transition(models.JobEventComplete); err != nil {
		return err
	}
	job.Progress = 100
	p.logger.Info().
		Str("job_id", job.JobID).
		Str("status", string(job.Status)).
		Msg("Job complete")
	return nil
}

func findStep(steps []*models.WorkflowStep, index int) *models.WorkflowStep {
	for _, s := range steps {
		if s.StepIndex == index {
			return s
		}
	}
	return nil
}

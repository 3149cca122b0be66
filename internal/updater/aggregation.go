package updater

import (
	"fmt"

	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/models"
)

// aggregateOutputs routes the outputs of one successful item into the
// aggregation step's batches. Assignment runs in (producerItemID, outputIndex)
// order over all unassigned rows, so batch composition is the same no matter
// which order upstream items finished in. A batch seals, and emits one READY
// item on the aggregation step, when its item or byte cap is hit, or when the
// upstream step has fully completed and a partial batch remains.
func (p *Processor) aggregateOutputs(tx interfaces.WorkTx, job *models.Job,
	step, aggStep *models.WorkflowStep, item *models.WorkItem,
	update models.WorkItemUpdate, scheduled map[string]int) error {

	inputs := make([]*models.BatchItem, 0, len(update.Results))
	for i, result := range update.Results {
		var size int64
		if i < len(update.OutputItemSizes) {
			size = update.OutputItemSizes[i]
		}
		inputs = append(inputs, &models.BatchItem{
			JobID:          job.JobID,
			StepIndex:      aggStep.StepIndex,
			ProducerItemID: item.ID,
			OutputIndex:    i,
			StacLocation:   result,
			ItemSize:       size,
		})
	}
	if err := tx.AddBatchItems(inputs); err != nil {
		return err
	}

	upstreamDone, err := stepFullyComplete(tx, job.JobID, step)
	if err != nil {
		return err
	}
	return p.assignBatches(tx, job, aggStep, upstreamDone, scheduled)
}

// assignBatches places unassigned inputs into the open batch, sealing and
// reopening as the caps are hit. Only the trailing partial batch survives a
// pass unsealed, and only until the upstream step completes.
func (p *Processor) assignBatches(tx interfaces.WorkTx, job *models.Job,
	aggStep *models.WorkflowStep, upstreamDone bool, scheduled map[string]int) error {

	unassigned, err := tx.UnassignedBatchItems(job.JobID, aggStep.StepIndex)
	if err != nil {
		return err
	}

	open, err := tx.GetOpenBatch(job.JobID, aggStep.StepIndex)
	if err != nil {
		if err != models.ErrNotFound {
			return err
		}
		open = nil
	}

	maxItems := aggStep.EffectiveBatchSize()
	maxBytes := aggStep.EffectiveMaxBatchSizeBytes()

	for _, input := range unassigned {
		if open != nil && open.ItemCount > 0 {
			overCount := maxItems > 0 && open.ItemCount+1 > maxItems
			overBytes := open.TotalSize+input.ItemSize > maxBytes
			if overCount || overBytes {
				if err := p.sealBatch(tx, job, aggStep, open, scheduled); err != nil {
					return err
				}
				open = nil
			}
		}
		if open == nil {
			total, err := tx.CountBatches(job.JobID, aggStep.StepIndex)
			if err != nil {
				return err
			}
			open = &models.Batch{
				JobID:       job.JobID,
				StepIndex:   aggStep.StepIndex,
				BatchNumber: total + 1,
			}
			if err := tx.CreateBatch(open); err != nil {
				return err
			}
		}

		if err := tx.AssignBatchItem(input.ID, open.BatchNumber); err != nil {
			return err
		}
		open.ItemCount++
		open.TotalSize += input.ItemSize
		if err := tx.UpdateBatch(open); err != nil {
			return err
		}

		if maxItems > 0 && open.ItemCount >= maxItems {
			if err := p.sealBatch(tx, job, aggStep, open, scheduled); err != nil {
				return err
			}
			open = nil
		}
	}

	if upstreamDone && open != nil && open.ItemCount > 0 {
		if err := p.sealBatch(tx, job, aggStep, open, scheduled); err != nil {
			return err
		}
	}

	return p.reviseAggStepCount(tx, job, aggStep, upstreamDone)
}

// sealBatch closes a batch and creates the READY item that will process it.
// The item's catalog location is a batch URI; workers resolve the member list
// through the work API.
func (p *Processor) sealBatch(tx interfaces.WorkTx, job *models.Job,
	aggStep *models.WorkflowStep, batch *models.Batch, scheduled map[string]int) error {

	batch.IsSealed = true
	if err := tx.UpdateBatch(batch); err != nil {
		return err
	}

	aggItem := &models.WorkItem{
		JobID:               job.JobID,
		ServiceID:           aggStep.ServiceID,
		WorkflowStepIndex:   aggStep.StepIndex,
		Status:              models.WorkItemStatusReady,
		StacCatalogLocation: BatchCatalogURI(job.JobID, aggStep.StepIndex, batch.BatchNumber),
	}
	if err := tx.CreateWorkItems([]*models.WorkItem{aggItem}); err != nil {
		return err
	}
	if err := tx.UpsertUserWork(job.JobID, aggStep.ServiceID, job.Username, 1); err != nil {
		return err
	}
	scheduled[aggStep.ServiceID]++

	p.logger.Debug().
		Str("job_id", job.JobID).
		Int("step_index", aggStep.StepIndex).
		Int("batch_number", batch.BatchNumber).
		Int("item_count", batch.ItemCount).
		Int64("total_size", batch.TotalSize).
		Msg("Aggregation batch sealed")
	return nil
}

// reviseAggStepCount keeps the aggregation step's expected item count honest.
// While upstream runs, the count only grows to match sealed batches; once
// upstream completes, the batch total is exact and replaces the estimate.
func (p *Processor) reviseAggStepCount(tx interfaces.WorkTx, job *models.Job,
	aggStep *models.WorkflowStep, upstreamDone bool) error {

	batches, err := tx.CountBatches(job.JobID, aggStep.StepIndex)
	if err != nil {
		return err
	}
	if upstreamDone {
		if batches != aggStep.WorkItemCount {
			aggStep.WorkItemCount = batches
			return tx.UpdateStepWorkItemCount(job.JobID, aggStep.StepIndex, batches)
		}
		return nil
	}
	if batches > aggStep.WorkItemCount {
		aggStep.WorkItemCount = batches
		return tx.UpdateStepWorkItemCount(job.JobID, aggStep.StepIndex, batches)
	}
	return nil
}

// stepFullyComplete reports whether every item of a step is terminal. A
// pending discovery continuation counts as non-terminal on its step, so
// pagination naturally holds the trailing batch open.
func stepFullyComplete(tx interfaces.WorkTx, jobID string, step *models.WorkflowStep) (bool, error) {
	total, err := tx.CountItemsForStep(jobID, step.StepIndex)
	if err != nil {
		return false, err
	}
	terminal := 0
	for _, status := range []models.WorkItemStatus{
		models.WorkItemStatusSuccessful,
		models.WorkItemStatusFailed,
		models.WorkItemStatusCanceled,
		models.WorkItemStatusWarning,
	} {
		n, err := tx.CountItemsByStatus(jobID, step.StepIndex, status)
		if err != nil {
			return false, err
		}
		terminal += n
	}
	return total > 0 && terminal == total, nil
}

// BatchCatalogURI names the synthetic catalog for one sealed batch
func BatchCatalogURI(jobID string, stepIndex, batchNumber int) string {
	return fmt.Sprintf("batch://%s/%d/%d", jobID, stepIndex, batchNumber)
}

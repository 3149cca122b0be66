package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/metrics"
	"github.com/ternarybob/stratus/internal/models"
)

// selectFairly pulls up to batchSize READY items for one service, spread
// across jobs. Candidate jobs come back ordered by last_worked then
// running_count; a Fisher-Yates shuffle then stops the tail jobs from always
// losing the last slots. Each job gets ceil(remaining/remainingJobs) of the
// budget, recomputed after every job so unused share flows to the rest.
//
// Items flip to next: QUEUED when they are headed for a service queue,
// RUNNING when handed straight to a worker. The flip and the counter updates
// commit in one transaction, so two scheduler replicas cannot hand out the
// same item.
func (s *Scheduler) selectFairly(ctx context.Context, serviceID string, batchSize int, next models.WorkItemStatus) ([]*models.WorkItem, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	if s.config.Scheduler.SelectorBatchSize > 0 && batchSize > s.config.Scheduler.SelectorBatchSize {
		batchSize = s.config.Scheduler.SelectorBatchSize
	}

	start := time.Now()
	defer func() {
		metrics.FairSelectDuration.WithLabelValues(serviceID).Observe(time.Since(start).Seconds())
	}()

	var selected []*models.WorkItem
	err := s.storage.WithTx(ctx, func(tx interfaces.WorkTx) error {
		jobIDs, err := tx.CandidateJobs(serviceID, batchSize)
		if err != nil {
			return err
		}
		if len(jobIDs) == 0 {
			return nil
		}

		shuffle(jobIDs)

		now := time.Now().UTC()
		remaining := batchSize
		for i, jobID := range jobIDs {
			if remaining <= 0 {
				break
			}
			remainingJobs := len(jobIDs) - i
			share := (remaining + remainingJobs - 1) / remainingJobs

			items, err := tx.SelectReadyItems(jobID, serviceID, share)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				// counter drift: ready_count said yes but no rows exist
				s.logger.Warn().
					Str("job_id", jobID).
					Str("service_id", serviceID).
					Msg("UserWork counter drift detected, reconciling")
				if err := tx.RecalculateUserWork(jobID, serviceID); err != nil {
					return err
				}
				continue
			}

			ids := make([]int64, len(items))
			for j, item := range items {
				ids[j] = item.ID
				item.Status = next
				if next == models.WorkItemStatusRunning {
					item.StartedAt = &now
				}
			}
			// a queued item occupies neither counter slot; it becomes running
			// when a worker collects it
			if next == models.WorkItemStatusRunning {
				if err := tx.MarkItemsRunning(ids, now); err != nil {
					return err
				}
				if err := tx.AdjustUserWork(jobID, serviceID, -len(items), len(items)); err != nil {
					return err
				}
			} else {
				if err := tx.MarkItemsQueued(ids); err != nil {
					return err
				}
				if err := tx.AdjustUserWork(jobID, serviceID, -len(items), 0); err != nil {
					return err
				}
			}
			if err := tx.SetLastWorked(jobID, serviceID, now); err != nil {
				return err
			}

			selected = append(selected, items...)
			remaining -= len(items)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return selected, nil
}

// SelectOne hands out a single item for a service, used when workers poll the
// database directly instead of going through service queues.
func (s *Scheduler) SelectOne(ctx context.Context, serviceID string) (*models.WorkItem, error) {
	items, err := s.selectFairly(ctx, serviceID, 1, models.WorkItemStatusRunning)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// shuffle is an in-place Fisher-Yates shuffle
func shuffle(ids []string) {
	for i := len(ids) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}
}

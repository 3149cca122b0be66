package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/models"
)

// busyRetries bounds transaction retries on lock contention
const busyRetries = 3

// Store implements interfaces.Storage on SQLite. All multi-row state
// transitions run inside WithTx so user_work counters stay exact at commit
// boundaries.
type Store struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewStore creates the storage layer
func NewStore(db *SQLiteDB, logger arbor.ILogger) *Store {
	return &Store{db: db, logger: logger}
}

// WithTx runs fn inside one immediate transaction, retrying a bounded number
// of times on lock contention.
func (s *Store) WithTx(ctx context.Context, fn func(tx interfaces.WorkTx) error) error {
	var lastErr error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		lastErr = err
		s.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("Transaction retry on lock contention")
	}
	return fmt.Errorf("transaction failed after %d retries: %w", busyRetries, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx interfaces.WorkTx) error) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	wt := &workTx{tx: tx}
	if err := fn(wt); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// CreateJob persists the job, its steps, the first step's initial work item
// and the matching user_work row in one transaction.
func (s *Store) CreateJob(ctx context.Context, job *models.Job, steps []*models.WorkflowStep, firstItem *models.WorkItem) error {
	return s.WithTx(ctx, func(tx interfaces.WorkTx) error {
		wt := tx.(*workTx)
		if err := wt.insertJob(job); err != nil {
			return err
		}
		for _, step := range steps {
			if err := wt.insertStep(step); err != nil {
				return err
			}
		}
		if firstItem != nil {
			if err := tx.CreateWorkItems([]*models.WorkItem{firstItem}); err != nil {
				return err
			}
			if err := tx.UpsertUserWork(job.JobID, firstItem.ServiceID, job.Username, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetJob loads a job with its links
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job *models.Job
	err := s.WithTx(ctx, func(tx interfaces.WorkTx) error {
		j, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		links, err := tx.GetJobLinks(jobID)
		if err != nil {
			return err
		}
		j.Links = links
		job = j
		return nil
	})
	return job, err
}

// ListJobs returns jobs, optionally filtered by username, newest first
func (s *Store) ListJobs(ctx context.Context, username string, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT job_id, username, status, COALESCE(message,''), progress, num_input_granules,
		is_async, ignore_errors, error_count, COALESCE(request,''), created_at, updated_at
		FROM jobs`
	args := []any{}
	if username != "" {
		query += " WHERE username = ?"
		args = append(args, username)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// StalledCandidates returns RUNNING items older than the given age whose jobs
// are still actively running.
func (s *Store) StalledCandidates(ctx context.Context, olderThan time.Duration) ([]*models.WorkItem, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT w.id, w.job_id, w.service_id, w.workflow_step_index, w.status,
			COALESCE(w.stac_catalog_location,''), COALESCE(w.scroll_id,''), COALESCE(w.error_message,''),
			w.total_items_size, w.started_at, w.created_at, w.updated_at
		FROM work_items w
		JOIN jobs j ON j.job_id = w.job_id
		WHERE w.status = ? AND w.started_at IS NOT NULL AND w.started_at < ?
			AND j.status IN (?, ?)
		ORDER BY w.job_id, w.id`,
		string(models.WorkItemStatusRunning), cutoff,
		string(models.JobStatusRunning), string(models.JobStatusRunningWithErrors))
	if err != nil {
		return nil, fmt.Errorf("stalled candidates: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// SuccessfulDurations returns recent RUNNING durations of successful items for
// one (job, service, step) tuple, newest first.
func (s *Store) SuccessfulDurations(ctx context.Context, jobID, serviceID string, stepIndex, limit int) ([]time.Duration, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT updated_at - started_at FROM work_items
		WHERE job_id = ? AND service_id = ? AND workflow_step_index = ?
			AND status = ? AND started_at IS NOT NULL
		ORDER BY updated_at DESC LIMIT ?`,
		jobID, serviceID, stepIndex, string(models.WorkItemStatusSuccessful), limit)
	if err != nil {
		return nil, fmt.Errorf("successful durations: %w", err)
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		if ms > 0 {
			out = append(out, time.Duration(ms)*time.Millisecond)
		}
	}
	return out, rows.Err()
}

// ReapableJobIDs returns terminal jobs idle for at least olderThan that still
// have work items or steps to delete.
func (s *Store) ReapableJobIDs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT j.job_id FROM jobs j
		WHERE j.status IN (?, ?, ?, ?) AND j.updated_at < ?
			AND (EXISTS (SELECT 1 FROM work_items w WHERE w.job_id = j.job_id)
				OR EXISTS (SELECT 1 FROM workflow_steps s WHERE s.job_id = j.job_id))
		ORDER BY j.updated_at ASC LIMIT ?`,
		string(models.JobStatusSuccessful), string(models.JobStatusFailed),
		string(models.JobStatusCanceled), string(models.JobStatusCompleteWithErrors),
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("reapable jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteWorkItemBatch deletes up to batchSize work items of a job by
// ascending id, bounding transaction size. Returns rows deleted.
func (s *Store) DeleteWorkItemBatch(ctx context.Context, jobID string, batchSize int) (int, error) {
	return s.deleteBatch(ctx, "work_items", jobID, batchSize)
}

// DeleteWorkflowStepBatch deletes up to batchSize workflow steps of a job by
// ascending id. Returns rows deleted.
func (s *Store) DeleteWorkflowStepBatch(ctx context.Context, jobID string, batchSize int) (int, error) {
	return s.deleteBatch(ctx, "workflow_steps", jobID, batchSize)
}

func (s *Store) deleteBatch(ctx context.Context, table, jobID string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 2000
	}
	res, err := s.db.DB().ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE job_id = ? ORDER BY id ASC LIMIT ?)`, table, table),
		jobID, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete batch from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteBatchRows removes a job's aggregation bookkeeping
func (s *Store) DeleteBatchRows(ctx context.Context, jobID string) error {
	if _, err := s.db.DB().ExecContext(ctx, "DELETE FROM batch_items WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("delete batch items: %w", err)
	}
	if _, err := s.db.DB().ExecContext(ctx, "DELETE FROM batches WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("delete batches: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

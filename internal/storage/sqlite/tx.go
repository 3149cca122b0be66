package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/stratus/internal/models"
)

// workTx implements interfaces.WorkTx over one open transaction
type workTx struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func unixMilliToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var isAsync, ignoreErrors int
	var createdAt, updatedAt int64
	err := row.Scan(&job.JobID, &job.Username, &job.Status, &job.Message, &job.Progress,
		&job.NumInputGranules, &isAsync, &ignoreErrors, &job.ErrorCount, &job.Request,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.IsAsync = isAsync != 0
	job.IgnoreErrors = ignoreErrors != 0
	job.CreatedAt = unixMilliToTime(createdAt)
	job.UpdatedAt = unixMilliToTime(updatedAt)
	return &job, nil
}

const jobColumns = `job_id, username, status, COALESCE(message,''), progress, num_input_granules,
	is_async, ignore_errors, error_count, COALESCE(request,''), created_at, updated_at`

func (t *workTx) GetJob(jobID string) (*models.Job, error) {
	row := t.tx.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", jobID)
	return scanJob(row)
}

func (t *workTx) insertJob(job *models.Job) error {
	_, err := t.tx.Exec(`
		INSERT INTO jobs (job_id, username, status, message, progress, num_input_granules,
			is_async, ignore_errors, error_count, request, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Username, string(job.Status), job.Message, job.Progress,
		job.NumInputGranules, boolToInt(job.IsAsync), boolToInt(job.IgnoreErrors),
		job.ErrorCount, job.Request, job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (t *workTx) UpdateJob(job *models.Job) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := t.tx.Exec(`
		UPDATE jobs SET status = ?, message = ?, progress = ?, error_count = ?, updated_at = ?
		WHERE job_id = ?`,
		string(job.Status), job.Message, job.Progress, job.ErrorCount,
		job.UpdatedAt.UnixMilli(), job.JobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t *workTx) AddJobLinks(jobID string, links []models.JobLink) error {
	for _, link := range links {
		var bbox, temporal any
		if len(link.BBox) > 0 {
			data, err := json.Marshal(link.BBox)
			if err != nil {
				return fmt.Errorf("marshal bbox: %w", err)
			}
			bbox = string(data)
		}
		if link.Temporal != nil {
			data, err := json.Marshal(link.Temporal)
			if err != nil {
				return fmt.Errorf("marshal temporal: %w", err)
			}
			temporal = string(data)
		}
		_, err := t.tx.Exec(`
			INSERT INTO job_links (job_id, href, rel, type, title, bbox, temporal, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, link.Href, link.Rel, link.Type, link.Title, bbox, temporal,
			time.Now().UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert job link: %w", err)
		}
	}
	return nil
}

func (t *workTx) GetJobLinks(jobID string) ([]models.JobLink, error) {
	rows, err := t.tx.Query(`
		SELECT id, job_id, href, rel, COALESCE(type,''), COALESCE(title,''),
			COALESCE(bbox,''), COALESCE(temporal,''), created_at
		FROM job_links WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job links: %w", err)
	}
	defer rows.Close()

	var links []models.JobLink
	for rows.Next() {
		var link models.JobLink
		var bbox, temporal string
		var createdAt int64
		if err := rows.Scan(&link.ID, &link.JobID, &link.Href, &link.Rel, &link.Type,
			&link.Title, &bbox, &temporal, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job link: %w", err)
		}
		if bbox != "" {
			if err := json.Unmarshal([]byte(bbox), &link.BBox); err != nil {
				return nil, fmt.Errorf("unmarshal bbox: %w", err)
			}
		}
		if temporal != "" {
			link.Temporal = &models.Temporal{}
			if err := json.Unmarshal([]byte(temporal), link.Temporal); err != nil {
				return nil, fmt.Errorf("unmarshal temporal: %w", err)
			}
		}
		link.CreatedAt = unixMilliToTime(createdAt)
		links = append(links, link)
	}
	return links, rows.Err()
}

const stepColumns = `id, job_id, step_index, service_id, operation, work_item_count,
	has_aggregated_output, batch_size, max_batch_size_bytes, is_sequential, created_at, updated_at`

func scanStep(row scanner) (*models.WorkflowStep, error) {
	var step models.WorkflowStep
	var agg, seq int
	var createdAt, updatedAt int64
	err := row.Scan(&step.ID, &step.JobID, &step.StepIndex, &step.ServiceID, &step.Operation,
		&step.WorkItemCount, &agg, &step.BatchSize, &step.MaxBatchSizeBytes, &seq,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	step.HasAggregatedOutput = agg != 0
	step.IsSequential = seq != 0
	step.CreatedAt = unixMilliToTime(createdAt)
	step.UpdatedAt = unixMilliToTime(updatedAt)
	return &step, nil
}

func (t *workTx) GetSteps(jobID string) ([]*models.WorkflowStep, error) {
	rows, err := t.tx.Query("SELECT "+stepColumns+" FROM workflow_steps WHERE job_id = ? ORDER BY step_index ASC", jobID)
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (t *workTx) GetStep(jobID string, stepIndex int) (*models.WorkflowStep, error) {
	row := t.tx.QueryRow("SELECT "+stepColumns+" FROM workflow_steps WHERE job_id = ? AND step_index = ?", jobID, stepIndex)
	return scanStep(row)
}

func (t *workTx) insertStep(step *models.WorkflowStep) error {
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = now
	res, err := t.tx.Exec(`
		INSERT INTO workflow_steps (job_id, step_index, service_id, operation, work_item_count,
			has_aggregated_output, batch_size, max_batch_size_bytes, is_sequential, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.JobID, step.StepIndex, step.ServiceID, step.Operation, step.WorkItemCount,
		boolToInt(step.HasAggregatedOutput), step.BatchSize, step.MaxBatchSizeBytes,
		boolToInt(step.IsSequential), step.CreatedAt.UnixMilli(), step.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		step.ID = id
	}
	return nil
}

func (t *workTx) UpdateStepWorkItemCount(jobID string, stepIndex, count int) error {
	_, err := t.tx.Exec(`
		UPDATE workflow_steps SET work_item_count = ?, updated_at = ?
		WHERE job_id = ? AND step_index = ?`,
		count, time.Now().UTC().UnixMilli(), jobID, stepIndex)
	if err != nil {
		return fmt.Errorf("update step work item count: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

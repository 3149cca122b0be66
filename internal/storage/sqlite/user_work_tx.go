package sqlite

import (
	"fmt"
	"time"

	"github.com/ternarybob/stratus/internal/models"
)

// CandidateJobs returns up to limit distinct job IDs with ready work for a
// service, ordered by last_worked then running_count so long-idle, lightly
// loaded jobs come first. Paused jobs are excluded here rather than in the
// selector loop.
func (t *workTx) CandidateJobs(serviceID string, limit int) ([]string, error) {
	rows, err := t.tx.Query(`
		SELECT u.job_id FROM user_work u
		JOIN jobs j ON j.job_id = u.job_id
		WHERE u.service_id = ? AND u.ready_count > 0 AND j.status != ?
		ORDER BY u.last_worked ASC, u.running_count ASC
		LIMIT ?`,
		serviceID, string(models.JobStatusPaused), limit)
	if err != nil {
		return nil, fmt.Errorf("candidate jobs: %w", err)
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

// AdjustUserWork applies deltas to the counters, clamping at zero. Clamping
// covers double-delivered updates whose decrement already happened.
func (t *workTx) AdjustUserWork(jobID, serviceID string, readyDelta, runningDelta int) error {
	_, err := t.tx.Exec(`
		UPDATE user_work
		SET ready_count = MAX(0, ready_count + ?), running_count = MAX(0, running_count + ?)
		WHERE job_id = ? AND service_id = ?`,
		readyDelta, runningDelta, jobID, serviceID)
	if err != nil {
		return fmt.Errorf("adjust user work: %w", err)
	}
	return nil
}

// UpsertUserWork creates the (job, service) row if needed and adds readyDelta
// to its ready count.
func (t *workTx) UpsertUserWork(jobID, serviceID, username string, readyDelta int) error {
	_, err := t.tx.Exec(`
		INSERT INTO user_work (job_id, service_id, username, ready_count, running_count, last_worked)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(job_id, service_id)
		DO UPDATE SET ready_count = MAX(0, ready_count + ?)`,
		jobID, serviceID, username, maxInt(0, readyDelta), time.Now().UTC().UnixMilli(), readyDelta)
	if err != nil {
		return fmt.Errorf("upsert user work: %w", err)
	}
	return nil
}

func (t *workTx) SetLastWorked(jobID, serviceID string, at time.Time) error {
	_, err := t.tx.Exec(`
		UPDATE user_work SET last_worked = ? WHERE job_id = ? AND service_id = ?`,
		at.UnixMilli(), jobID, serviceID)
	if err != nil {
		return fmt.Errorf("set last worked: %w", err)
	}
	return nil
}

// DeleteUserWork removes all counter rows for a job, used when the job
// reaches a terminal state.
func (t *workTx) DeleteUserWork(jobID string) error {
	_, err := t.tx.Exec("DELETE FROM user_work WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("delete user work: %w", err)
	}
	return nil
}

// RecalculateUserWork rewrites the counters for one (job, service) tuple from
// the actual work item rows. Called when the selector observes counter drift.
func (t *workTx) RecalculateUserWork(jobID, serviceID string) error {
	var ready, running int
	err := t.tx.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM work_items WHERE job_id = ? AND service_id = ?`,
		string(models.WorkItemStatusReady), string(models.WorkItemStatusRunning),
		jobID, serviceID).Scan(&ready, &running)
	if err != nil {
		return fmt.Errorf("recalculate user work counts: %w", err)
	}
	_, err = t.tx.Exec(`
		UPDATE user_work SET ready_count = ?, running_count = ?
		WHERE job_id = ? AND service_id = ?`,
		ready, running, jobID, serviceID)
	if err != nil {
		return fmt.Errorf("rewrite user work counts: %w", err)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/stratus/internal/models"
)

const itemColumns = `id, job_id, service_id, workflow_step_index, status,
	COALESCE(stac_catalog_location,''), COALESCE(scroll_id,''), COALESCE(error_message,''),
	total_items_size, started_at, created_at, updated_at`

func scanWorkItem(row scanner) (*models.WorkItem, error) {
	var item models.WorkItem
	var startedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&item.ID, &item.JobID, &item.ServiceID, &item.WorkflowStepIndex,
		&item.Status, &item.StacCatalogLocation, &item.ScrollID, &item.ErrorMessage,
		&item.TotalItemsSize, &startedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan work item: %w", err)
	}
	if startedAt.Valid {
		at := unixMilliToTime(startedAt.Int64)
		item.StartedAt = &at
	}
	item.CreatedAt = unixMilliToTime(createdAt)
	item.UpdatedAt = unixMilliToTime(updatedAt)
	return &item, nil
}

func scanWorkItems(rows *sql.Rows) ([]*models.WorkItem, error) {
	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *workTx) GetWorkItem(id int64) (*models.WorkItem, error) {
	row := t.tx.QueryRow("SELECT "+itemColumns+" FROM work_items WHERE id = ?", id)
	return scanWorkItem(row)
}

func (t *workTx) CreateWorkItems(items []*models.WorkItem) error {
	now := time.Now().UTC()
	for _, item := range items {
		if item.Status == "" {
			item.Status = models.WorkItemStatusReady
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now

		var startedAt any
		if item.StartedAt != nil {
			startedAt = item.StartedAt.UnixMilli()
		}
		res, err := t.tx.Exec(`
			INSERT INTO work_items (job_id, service_id, workflow_step_index, status,
				stac_catalog_location, scroll_id, error_message, total_items_size,
				started_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.JobID, item.ServiceID, item.WorkflowStepIndex, string(item.Status),
			item.StacCatalogLocation, item.ScrollID, item.ErrorMessage, item.TotalItemsSize,
			startedAt, item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert work item: %w", err)
		}
		id, err := res.LastInsertId()
		if err == nil {
			item.ID = id
		}
	}
	return nil
}

func (t *workTx) UpdateWorkItem(item *models.WorkItem) error {
	item.UpdatedAt = time.Now().UTC()
	var startedAt any
	if item.StartedAt != nil {
		startedAt = item.StartedAt.UnixMilli()
	}
	res, err := t.tx.Exec(`
		UPDATE work_items SET status = ?, error_message = ?, scroll_id = ?,
			total_items_size = ?, started_at = ?, updated_at = ?
		WHERE id = ?`,
		string(item.Status), item.ErrorMessage, item.ScrollID, item.TotalItemsSize,
		startedAt, item.UpdatedAt.UnixMilli(), item.ID)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SelectReadyItems returns up to limit READY items of a job for a service by
// ascending id. Callers flip them to QUEUED or RUNNING inside the same
// transaction, which is what keeps two schedulers from handing out the same
// item.
func (t *workTx) SelectReadyItems(jobID, serviceID string, limit int) ([]*models.WorkItem, error) {
	rows, err := t.tx.Query("SELECT "+itemColumns+` FROM work_items
		WHERE job_id = ? AND service_id = ? AND status = ?
		ORDER BY id ASC LIMIT ?`,
		jobID, serviceID, string(models.WorkItemStatusReady), limit)
	if err != nil {
		return nil, fmt.Errorf("select ready items: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// MarkItemsQueued flips dispatched items to QUEUED. They stay there until a
// worker collects the queue message and the item starts running.
func (t *workTx) MarkItemsQueued(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(models.WorkItemStatusQueued), time.Now().UTC().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := t.tx.Exec(fmt.Sprintf(`
		UPDATE work_items SET status = ?, updated_at = ?
		WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("mark items queued: %w", err)
	}
	return nil
}

func (t *workTx) MarkItemsRunning(ids []int64, startedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+3)
	args = append(args, string(models.WorkItemStatusRunning), startedAt.UnixMilli(), startedAt.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := t.tx.Exec(fmt.Sprintf(`
		UPDATE work_items SET status = ?, started_at = ?, updated_at = ?
		WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("mark items running: %w", err)
	}
	return nil
}

// CancelPendingItems moves every non-terminal item of a job to CANCELED.
// Returns the number of items canceled.
func (t *workTx) CancelPendingItems(jobID string) (int, error) {
	res, err := t.tx.Exec(`
		UPDATE work_items SET status = ?, updated_at = ?
		WHERE job_id = ? AND status IN (?, ?, ?)`,
		string(models.WorkItemStatusCanceled), time.Now().UTC().UnixMilli(), jobID,
		string(models.WorkItemStatusReady), string(models.WorkItemStatusQueued),
		string(models.WorkItemStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("cancel pending items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *workTx) CountItemsByStatus(jobID string, stepIndex int, status models.WorkItemStatus) (int, error) {
	var count int
	err := t.tx.QueryRow(`
		SELECT COUNT(*) FROM work_items
		WHERE job_id = ? AND workflow_step_index = ? AND status = ?`,
		jobID, stepIndex, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count items by status: %w", err)
	}
	return count, nil
}

func (t *workTx) CountItemsForStep(jobID string, stepIndex int) (int, error) {
	var count int
	err := t.tx.QueryRow(`
		SELECT COUNT(*) FROM work_items WHERE job_id = ? AND workflow_step_index = ?`,
		jobID, stepIndex).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count items for step: %w", err)
	}
	return count, nil
}

func (t *workTx) CountNonTerminalItems(jobID string) (int, error) {
	var count int
	err := t.tx.QueryRow(`
		SELECT COUNT(*) FROM work_items
		WHERE job_id = ? AND status IN (?, ?, ?)`,
		jobID, string(models.WorkItemStatusReady), string(models.WorkItemStatusQueued),
		string(models.WorkItemStatusRunning)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count non-terminal items: %w", err)
	}
	return count, nil
}

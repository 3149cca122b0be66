package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ternarybob/stratus/internal/models"
)

func (t *workTx) AddBatchItems(items []*models.BatchItem) error {
	for _, item := range items {
		// the unique key makes redelivered updates a no-op
		res, err := t.tx.Exec(`
			INSERT OR IGNORE INTO batch_items
				(job_id, step_index, producer_item_id, output_index, stac_location, item_size)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.JobID, item.StepIndex, item.ProducerItemID, item.OutputIndex,
			item.StacLocation, item.ItemSize)
		if err != nil {
			return fmt.Errorf("insert batch item: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			item.ID = id
		}
	}
	return nil
}

// UnassignedBatchItems returns items not yet placed in a batch, in
// (producer_item_id, output_index) order.
func (t *workTx) UnassignedBatchItems(jobID string, stepIndex int) ([]*models.BatchItem, error) {
	rows, err := t.tx.Query(`
		SELECT id, job_id, step_index, batch_number, producer_item_id, output_index, stac_location, item_size
		FROM batch_items
		WHERE job_id = ? AND step_index = ? AND batch_number IS NULL
		ORDER BY producer_item_id ASC, output_index ASC`, jobID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("unassigned batch items: %w", err)
	}
	defer rows.Close()
	return scanBatchItems(rows)
}

func scanBatchItems(rows *sql.Rows) ([]*models.BatchItem, error) {
	var items []*models.BatchItem
	for rows.Next() {
		var item models.BatchItem
		var batchNumber sql.NullInt64
		if err := rows.Scan(&item.ID, &item.JobID, &item.StepIndex, &batchNumber,
			&item.ProducerItemID, &item.OutputIndex, &item.StacLocation, &item.ItemSize); err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		if batchNumber.Valid {
			n := int(batchNumber.Int64)
			item.BatchNumber = &n
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func scanBatch(row scanner) (*models.Batch, error) {
	var batch models.Batch
	var sealed int
	err := row.Scan(&batch.ID, &batch.JobID, &batch.StepIndex, &batch.BatchNumber,
		&sealed, &batch.ItemCount, &batch.TotalSize)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	batch.IsSealed = sealed != 0
	return &batch, nil
}

// GetOpenBatch returns the one unsealed batch of a step, or ErrNotFound
func (t *workTx) GetOpenBatch(jobID string, stepIndex int) (*models.Batch, error) {
	row := t.tx.QueryRow(`
		SELECT id, job_id, step_index, batch_number, is_sealed, item_count, total_size
		FROM batches
		WHERE job_id = ? AND step_index = ? AND is_sealed = 0
		ORDER BY batch_number DESC LIMIT 1`, jobID, stepIndex)
	return scanBatch(row)
}

func (t *workTx) CreateBatch(batch *models.Batch) error {
	res, err := t.tx.Exec(`
		INSERT INTO batches (job_id, step_index, batch_number, is_sealed, item_count, total_size)
		VALUES (?, ?, ?, ?, ?, ?)`,
		batch.JobID, batch.StepIndex, batch.BatchNumber, boolToInt(batch.IsSealed),
		batch.ItemCount, batch.TotalSize)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		batch.ID = id
	}
	return nil
}

func (t *workTx) UpdateBatch(batch *models.Batch) error {
	_, err := t.tx.Exec(`
		UPDATE batches SET is_sealed = ?, item_count = ?, total_size = ? WHERE id = ?`,
		boolToInt(batch.IsSealed), batch.ItemCount, batch.TotalSize, batch.ID)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	return nil
}

func (t *workTx) AssignBatchItem(itemID int64, batchNumber int) error {
	_, err := t.tx.Exec("UPDATE batch_items SET batch_number = ? WHERE id = ?", batchNumber, itemID)
	if err != nil {
		return fmt.Errorf("assign batch item: %w", err)
	}
	return nil
}

// BatchMembers returns the items of one sealed or open batch in assignment
// order.
func (t *workTx) BatchMembers(jobID string, stepIndex, batchNumber int) ([]*models.BatchItem, error) {
	rows, err := t.tx.Query(`
		SELECT id, job_id, step_index, batch_number, producer_item_id, output_index, stac_location, item_size
		FROM batch_items
		WHERE job_id = ? AND step_index = ? AND batch_number = ?
		ORDER BY producer_item_id ASC, output_index ASC`, jobID, stepIndex, batchNumber)
	if err != nil {
		return nil, fmt.Errorf("batch members: %w", err)
	}
	defer rows.Close()
	return scanBatchItems(rows)
}

func (t *workTx) CountBatches(jobID string, stepIndex int) (int, error) {
	var count int
	err := t.tx.QueryRow(`
		SELECT COUNT(*) FROM batches WHERE job_id = ? AND step_index = ?`,
		jobID, stepIndex).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return count, nil
}

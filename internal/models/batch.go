package models

// Batch is one aggregation batch being assembled for a step with
// hasAggregatedOutput. A batch is open until it is sealed; sealing emits a
// single READY work item on the aggregation step whose input catalog lists
// the batch's members.
type Batch struct {
	ID          int64  `json:"id"`
	JobID       string `json:"jobID"`
	StepIndex   int    `json:"stepIndex"`
	BatchNumber int    `json:"batchNumber"`
	IsSealed    bool   `json:"isSealed"`
	ItemCount   int    `json:"itemCount"`
	TotalSize   int64  `json:"totalSize"`
}

// BatchItem is one output destined for an aggregation step. Items are
// assigned to batches in (ProducerItemID, OutputIndex) order so that batch
// composition does not depend on upstream completion order.
type BatchItem struct {
	ID             int64  `json:"id"`
	JobID          string `json:"jobID"`
	StepIndex      int    `json:"stepIndex"`
	BatchNumber    *int   `json:"batchNumber,omitempty"`
	ProducerItemID int64  `json:"producerItemID"`
	OutputIndex    int    `json:"outputIndex"`
	StacLocation   string `json:"stacLocation"`
	ItemSize       int64  `json:"itemSize"`
}

package updater

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/stratus/internal/models"
)

// Consumer drains the work-item update queue and feeds the processor. It
// exists so update ingestion can run decoupled from the HTTP handlers; PUT
// /work enqueues, this loop commits.
type Consumer struct {
	processor *Processor

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewConsumer creates an update-queue consumer over the given processor
func NewConsumer(processor *Processor) *Consumer {
	return &Consumer{
		processor: processor,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the consume loop until Stop is called
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)
		c.processor.logger.Info().Msg("Update consumer started")
		for {
			select {
			case <-c.stopCh:
				c.processor.logger.Info().Msg("Update consumer stopped")
				return
			case <-ctx.Done():
				return
			default:
			}
			if err := c.ConsumeOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.processor.logger.Error().Err(err).Msg("Update batch failed")
				select {
				case <-time.After(time.Second):
				case <-c.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight batch to finish
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// ConsumeOnce receives one batch of updates, processes it and deletes the
// handled messages. Messages whose processing hit a transient error stay on
// the queue for redelivery.
func (c *Consumer) ConsumeOnce(ctx context.Context) error {
	batchSize := c.processor.config.Scheduler.LargeUpdateMaxBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	queue := c.processor.queues.UpdateQueue()

	msgs, err := queue.GetMessages(ctx, batchSize, c.processor.config.LongPollWait())
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	updates := make([]models.UpdateMessage, 0, len(msgs))
	receipts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		decoded, err := models.DecodeUpdateMessage(msg.Body)
		if err != nil {
			// malformed payload, drop it rather than loop on redelivery
			c.processor.logger.Warn().Err(err).Msg("Undecodable update message dropped")
			receipts = append(receipts, msg.Receipt)
			continue
		}
		updates = append(updates, decoded)
		receipts = append(receipts, msg.Receipt)
	}

	if err := c.processor.ProcessBatch(ctx, updates); err != nil {
		return err
	}
	return queue.DeleteMessages(ctx, receipts)
}

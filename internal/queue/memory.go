package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/stratus/internal/interfaces"
)

// memoryMessage is one queued message with its delivery state
type memoryMessage struct {
	receipt    string
	body       string
	groupKey   string
	invisible  time.Time // zero when the message is available
	receives   int
}

// MemoryQueue is an in-process MessageQueue used for tests and single-node
// runs. Delivery is at-least-once: received messages become invisible for the
// visibility timeout and are redelivered if not deleted in time.
type MemoryQueue struct {
	mu         sync.Mutex
	messages   []*memoryMessage
	visibility time.Duration
	maxReceive int
	seq        int64
}

// NewMemoryQueue creates an in-memory queue with the given visibility timeout
func NewMemoryQueue(visibility time.Duration, maxReceive int) *MemoryQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 5
	}
	return &MemoryQueue{
		visibility: visibility,
		maxReceive: maxReceive,
	}
}

func (q *MemoryQueue) SendMessage(ctx context.Context, body, groupKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.messages = append(q.messages, &memoryMessage{
		receipt:  fmt.Sprintf("mem-%d", q.seq),
		body:     body,
		groupKey: groupKey,
	})
	return nil
}

// GetMessages returns up to maxN available messages, waiting up to wait for
// the first one. Received messages become invisible until deleted or the
// visibility timeout elapses.
func (q *MemoryQueue) GetMessages(ctx context.Context, maxN int, wait time.Duration) ([]interfaces.QueueMessage, error) {
	if maxN <= 0 {
		maxN = 1
	}
	deadline := time.Now().Add(wait)
	for {
		batch := q.receive(maxN)
		if len(batch) > 0 {
			return batch, nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) receive(maxN int) []interfaces.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []interfaces.QueueMessage
	kept := q.messages[:0]
	for _, m := range q.messages {
		if len(out) < maxN && (m.invisible.IsZero() || now.After(m.invisible)) {
			m.receives++
			if m.receives > q.maxReceive {
				// poison message, drop it
				continue
			}
			m.invisible = now.Add(q.visibility)
			out = append(out, interfaces.QueueMessage{Body: m.body, Receipt: m.receipt})
		}
		kept = append(kept, m)
	}
	q.messages = kept
	return out
}

func (q *MemoryQueue) DeleteMessage(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.receipt == receipt {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) DeleteMessages(ctx context.Context, receipts []string) error {
	for _, r := range receipts {
		if err := q.DeleteMessage(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemoryQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
	return nil
}

func (q *MemoryQueue) GetApproximateNumberOfMessages(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), nil
}

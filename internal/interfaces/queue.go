package interfaces

import (
	"context"
	"time"
)

// QueueMessage is one received message with the receipt needed to delete it
type QueueMessage struct {
	Body    string
	Receipt string
}

// MessageQueue is the uniform queue surface over pluggable transports.
// Implementations must provide at-least-once delivery; the core never relies
// on anything stronger. Message bodies are opaque strings. The group key is
// advisory for transports that support ordered groups.
type MessageQueue interface {
	SendMessage(ctx context.Context, body, groupKey string) error
	GetMessages(ctx context.Context, maxN int, wait time.Duration) ([]QueueMessage, error)
	DeleteMessage(ctx context.Context, receipt string) error
	DeleteMessages(ctx context.Context, receipts []string) error
	Purge(ctx context.Context) error
	GetApproximateNumberOfMessages(ctx context.Context) (int, error)
}

// QueueService owns the named queues of the system: one service queue per
// serviceID (created lazily), one scheduler queue carrying service IDs that
// need more work, and one update queue used when the update processor is
// decoupled from the worker API.
type QueueService interface {
	ServiceQueue(serviceID string) MessageQueue
	SchedulerQueue() MessageQueue
	UpdateQueue() MessageQueue
}

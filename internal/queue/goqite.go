package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"maragu.dev/goqite"

	"github.com/ternarybob/stratus/internal/interfaces"
)

// GoqiteQueue is the broker-backed MessageQueue built on goqite, which stores
// messages in SQLite with visibility timeouts and receipt-based deletes.
// Delivery is at-least-once; duplicate handling belongs to the consumer.
type GoqiteQueue struct {
	q  *goqite.Queue
	db *sql.DB
	name string
}

// SetupGoqite creates the goqite tables if they do not exist
func SetupGoqite(ctx context.Context, db *sql.DB) error {
	if err := goqite.Setup(ctx, db); err != nil {
		// expected on subsequent startups
		if !strings.Contains(err.Error(), "already exists") {
			return err
		}
	}
	return nil
}

// NewGoqiteQueue creates a named broker-backed queue
func NewGoqiteQueue(db *sql.DB, name string, visibility time.Duration, maxReceive int) *GoqiteQueue {
	q := goqite.New(goqite.NewOpts{
		DB:         db,
		Name:       name,
		Timeout:    visibility,
		MaxReceive: maxReceive,
	})
	return &GoqiteQueue{q: q, db: db, name: name}
}

func (g *GoqiteQueue) SendMessage(ctx context.Context, body, groupKey string) error {
	// goqite has no message groups; the group key is advisory only
	return g.q.Send(ctx, goqite.Message{Body: []byte(body)})
}

// GetMessages returns up to maxN messages. The first receive long-polls up to
// wait; the rest are short polls so a partial batch returns promptly.
func (g *GoqiteQueue) GetMessages(ctx context.Context, maxN int, wait time.Duration) ([]interfaces.QueueMessage, error) {
	if maxN <= 0 {
		maxN = 1
	}

	var out []interfaces.QueueMessage

	first, err := g.receiveWait(ctx, wait)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, nil
	}
	out = append(out, *first)

	for len(out) < maxN {
		msg, err := g.q.Receive(ctx)
		if err != nil {
			return out, err
		}
		if msg == nil {
			break
		}
		out = append(out, interfaces.QueueMessage{Body: string(msg.Body), Receipt: string(msg.ID)})
	}
	return out, nil
}

func (g *GoqiteQueue) receiveWait(ctx context.Context, wait time.Duration) (*interfaces.QueueMessage, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := g.q.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return &interfaces.QueueMessage{Body: string(msg.Body), Receipt: string(msg.ID)}, nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (g *GoqiteQueue) DeleteMessage(ctx context.Context, receipt string) error {
	return g.q.Delete(ctx, goqite.ID(receipt))
}

func (g *GoqiteQueue) DeleteMessages(ctx context.Context, receipts []string) error {
	for _, r := range receipts {
		if err := g.q.Delete(ctx, goqite.ID(r)); err != nil {
			return err
		}
	}
	return nil
}

func (g *GoqiteQueue) Purge(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, "DELETE FROM goqite WHERE queue = ?", g.name)
	return err
}

func (g *GoqiteQueue) GetApproximateNumberOfMessages(ctx context.Context) (int, error) {
	var count int
	err := g.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM goqite WHERE queue = ?", g.name).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

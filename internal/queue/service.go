package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/stratus/internal/interfaces"
)

const (
	schedulerQueueName = "scheduler"
	updateQueueName    = "work-item-updates"
)

// Service owns the named queues of the system. Service queues are created
// lazily per serviceID; the scheduler and update queues are singletons.
// With a database handle the queues are goqite-backed; without one they are
// in-memory (tests, single node).
type Service struct {
	mu         sync.Mutex
	db         *sql.DB
	visibility time.Duration
	maxReceive int
	logger     arbor.ILogger

	serviceQueues map[string]interfaces.MessageQueue
	scheduler     interfaces.MessageQueue
	updates       interfaces.MessageQueue
}

// NewService creates the queue service. db may be nil for in-memory queues.
func NewService(db *sql.DB, visibility time.Duration, maxReceive int, logger arbor.ILogger) *Service {
	return &Service{
		db:            db,
		visibility:    visibility,
		maxReceive:    maxReceive,
		logger:        logger,
		serviceQueues: make(map[string]interfaces.MessageQueue),
	}
}

func (s *Service) newQueue(name string) interfaces.MessageQueue {
	if s.db != nil {
		return NewGoqiteQueue(s.db, name, s.visibility, s.maxReceive)
	}
	return NewMemoryQueue(s.visibility, s.maxReceive)
}

// ServiceQueue returns the work-item queue for a serviceID, creating it on
// first use. Service IDs are image tags; colons and slashes are flattened
// for the queue name.
func (s *Service) ServiceQueue(serviceID string) interfaces.MessageQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.serviceQueues[serviceID]; ok {
		return q
	}
	name := fmt.Sprintf("svc-%s", sanitizeQueueName(serviceID))
	q := s.newQueue(name)
	s.serviceQueues[serviceID] = q
	s.logger.Debug().Str("service_id", serviceID).Str("queue", name).Msg("Created service queue")
	return q
}

// SchedulerQueue returns the queue carrying service IDs that need more work
func (s *Service) SchedulerQueue() interfaces.MessageQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		s.scheduler = s.newQueue(schedulerQueueName)
	}
	return s.scheduler
}

// UpdateQueue returns the queue carrying work-item updates when the update
// processor is decoupled from the worker API
func (s *Service) UpdateQueue() interfaces.MessageQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = s.newQueue(updateQueueName)
	}
	return s.updates
}

func sanitizeQueueName(serviceID string) string {
	r := strings.NewReplacer("/", "-", ":", "-", "@", "-")
	return r.Replace(serviceID)
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/stratus/internal/common"
	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/metrics"
	"github.com/ternarybob/stratus/internal/models"
	"github.com/ternarybob/stratus/internal/services/registry"
)

// Scheduler drains the scheduler queue, decides a work size per service and
// dispatches fairly selected work items to the service queues.
type Scheduler struct {
	config   *common.Config
	storage  interfaces.Storage
	queues   interfaces.QueueService
	pods     interfaces.PodLister
	registry *registry.Registry
	logger   arbor.ILogger

	// Replicas is the number of scheduler replicas sharing the work-size
	// budget. Single-process deployments leave it at 1.
	Replicas int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a scheduler
func New(config *common.Config, storage interfaces.Storage, queues interfaces.QueueService,
	pods interfaces.PodLister, reg *registry.Registry, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		config:   config,
		storage:  storage,
		queues:   queues,
		pods:     pods,
		registry: reg,
		logger:   logger,
		Replicas: 1,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the scheduling loop until Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		s.logger.Info().Msg("Scheduler started")
		for {
			select {
			case <-s.stopCh:
				s.logger.Info().Msg("Scheduler stopped")
				return
			case <-ctx.Done():
				return
			default:
			}
			if err := s.Cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error().Err(err).Msg("Scheduler cycle failed")
				// broker or database transient: back off and continue
				select {
				case <-time.After(time.Second):
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight cycle to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Cycle runs one scheduling pass: back-pressure check, queue drain, work-size
// calculation and fair dispatch.
func (s *Scheduler) Cycle(ctx context.Context) error {
	if s.underBackPressure(ctx) {
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
		}
		return nil
	}

	requests, receipts, err := s.drainSchedulerQueue(ctx)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return nil
	}

	for serviceID, received := range requests {
		if err := s.dispatchForService(ctx, serviceID, received); err != nil {
			// receipts stay put so redelivery retries the demand signal
			s.logger.Error().Err(err).Str("service_id", serviceID).Msg("Dispatch failed")
			continue
		}
		if err := s.queues.SchedulerQueue().DeleteMessages(ctx, receipts[serviceID]); err != nil {
			return err
		}
	}
	return nil
}

// underBackPressure reports whether the update queue is too deep to add more
// work. The system prefers finishing outcome ingestion over producing work.
func (s *Scheduler) underBackPressure(ctx context.Context) bool {
	threshold := s.config.Scheduler.MaxItemsOnUpdateQueue
	if threshold < 0 {
		return false
	}
	depth, err := s.queues.UpdateQueue().GetApproximateNumberOfMessages(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Update queue depth check failed")
		return false
	}
	if depth > threshold {
		s.logger.Debug().Int("depth", depth).Int("threshold", threshold).Msg("Back-pressure: skipping scheduling")
		return true
	}
	return false
}

// drainSchedulerQueue long-polls once, then short-polls until the queue is
// empty or the read cap is reached. Returns schedule-request counts per
// service and, per service, the receipts to delete once its dispatch lands.
func (s *Scheduler) drainSchedulerQueue(ctx context.Context) (map[string]int, map[string][]string, error) {
	start := time.Now()
	defer func() { metrics.QueueDrainDuration.Observe(time.Since(start).Seconds()) }()

	queue := s.queues.SchedulerQueue()
	maxBatch := s.config.Scheduler.QueueMaxBatchSize
	maxRounds := s.config.Scheduler.QueueMaxGetRequests
	if maxRounds <= 0 {
		maxRounds = 1
	}

	requests := make(map[string]int)
	receipts := make(map[string][]string)

	wait := s.config.LongPollWait()
	for round := 0; round < maxRounds; round++ {
		msgs, err := queue.GetMessages(ctx, maxBatch, wait)
		if err != nil {
			return nil, nil, err
		}
		wait = 0 // only the first round long-polls
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			requests[msg.Body]++
			receipts[msg.Body] = append(receipts[msg.Body], msg.Receipt)
		}
		if len(msgs) < maxBatch {
			break
		}
	}
	return requests, receipts, nil
}

func (s *Scheduler) dispatchForService(ctx context.Context, serviceID string, received int) error {
	pods, err := s.pods.CountPods(ctx, serviceID)
	if err != nil {
		return err
	}

	serviceQueue := s.queues.ServiceQueue(serviceID)
	queued, err := serviceQueue.GetApproximateNumberOfMessages(ctx)
	if err != nil {
		return err
	}

	scaleFactor := s.config.Scheduler.BatchSizeCoefficient
	if s.registry != nil && s.registry.IsDiscoveryService(serviceID) {
		scaleFactor = s.config.Scheduler.FastBatchSizeCoefficient
	}

	workSize := CalculateNumItemsToQueue(pods, s.Replicas, queued, scaleFactor, received)
	s.logger.Debug().
		Str("service_id", serviceID).
		Int("pods", pods).
		Int("queued", queued).
		Int("received", received).
		Int("work_size", workSize).
		Msg("Calculated work size")
	if workSize <= 0 {
		return nil
	}

	items, err := s.selectFairly(ctx, serviceID, workSize, models.WorkItemStatusQueued)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	dispatchStart := time.Now()
	for _, item := range items {
		body, err := models.WorkMessage{
			WorkItemID: item.ID,
			JobID:      item.JobID,
			ServiceID:  item.ServiceID,
		}.Encode()
		if err != nil {
			return err
		}
		if err := serviceQueue.SendMessage(ctx, body, item.JobID); err != nil {
			return err
		}
	}
	metrics.BatchDispatchDuration.WithLabelValues(serviceID).Observe(time.Since(dispatchStart).Seconds())
	metrics.ItemsScheduled.WithLabelValues(serviceID).Add(float64(len(items)))

	s.logger.Info().
		Str("service_id", serviceID).
		Int("count", len(items)).
		Msg("Dispatched work items")
	return nil
}

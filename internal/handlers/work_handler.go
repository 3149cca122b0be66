package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/stratus/internal/common"
	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/models"
	"github.com/ternarybob/stratus/internal/scheduler"
	"github.com/ternarybob/stratus/internal/services/registry"
	"github.com/ternarybob/stratus/internal/updater"
)

// operationCacheTTL bounds operation staleness; operations are immutable once
// written, so a stale hit only costs a redundant template.
const operationCacheTTL = time.Minute

// scheduleRequestRate limits how often one service's empty polls may post a
// schedule request, so a worker fleet hammering GET /work does not flood the
// scheduler queue.
var scheduleRequestRate = rate.Every(time.Second)

type operationEntry struct {
	operation string
	fetched   time.Time
}

// WorkHandler serves the worker polling protocol: GET /work hands out items,
// PUT /work/{id} reports outcomes, POST /work creates items directly.
type WorkHandler struct {
	config    *common.Config
	storage   interfaces.Storage
	queues    interfaces.QueueService
	scheduler *scheduler.Scheduler
	processor *updater.Processor
	registry  *registry.Registry
	logger    arbor.ILogger
	validate  *validator.Validate

	mu       sync.Mutex
	opCache  map[string]operationEntry // keyed jobID|serviceID
	limiters map[string]*rate.Limiter  // keyed serviceID
}

// NewWorkHandler creates the worker-protocol handler
func NewWorkHandler(config *common.Config, storage interfaces.Storage, queues interfaces.QueueService,
	sched *scheduler.Scheduler, processor *updater.Processor, reg *registry.Registry, logger arbor.ILogger) *WorkHandler {
	return &WorkHandler{
		config:    config,
		storage:   storage,
		queues:    queues,
		scheduler: sched,
		processor: processor,
		registry:  reg,
		logger:    logger,
		validate:  validator.New(),
		opCache:   make(map[string]operationEntry),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// workResponse is the GET /work payload
type workResponse struct {
	WorkItem       *models.WorkItem `json:"workItem"`
	Operation      json.RawMessage  `json:"operation,omitempty"`
	MaxCmrGranules int              `json:"maxCmrGranules,omitempty"`
}

// GetWorkHandler hands one work item to a polling worker. The service queue
// is tried first; when empty, a rate-limited schedule request goes out and
// the queue is long-polled once more. 404 means no work.
func (h *WorkHandler) GetWorkHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	serviceID := r.URL.Query().Get("serviceID")
	if serviceID == "" {
		WriteError(w, http.StatusBadRequest, "serviceID is required")
		return
	}
	ctx := r.Context()

	if !h.config.Queue.UseServiceQueues {
		item, err := h.scheduler.SelectOne(ctx, serviceID)
		if err != nil {
			h.logger.Error().Err(err).Str("service_id", serviceID).Msg("Direct work selection failed")
			WriteError(w, http.StatusInternalServerError, "work selection failed")
			return
		}
		if item == nil {
			WriteError(w, http.StatusNotFound, "no work available")
			return
		}
		h.respondWithItem(w, r, serviceID, item)
		return
	}

	queue := h.queues.ServiceQueue(serviceID)
	msgs, err := queue.GetMessages(ctx, 1, 0)
	if err != nil {
		h.logger.Error().Err(err).Str("service_id", serviceID).Msg("Service queue receive failed")
		WriteError(w, http.StatusInternalServerError, "queue receive failed")
		return
	}
	if len(msgs) == 0 {
		if h.limiter(serviceID).Allow() {
			if err := h.queues.SchedulerQueue().SendMessage(ctx, serviceID, ""); err != nil {
				h.logger.Warn().Err(err).Str("service_id", serviceID).Msg("Schedule request send failed")
			}
		}
		msgs, err = queue.GetMessages(ctx, 1, h.config.LongPollWait())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "queue receive failed")
			return
		}
	}
	if len(msgs) == 0 {
		WriteError(w, http.StatusNotFound, "no work available")
		return
	}
	msg := msgs[0]

	decoded, err := models.DecodeWorkMessage(msg.Body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Undecodable work message dropped")
		queue.DeleteMessage(ctx, msg.Receipt)
		WriteError(w, http.StatusNotFound, "no work available")
		return
	}

	var item *models.WorkItem
	err = h.storage.WithTx(ctx, func(tx interfaces.WorkTx) error {
		var err error
		item, err = tx.GetWorkItem(decoded.WorkItemID)
		if err != nil {
			return err
		}
		if item.Status != models.WorkItemStatusQueued {
			return nil
		}
		// handing the item to a worker starts it running
		now := time.Now().UTC()
		item.Status = models.WorkItemStatusRunning
		item.StartedAt = &now
		if err := tx.UpdateWorkItem(item); err != nil {
			return err
		}
		return tx.AdjustUserWork(item.JobID, item.ServiceID, 0, 1)
	})
	if err != nil || item.Status == models.WorkItemStatusCanceled {
		// item gone or canceled after dispatch: drop the message
		queue.DeleteMessage(ctx, msg.Receipt)
		WriteError(w, http.StatusNotFound, "no work available")
		return
	}

	h.respondWithItem(w, r, serviceID, item)
	queue.DeleteMessage(ctx, msg.Receipt)
}

func (h *WorkHandler) respondWithItem(w http.ResponseWriter, r *http.Request, serviceID string, item *models.WorkItem) {
	resp := workResponse{WorkItem: item}

	operation, err := h.operationFor(r, item)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", item.JobID).Msg("Operation lookup failed")
	} else if operation != "" {
		resp.Operation = json.RawMessage(operation)
	}
	if h.registry != nil && h.registry.IsDiscoveryService(serviceID) {
		resp.MaxCmrGranules = h.registry.GranulesPerPage(serviceID)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// operationFor returns the step's operation template through a small TTL
// cache keyed by (jobID, serviceID).
func (h *WorkHandler) operationFor(r *http.Request, item *models.WorkItem) (string, error) {
	key := item.JobID + "|" + item.ServiceID

	h.mu.Lock()
	if entry, ok := h.opCache[key]; ok && time.Since(entry.fetched) < operationCacheTTL {
		h.mu.Unlock()
		return entry.operation, nil
	}
	h.mu.Unlock()

	var operation string
	err := h.storage.WithTx(r.Context(), func(tx interfaces.WorkTx) error {
		step, err := tx.GetStep(item.JobID, item.WorkflowStepIndex)
		if err != nil {
			return err
		}
		operation = step.Operation
		return nil
	})
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.opCache[key] = operationEntry{operation: operation, fetched: time.Now()}
	h.mu.Unlock()
	return operation, nil
}

func (h *WorkHandler) limiter(serviceID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[serviceID]
	if !ok {
		l = rate.NewLimiter(scheduleRequestRate, 1)
		h.limiters[serviceID] = l
	}
	return l
}

// UpdateWorkHandler accepts a worker outcome for one item. With service
// queues on, the outcome is enqueued for the update consumer; otherwise it is
// processed inline. 204 either way.
func (h *WorkHandler) UpdateWorkHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/work/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid work item id")
		return
	}

	var update models.WorkItemUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	update.WorkItemID = id
	if err := h.validate.Struct(update); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	if h.config.Queue.UseServiceQueues {
		var item *models.WorkItem
		err := h.storage.WithTx(ctx, func(tx interfaces.WorkTx) error {
			var err error
			item, err = tx.GetWorkItem(id)
			return err
		})
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				w.WriteHeader(http.StatusNoContent) // late update for a reaped item
				return
			}
			WriteError(w, http.StatusInternalServerError, "work item lookup failed")
			return
		}
		body, err := (models.UpdateMessage{JobID: item.JobID, Update: update}).Encode()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "update encoding failed")
			return
		}
		if err := h.queues.UpdateQueue().SendMessage(ctx, body, item.JobID); err != nil {
			WriteError(w, http.StatusInternalServerError, "update enqueue failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.processor.ProcessUpdate(ctx, update); err != nil {
		if errors.Is(err, models.ErrConflict) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error().Err(err).Int64("work_item_id", id).Msg("Work item update failed")
		WriteError(w, http.StatusInternalServerError, "update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// errNoSuchStep rejects item creation against a step the job does not have
var errNoSuchStep = errors.New("no matching workflow step")

// createWorkRequest is the POST /work payload
type createWorkRequest struct {
	JobID               string `json:"jobID" validate:"required,uuid4"`
	ServiceID           string `json:"serviceID" validate:"required"`
	WorkflowStepIndex   int    `json:"workflowStepIndex" validate:"required,min=1"`
	StacCatalogLocation string `json:"stacCatalogLocation,omitempty"`
	ScrollID            string `json:"scrollID,omitempty"`
}

// CreateWorkHandler creates a READY work item directly. Internal use.
func (h *WorkHandler) CreateWorkHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req createWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	item := &models.WorkItem{
		JobID:               req.JobID,
		ServiceID:           req.ServiceID,
		WorkflowStepIndex:   req.WorkflowStepIndex,
		Status:              models.WorkItemStatusReady,
		StacCatalogLocation: req.StacCatalogLocation,
		ScrollID:            req.ScrollID,
	}
	err := h.storage.WithTx(ctx, func(tx interfaces.WorkTx) error {
		job, err := tx.GetJob(req.JobID)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			return models.ErrInvalidTransition
		}
		step, err := tx.GetStep(req.JobID, req.WorkflowStepIndex)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return errNoSuchStep
			}
			return err
		}
		if step.ServiceID != req.ServiceID {
			return errNoSuchStep
		}
		if err := tx.CreateWorkItems([]*models.WorkItem{item}); err != nil {
			return err
		}
		return tx.UpsertUserWork(job.JobID, req.ServiceID, job.Username, 1)
	})
	if err != nil {
		switch {
		case errors.Is(err, errNoSuchStep):
			WriteError(w, http.StatusBadRequest, "no matching workflow step for the job")
		case errors.Is(err, models.ErrNotFound):
			WriteError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, models.ErrInvalidTransition):
			WriteError(w, http.StatusConflict, "job is terminal")
		default:
			h.logger.Error().Err(err).Str("job_id", req.JobID).Msg("Work item create failed")
			WriteError(w, http.StatusInternalServerError, "create failed")
		}
		return
	}

	if err := h.queues.SchedulerQueue().SendMessage(ctx, req.ServiceID, ""); err != nil {
		h.logger.Warn().Err(err).Str("service_id", req.ServiceID).Msg("Schedule request send failed")
	}
	WriteJSON(w, http.StatusCreated, item)
}

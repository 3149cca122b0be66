package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/stratus/internal/common"
	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/models"
	"github.com/ternarybob/stratus/internal/services/registry"
)

// JobHandler serves job creation, queries and the lifecycle API
type JobHandler struct {
	config   *common.Config
	storage  interfaces.Storage
	queues   interfaces.QueueService
	registry *registry.Registry
	logger   arbor.ILogger
	validate *validator.Validate
}

// NewJobHandler creates the job API handler
func NewJobHandler(config *common.Config, storage interfaces.Storage, queues interfaces.QueueService,
	reg *registry.Registry, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		config:   config,
		storage:  storage,
		queues:   queues,
		registry: reg,
		logger:   logger,
		validate: validator.New(),
	}
}

// createJobRequest is the POST /jobs payload
type createJobRequest struct {
	Username         string `json:"username" validate:"required"`
	Chain            string `json:"chain" validate:"required"`
	Request          string `json:"request,omitempty"`
	Operation        string `json:"operation,omitempty"`
	NumInputGranules int    `json:"numInputGranules" validate:"required,min=1"`
	IsAsync          bool   `json:"isAsync"`
	IgnoreErrors     bool   `json:"ignoreErrors"`
	SkipPreview      bool   `json:"skipPreview"`
}

// CreateJobHandler accepts a transformation request and materializes the job,
// its workflow steps and the first work item.
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	chain, ok := h.registry.Chain(req.Chain)
	if !ok {
		WriteError(w, http.StatusBadRequest, "unknown service chain: "+req.Chain)
		return
	}

	job := models.NewJob(req.Username, req.Request, req.NumInputGranules, req.IsAsync, req.IgnoreErrors)
	if req.SkipPreview {
		job.Status = models.JobStatusRunning
	}

	steps := make([]*models.WorkflowStep, 0, len(chain.Steps))
	for i, chainStep := range chain.Steps {
		svc, ok := h.registry.ServiceByName(chainStep.Service)
		if !ok {
			WriteError(w, http.StatusBadRequest, "unknown service: "+chainStep.Service)
			return
		}
		operation := chainStep.Operation
		if operation == "" {
			operation = chain.Operation
		}
		if operation == "" {
			operation = req.Operation
		}
		if operation == "" {
			operation = "{}"
		}
		steps = append(steps, &models.WorkflowStep{
			JobID:               job.JobID,
			StepIndex:           i + 1,
			ServiceID:           svc.ID,
			Operation:           operation,
			WorkItemCount:       h.estimateItemCount(svc, chainStep, req.NumInputGranules),
			HasAggregatedOutput: chainStep.Aggregated,
			BatchSize:           chainStep.BatchSize,
			MaxBatchSizeBytes:   chainStep.MaxBatchSizeBytes,
			IsSequential:        chainStep.Sequential || svc.Discovery,
		})
	}

	firstItem := &models.WorkItem{
		JobID:             job.JobID,
		ServiceID:         steps[0].ServiceID,
		WorkflowStepIndex: 1,
		Status:            models.WorkItemStatusReady,
	}
	if err := h.storage.CreateJob(r.Context(), job, steps, firstItem); err != nil {
		h.logger.Error().Err(err).Str("username", req.Username).Msg("Job create failed")
		WriteError(w, http.StatusInternalServerError, "job create failed")
		return
	}

	if err := h.queues.SchedulerQueue().SendMessage(r.Context(), steps[0].ServiceID, ""); err != nil {
		h.logger.Warn().Err(err).Str("service_id", steps[0].ServiceID).Msg("Schedule request send failed")
	}

	h.logger.Info().
		Str("job_id", job.JobID).
		Str("username", job.Username).
		Str("chain", req.Chain).
		Int("granules", req.NumInputGranules).
		Msg("Job created")
	WriteJSON(w, http.StatusCreated, job)
}

// estimateItemCount seeds a step's expected work item count. Discovery pages
// through the granule count, aggregation starts at one batch, everything else
// expects one item per granule. Counts are revised as real work materializes.
func (h *JobHandler) estimateItemCount(svc registry.Service, step registry.ChainStep, granules int) int {
	if svc.Discovery {
		perPage := svc.GranulesPerPage
		if perPage <= 0 {
			perPage = h.registry.GranulesPerPage(svc.ID)
		}
		return (granules + perPage - 1) / perPage
	}
	if step.Aggregated {
		return 1
	}
	return granules
}

// GetJobHandler returns one job with its links
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	job, err := h.storage.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListJobsHandler returns jobs, optionally filtered by username
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	page, pageSize := GetPaginationParams(r)
	jobs, err := h.storage.ListJobs(r.Context(), r.URL.Query().Get("username"), pageSize, page*pageSize)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "job list failed")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":     jobs,
		"page":     page,
		"pageSize": pageSize,
	})
}

// lifecycleEvents maps URL actions to state machine events
var lifecycleEvents = map[string]models.JobEvent{
	"cancel":       models.JobEventCancel,
	"pause":        models.JobEventPause,
	"resume":       models.JobEventResume,
	"skip-preview": models.JobEventSkipPreview,
}

// LifecycleHandler applies a lifecycle event: POST /jobs/{jobID}/{action}.
// Illegal transitions return 409. CANCEL also cancels every pending work item
// and clears the job's scheduling state in the same transaction.
func (h *JobHandler) LifecycleHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		WriteError(w, http.StatusBadRequest, "expected /jobs/{jobID}/{action}")
		return
	}
	jobID, action := parts[0], parts[1]
	event, ok := lifecycleEvents[action]
	if !ok {
		WriteError(w, http.StatusBadRequest, "unknown action: "+action)
		return
	}

	var job *models.Job
	err := h.storage.WithTx(r.Context(), func(tx interfaces.WorkTx) error {
		var err error
		job, err = tx.GetJob(jobID)
		if err != nil {
			return err
		}
		if _, err := job.Transition(event); err != nil {
			return err
		}
		if event == models.JobEventCancel {
			canceled, err := tx.CancelPendingItems(jobID)
			if err != nil {
				return err
			}
			if err := tx.DeleteUserWork(jobID); err != nil {
				return err
			}
			h.logger.Info().Str("job_id", jobID).Int("canceled_items", canceled).Msg("Job canceled")
		}
		return tx.UpdateJob(job)
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			WriteError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, models.ErrInvalidTransition):
			WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Str("action", action).Msg("Lifecycle event failed")
			WriteError(w, http.StatusInternalServerError, "lifecycle event failed")
		}
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

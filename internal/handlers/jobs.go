package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mapforge/geoflow/internal/jobs/controller"
	"github.com/mapforge/geoflow/internal/jobs/registry"
	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/repos"
	"github.com/mapforge/geoflow/internal/types"
)

type JobsHandler struct {
	controller *controller.Controller
	jobs       repos.JobRepo
	tasks      repos.TaskRepo
	requests   repos.APIRequestRepo
	registry   *registry.Registry
	log        *logger.Logger
}

func NewJobsHandler(c *controller.Controller, jobs repos.JobRepo, tasks repos.TaskRepo, requests repos.APIRequestRepo, reg *registry.Registry, baseLog *logger.Logger) *JobsHandler {
	return &JobsHandler{
		controller: c,
		jobs:       jobs,
		tasks:      tasks,
		requests:   requests,
		registry:   reg,
		log:        baseLog.With("handler", "JobsHandler"),
	}
}

type submitRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
	DatasetID  string                 `json:"dataset_id"`
	ResourceID string                 `json:"resource_id"`
	VersionID  string                 `json:"version_id"`
}

// POST /api/jobs/:job_type
func (h *JobsHandler) SubmitJob(c *gin.Context) {
	jobType := c.Param("job_type")
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	res, err := h.controller.Submit(c.Request.Context(), controller.SubmitInput{
		JobType:    jobType,
		Parameters: req.Parameters,
		DatasetID:  req.DatasetID,
		ResourceID: req.ResourceID,
		VersionID:  req.VersionID,
	})
	if err != nil {
		var unknown *registry.UnknownJobTypeError
		var invalid *controller.ValidationError
		var rejected *controller.PreflightError
		switch {
		case errors.As(err, &unknown):
			RespondError(c, http.StatusNotFound, "unknown_job_type", err)
		case errors.As(err, &invalid):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": gin.H{
					"message": "invalid parameters",
					"code":    "invalid_parameters",
					"issues":  invalid.Issues,
				},
			})
		case errors.As(err, &rejected):
			RespondError(c, http.StatusUnprocessableEntity, "preflight_rejected", err)
		default:
			h.log.Error("Submit failed", "job_type", jobType, "error", err)
			RespondError(c, http.StatusInternalServerError, "submit_failed", errors.New("internal error"))
		}
		return
	}

	status := http.StatusAccepted
	if res.AlreadyExisted {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"job_id":          res.JobID,
		"already_existed": res.AlreadyExisted,
		"monitor_uri":     fmt.Sprintf("/api/jobs/%s", res.JobID),
	})
}

// GET /api/jobs/:job_id
func (h *JobsHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := h.jobs.GetByID(c.Request.Context(), nil, jobID)
	if err != nil {
		h.log.Error("Job lookup failed", "job_id", jobID, "error", err)
		RespondError(c, http.StatusInternalServerError, "lookup_failed", errors.New("internal error"))
		return
	}
	if job == nil {
		RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no job %s", jobID))
		return
	}

	payload := gin.H{
		"job_id":       job.JobID,
		"job_type":     job.JobType,
		"status":       job.Status,
		"stage":        job.Stage,
		"total_stages": job.TotalStages,
		"created_at":   job.CreatedAt,
		"updated_at":   job.UpdatedAt,
	}
	if job.ErrorDetails != "" {
		payload["error_details"] = h.sanitizeError(job.JobType, job.ErrorDetails)
	}
	if types.JobStatusTerminal(job.Status) && len(job.ResultData) > 0 {
		var result interface{}
		if err := json.Unmarshal(job.ResultData, &result); err == nil {
			payload["result_data"] = result
		}
	}
	RespondOK(c, payload)
}

// GET /api/jobs/:job_id/tasks
func (h *JobsHandler) GetJobTasks(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := h.jobs.GetByID(c.Request.Context(), nil, jobID)
	if err != nil {
		h.log.Error("Job lookup failed", "job_id", jobID, "error", err)
		RespondError(c, http.StatusInternalServerError, "lookup_failed", errors.New("internal error"))
		return
	}
	if job == nil {
		RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no job %s", jobID))
		return
	}
	tasks, err := h.tasks.ListByJobStage(c.Request.Context(), nil, jobID, job.Stage)
	if err != nil {
		h.log.Error("Task lookup failed", "job_id", jobID, "error", err)
		RespondError(c, http.StatusInternalServerError, "lookup_failed", errors.New("internal error"))
		return
	}
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		entry := gin.H{
			"task_id":     t.TaskID,
			"task_type":   t.TaskType,
			"stage":       t.Stage,
			"task_index":  t.TaskIndex,
			"status":      t.Status,
			"retry_count": t.RetryCount,
		}
		if t.ErrorDetails != "" {
			entry["error_details"] = h.sanitizeError(job.JobType, t.ErrorDetails)
		}
		out = append(out, entry)
	}
	RespondOK(c, gin.H{"job_id": jobID, "stage": job.Stage, "tasks": out})
}

// GET /api/requests/:request_id
func (h *JobsHandler) GetRequest(c *gin.Context) {
	requestID := c.Param("request_id")
	req, err := h.requests.GetByID(c.Request.Context(), nil, requestID)
	if err != nil {
		h.log.Error("Request lookup failed", "request_id", requestID, "error", err)
		RespondError(c, http.StatusInternalServerError, "lookup_failed", errors.New("internal error"))
		return
	}
	if req == nil {
		RespondError(c, http.StatusNotFound, "request_not_found", fmt.Errorf("no request %s", requestID))
		return
	}
	RespondOK(c, gin.H{
		"request_id": req.RequestID,
		"job_id":     req.JobID,
		"data_type":  req.DataType,
		"created_at": req.CreatedAt,
	})
}

// GET /api/job-types
func (h *JobsHandler) ListJobTypes(c *gin.Context) {
	RespondOK(c, gin.H{"job_types": h.registry.Types()})
}

// sanitizeError applies the job type's error scrubber before a stored
// error_details string leaves through the API.
func (h *JobsHandler) sanitizeError(jobType, raw string) string {
	if raw == "" {
		return raw
	}
	def, err := h.registry.Get(jobType)
	if err != nil {
		return raw
	}
	return def.Sanitize(raw)
}

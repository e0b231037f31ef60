package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/autoprint/internal/api/middleware"
	"github.com/orrn/autoprint/internal/core"
)

// Engine is the part of core.Engine the HTTP layer drives.
type Engine interface {
	IngestEvent(ctx context.Context, eventCode string, payload map[string]any, actor core.UserRef) ([]string, error)
	CancelJob(ctx context.Context, jobID string, actor core.UserRef) (bool, error)
	GetJobStatus(ctx context.Context, jobID string) (*core.PrintJob, error)
	ListAuditTrail(ctx context.Context, jobID string) ([]core.AuditEntry, error)
	GetBatch(ctx context.Context, batchID string) (*core.BatchPrintJob, error)
	SetPrinterActive(ctx context.Context, printerID string, active bool, actor core.UserRef) error
	PrinterLoads() []core.PrinterLoad
	Stats(ctx context.Context) (*core.QueueStats, error)
}

type IngestEventRequest struct {
	EventCode string         `json:"event_code" binding:"required"`
	Payload   map[string]any `json:"payload"`
	Actor     string         `json:"actor"`
}

type IngestEventResponse struct {
	EventCode string   `json:"event_code"`
	JobIDs    []string `json:"job_ids"`
}

type CancelJobRequest struct {
	Actor string `json:"actor"`
}

type JobResponse struct {
	ID              string         `json:"id"`
	RuleID          string         `json:"rule_id,omitempty"`
	TemplateID      string         `json:"template_id"`
	Target          string         `json:"target"`
	PrinterID       string         `json:"printer_id,omitempty"`
	Priority        string         `json:"priority"`
	Payload         map[string]any `json:"payload"`
	PagesEstimate   int            `json:"pages_estimate"`
	Copies          int            `json:"copies"`
	PreviewRequired bool           `json:"preview_required"`
	Status          string         `json:"status"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	BatchID         string         `json:"batch_id,omitempty"`
	Actor           string         `json:"actor"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Duration        *int64         `json:"duration_ms,omitempty"`
}

type AuditEntryResponse struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id,omitempty"`
	Action    string         `json:"action"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
}

type BatchResponse struct {
	ID            string     `json:"id"`
	RuleID        string     `json:"rule_id"`
	Status        string     `json:"status"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	TotalJobs     int        `json:"total_jobs"`
	CompletedJobs int        `json:"completed_jobs"`
	FailedJobs    int        `json:"failed_jobs"`
	Progress      float64    `json:"progress_percentage"`
	JobIDs        []string   `json:"job_ids"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type JobHandler struct {
	engine Engine
}

func NewJobHandler(engine Engine) *JobHandler {
	return &JobHandler{engine: engine}
}

func (h *JobHandler) IngestEvent(c *gin.Context) {
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ids, err := h.engine.IngestEvent(c.Request.Context(), req.EventCode, req.Payload, actorFor(c, req.Actor))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest event", "job_ids": ids})
		return
	}

	status := http.StatusAccepted
	if len(ids) == 0 {
		status = http.StatusOK
	}
	c.JSON(status, IngestEventResponse{EventCode: req.EventCode, JobIDs: ids})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.engine.GetJobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	var req CancelJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id := c.Param("id")
	cancelled, err := h.engine.CancelJob(c.Request.Context(), id, actorFor(c, req.Actor))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}

	if !cancelled {
		job, err := h.engine.GetJobStatus(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"cancelled": false, "status": string(job.Status)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true, "status": string(core.JobStatusCancelled)})
}

func (h *JobHandler) GetJobAudit(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.engine.GetJobStatus(c.Request.Context(), id); err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}
	h.writeAudit(c, id)
}

// ListAudit returns the whole trail, or one job's when job_id is given.
func (h *JobHandler) ListAudit(c *gin.Context) {
	h.writeAudit(c, c.Query("job_id"))
}

func (h *JobHandler) writeAudit(c *gin.Context, jobID string) {
	entries, err := h.engine.ListAuditTrail(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audit trail"})
		return
	}

	resp := make([]AuditEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = AuditEntryResponse{
			ID:        e.ID,
			JobID:     e.JobID,
			Action:    string(e.Action),
			Message:   e.Message,
			Details:   e.Details,
			Actor:     string(e.Actor),
			Timestamp: e.Timestamp,
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": resp, "total": len(resp)})
}

func (h *JobHandler) GetBatch(c *gin.Context) {
	b, err := h.engine.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get batch"})
		return
	}

	c.JSON(http.StatusOK, BatchResponse{
		ID:            b.ID,
		RuleID:        b.RuleID,
		Status:        string(b.Status),
		ScheduledAt:   b.ScheduledAt,
		TotalJobs:     b.TotalJobs,
		CompletedJobs: b.CompletedJobs,
		FailedJobs:    b.FailedJobs,
		Progress:      b.ProgressPercentage(),
		JobIDs:        b.JobIDs,
		CreatedAt:     b.CreatedAt,
		CompletedAt:   b.CompletedAt,
	})
}

func (h *JobHandler) GetQueue(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get queue stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events", h.IngestEvent)
	r.GET("/jobs/queue", h.GetQueue)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.GET("/jobs/:id/audit", h.GetJobAudit)
	r.GET("/audit", h.ListAudit)
	r.GET("/batches/:id", h.GetBatch)
}

func jobToResponse(job *core.PrintJob) JobResponse {
	resp := JobResponse{
		ID:              job.ID,
		RuleID:          job.RuleID,
		TemplateID:      job.TemplateID,
		Target:          job.Target.String(),
		PrinterID:       job.PrinterID,
		Priority:        job.Priority.String(),
		Payload:         job.Payload,
		PagesEstimate:   job.PagesEstimate,
		Copies:          job.Copies,
		PreviewRequired: job.PreviewRequired,
		Status:          string(job.Status),
		RetryCount:      job.RetryCount,
		MaxRetries:      job.MaxRetries,
		BatchID:         job.BatchID,
		Actor:           string(job.Actor),
		ErrorMessage:    job.ErrorMessage,
		ScheduledAt:     job.ScheduledAt,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		duration := job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
		resp.Duration = &duration
	}
	return resp
}

// actorFor prefers the actor named in the request body and falls back to
// the authenticated client.
func actorFor(c *gin.Context, requested string) core.UserRef {
	if requested != "" {
		return core.UserRef(requested)
	}
	return core.UserRef(middleware.ClientID(c))
}

package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/api/dto"
	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/store"
)

// PutJob handles PUT /api/jobs/:job_id
// Submits a job graph. Idempotent on job_id: identical re-submissions
// succeed, divergent bodies fail with conflict.
func (h *Handler) PutJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		invalidPayload(c, "job_id must be a valid UUID")
		return
	}

	var req core.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid job request body", slog.String("error", err.Error()))
		invalidPayload(c, "invalid request body")
		return
	}

	if err := h.service.PutJob(c.Request.Context(), jobID, req); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID.String(),
		"status": "ok",
	})
}

// GetJob handles GET /api/jobs/:job_id
// Returns the job view with nested dependencies.
func (h *Handler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		invalidPayload(c, "job_id must be a valid UUID")
		return
	}

	view, err := h.service.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobView(view))
}

// ListJobs handles GET /api/jobs
// Lists jobs with optional filtering and cursor pagination.
func (h *Handler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		invalidPayload(c, "invalid query parameters")
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		invalidPayload(c, "invalid cursor")
		return
	}

	records, err := h.service.ListJobs(c.Request.Context(), store.JobFilter{
		JobType:  req.JobType,
		Outcome:  core.Outcome(req.Outcome),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	jobs := make([]dto.JobSummary, len(records))
	for i, record := range records {
		jobs[i] = dto.NewJobSummary(record)
	}

	var nextCursor string
	if hasMore {
		last := records[len(records)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// PauseJob handles POST /api/jobs/:job_id/pause
// Cancels the job's non-terminal contract and every descendant's.
func (h *Handler) PauseJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		invalidPayload(c, "job_id must be a valid UUID")
		return
	}

	if err := h.service.PauseJob(c.Request.Context(), jobID); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID.String(),
		"status": "paused",
	})
}

// RetryJob handles POST /api/jobs/:job_id/retry
// Re-issues waiting contracts for the failed or cancelled parts of the
// subtree.
func (h *Handler) RetryJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		invalidPayload(c, "job_id must be a valid UUID")
		return
	}

	if err := h.service.RetryJob(c.Request.Context(), jobID); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID.String(),
		"status": "retrying",
	})
}

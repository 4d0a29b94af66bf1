package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/settlement-orchestrator/internal/api/dto"
	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var validStatuses = map[queue.Status]bool{
	queue.StatusWaiting:   true,
	queue.StatusDelayed:   true,
	queue.StatusActive:    true,
	queue.StatusCompleted: true,
	queue.StatusFailed:    true,
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "Failed to get job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}

	status := queue.Status(strings.ToUpper(req.Status))
	if status != "" && !validStatuses[status] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	beforeSeq, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// one extra row tells whether another page exists
	jobs, err := h.jobs.List(c.Request.Context(), queue.ListFilter{
		Name:      queue.JobName(req.Name),
		Status:    status,
		GroupKey:  req.GroupKey,
		BeforeSeq: beforeSeq,
		Limit:     req.Limit + 1,
	})
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "Failed to list jobs", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.Limit
	if hasMore {
		jobs = jobs[:req.Limit]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(last.Seq, last.ID)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// ListSchedules handles GET /api/v1/schedules
func (h *JobHandler) ListSchedules(c *gin.Context) {
	schedulers, err := h.jobs.Schedulers(c.Request.Context())
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "Failed to list schedules", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list schedules",
		})
		return
	}

	out := make([]dto.ScheduleDTO, len(schedulers))
	for i, s := range schedulers {
		out[i] = dto.NewScheduleDTO(s)
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}

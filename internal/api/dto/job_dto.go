package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/settlement-orchestrator/internal/queue"
)

type ListJobsRequest struct {
	Name     string `form:"name"`
	Status   string `form:"status"`
	GroupKey string `form:"group_key"`
	Limit    int    `form:"limit"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	Name         string          `json:"name"`
	GroupKey     string          `json:"group_key"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attempts_made"`
	Payload      json.RawMessage `json:"payload"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	AvailableAt  string          `json:"available_at"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	FinishedAt   string          `json:"finished_at,omitempty"`
}

func NewJobDTO(job *queue.Job) JobDTO {
	d := JobDTO{
		JobID:        job.ID,
		Name:         string(job.Name),
		GroupKey:     job.GroupKey,
		Status:       string(job.Status),
		Attempts:     job.Attempts,
		AttemptsMade: job.AttemptsMade,
		Payload:      job.Payload,
		FailedReason: job.FailedReason,
		AvailableAt:  job.AvailableAt.Format(time.RFC3339),
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
	if len(job.ReturnValue) > 0 {
		d.ReturnValue = job.ReturnValue
	}
	if job.FinishedAt != nil {
		d.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return d
}

type ScheduleDTO struct {
	Name      string `json:"name"`
	JobName   string `json:"job_name"`
	Every     string `json:"every"`
	GroupKey  string `json:"group_key"`
	Attempts  int    `json:"attempts"`
	NextRunAt string `json:"next_run_at"`
}

func NewScheduleDTO(s *queue.Scheduler) ScheduleDTO {
	return ScheduleDTO{
		Name:      s.Name,
		JobName:   string(s.JobName),
		Every:     s.Every.String(),
		GroupKey:  s.GroupKey,
		Attempts:  s.Attempts,
		NextRunAt: s.NextRunAt.Format(time.RFC3339),
	}
}

package handlers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/whisperq/internal/queue"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// CreateJobRequest is the body of POST /v1/jobs
type CreateJobRequest struct {
	SourceRef        string `json:"sourceRef" validate:"required,max=2048"`
	Model            string `json:"model" validate:"required"`
	OutputFormat     string `json:"outputFormat" validate:"required"`
	EstimatedMinutes int    `json:"estimatedMinutes" validate:"gte=0"`
}

// JobView is the status contract returned to owners
type JobView struct {
	JobID        string             `json:"jobId"`
	Status       types.JobStatus    `json:"status"`
	Progress     int                `json:"progress"`
	ResultRef    string             `json:"resultRef,omitempty"`
	ErrorDetail  string             `json:"errorDetail,omitempty"`
	Model        types.Model        `json:"model"`
	OutputFormat types.OutputFormat `json:"outputFormat"`
	CreatedAt    time.Time          `json:"createdAt"`
	CompletedAt  *time.Time         `json:"completedAt,omitempty"`
}

func newJobView(j *types.Job) JobView {
	return JobView{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		ResultRef:    j.ResultRef,
		ErrorDetail:  j.ErrorDetail,
		Model:        j.Model,
		OutputFormat: j.OutputFormat,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

func (s *server) enqueue(c *fiber.Ctx, sourceRef, model, format string, estimate int) (*types.Job, error) {
	return s.Scheduler.Enqueue(c.UserContext(), queue.EnqueueRequest{
		OwnerID:          ownerOf(c),
		Plan:             planOf(c),
		SourceRef:        sourceRef,
		Model:            model,
		Format:           format,
		EstimatedMinutes: estimate,
	})
}

func (s *server) createJob(c *fiber.Ctx) error {
	var req CreateJobRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	job, err := s.enqueue(c, req.SourceRef, req.Model, req.OutputFormat, req.EstimatedMinutes)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

func (s *server) getJob(c *fiber.Ctx) error {
	job, err := s.Scheduler.Status(c.UserContext(), c.Params("id"), ownerOf(c))
	if err != nil {
		return err
	}
	return c.JSON(newJobView(job))
}

func (s *server) listJobs(c *fiber.Ctx) error {
	f := storage.ListFilter{
		Limit:  c.QueryInt("limit", storage.DefaultListLimit),
		Offset: c.QueryInt("offset", 0),
	}
	if raw := c.Query("status"); raw != "" {
		st, err := types.ParseJobStatus(raw)
		if err != nil {
			return badRequest("ERR_INVALID_REQUEST", err.Error())
		}
		f.Status = st
	}
	if f.Limit <= 0 || f.Limit > storage.MaxListLimit || f.Offset < 0 {
		return badRequest("ERR_INVALID_REQUEST", fmt.Sprintf("limit must be 1-%d and offset non-negative", storage.MaxListLimit))
	}

	jobs, err := s.Scheduler.List(c.UserContext(), ownerOf(c), f)
	if err != nil {
		return err
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}
	return c.JSON(fiber.Map{"jobs": views})
}

func (s *server) cancelJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.Scheduler.Cancel(c.UserContext(), id, ownerOf(c)); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"jobId":   id,
		"message": "Cancellation requested",
	})
}

func (s *server) usage(c *fiber.Ctx) error {
	owner := ownerOf(c)
	used, err := s.Ledger.MonthlyUsage(c.UserContext(), owner)
	if err != nil {
		return err
	}
	return c.JSON(types.NewQuotaView(owner, planOf(c), used))
}

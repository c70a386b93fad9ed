package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// NewJob holds the admission parameters of a job
type NewJob struct {
	OwnerID      string
	SourceRef    string
	Model        types.Model
	OutputFormat types.OutputFormat
	Priority     int
}

// TransitionFields are written atomically with a status change. Only the
// fields relevant to the target status are applied.
type TransitionFields struct {
	ResultRef       string
	ErrorDetail     string
	DurationSeconds float64
	ExternalHandle  string
	Strategy        types.Strategy
}

// Page sizes for ListJobsByOwner
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListFilter narrows and pages ListJobsByOwner
type ListFilter struct {
	Status types.JobStatus
	Limit  int
	Offset int
}

const jobColumns = `id, job_id, owner_id, source_ref, model, output_format, priority, status,
	progress, result_ref, error_detail, duration_seconds, external_handle, strategy,
	created_at, started_at, completed_at`

// CreateJob allocates a new job in QUEUED state with progress 0
func (d *DB) CreateJob(ctx context.Context, p NewJob) (*types.Job, error) {
	job := &types.Job{
		ID:           uuid.New().String(),
		OwnerID:      p.OwnerID,
		SourceRef:    p.SourceRef,
		Model:        p.Model,
		OutputFormat: p.OutputFormat,
		Priority:     p.Priority,
		Status:       types.StatusQueued,
		CreatedAt:    fromMillis(toMillis(d.now())),
	}

	res, err := d.db.ExecContext(ctx, `
	INSERT INTO jobs (job_id, owner_id, source_ref, model, output_format, priority, status, progress, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		job.ID, job.OwnerID, job.SourceRef, string(job.Model), string(job.OutputFormat),
		job.Priority, string(job.Status), toMillis(job.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if job.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read job sequence: %w", err)
	}
	return job, nil
}

// validTransition enforces the job state machine edges
func validTransition(from, to types.JobStatus) bool {
	switch from {
	case types.StatusQueued:
		return to == types.StatusProcessing || to == types.StatusFailed
	case types.StatusProcessing:
		return to == types.StatusCompleted || to == types.StatusFailed
	default:
		return false
	}
}

// Transition moves a job from one status to another with compare-and-swap
// semantics. It returns false, without error, when the job's current status is
// not from: another execution context already claimed or finished it.
func (d *DB) Transition(ctx context.Context, jobID string, from, to types.JobStatus, f TransitionFields) (bool, error) {
	if !validTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := toMillis(d.now())
	sets := []string{"status = ?"}
	args := []any{string(to)}

	switch to {
	case types.StatusProcessing:
		sets = append(sets, "started_at = ?", "strategy = ?")
		args = append(args, now, string(f.Strategy))
	case types.StatusCompleted:
		if f.ResultRef == "" {
			return false, ErrMissingResult
		}
		sets = append(sets, "progress = 100", "result_ref = ?", "duration_seconds = ?", "completed_at = ?")
		args = append(args, f.ResultRef, f.DurationSeconds, now)
	case types.StatusFailed:
		detail := strings.TrimSpace(f.ErrorDetail)
		if detail == "" {
			detail = "unknown error"
		}
		sets = append(sets, "error_detail = ?", "completed_at = ?")
		args = append(args, detail, now)
	}
	if f.ExternalHandle != "" {
		sets = append(sets, "external_handle = ?")
		args = append(args, f.ExternalHandle)
	}

	args = append(args, jobID, string(from))
	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE job_id = ? AND status = ?"

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s: %w", jobID, err)
	}
	return n == 1, nil
}

// SetProgress records progress for a processing job. Values may repeat but
// never decrease; 100 is reserved for the COMPLETED transition.
func (d *DB) SetProgress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 || percent > 99 {
		return ErrInvalidProgress
	}

	res, err := d.db.ExecContext(ctx, `
	UPDATE jobs SET progress = ?
	WHERE job_id = ? AND status = ? AND progress <= ?`,
		percent, jobID, string(types.StatusProcessing), percent)
	if err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	job, err := d.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.StatusProcessing {
		return ErrNotProcessing
	}
	return ErrProgressRegression
}

// SetExternalHandle stores the backend correlation id of a processing job
func (d *DB) SetExternalHandle(ctx context.Context, jobID, handle string) error {
	res, err := d.db.ExecContext(ctx, `
	UPDATE jobs SET external_handle = ? WHERE job_id = ? AND status = ?`,
		handle, jobID, string(types.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to set external handle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotProcessing
	}
	return nil
}

// GetJob retrieves a job by id
func (d *DB) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobsByOwner returns an owner's jobs, newest first
func (d *DB) ListJobsByOwner(ctx context.Context, ownerID string, f ListFilter) ([]*types.Job, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := "SELECT " + jobColumns + " FROM jobs WHERE owner_id = ?"
	args := []any{ownerID}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	return d.queryJobs(ctx, query, args...)
}

// ListJobsByStatus returns all jobs in a status, in creation order
func (d *DB) ListJobsByStatus(ctx context.Context, status types.JobStatus) ([]*types.Job, error) {
	return d.queryJobs(ctx, "SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY id", string(status))
}

// ListOverdueJobs returns processing jobs that started before the cutoff
func (d *DB) ListOverdueJobs(ctx context.Context, startedBefore time.Time) ([]*types.Job, error) {
	return d.queryJobs(ctx, "SELECT "+jobColumns+` FROM jobs
	WHERE status = ? AND started_at IS NOT NULL AND started_at < ? ORDER BY id`,
		string(types.StatusProcessing), toMillis(startedBefore))
}

func (d *DB) queryJobs(ctx context.Context, query string, args ...any) ([]*types.Job, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*types.Job, error) {
	var (
		job                          types.Job
		model, format, status, strat string
		duration                     sql.NullFloat64
		createdAt                    int64
		startedAt, completedAt       sql.NullInt64
	)
	err := s.Scan(&job.Seq, &job.ID, &job.OwnerID, &job.SourceRef, &model, &format,
		&job.Priority, &status, &job.Progress, &job.ResultRef, &job.ErrorDetail,
		&duration, &job.ExternalHandle, &strat, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Model = types.Model(model)
	job.OutputFormat = types.OutputFormat(format)
	job.Status = types.JobStatus(status)
	job.Strategy = types.Strategy(strat)
	job.DurationSeconds = duration.Float64
	job.CreatedAt = fromMillis(createdAt)
	job.StartedAt = nullableTime(startedAt)
	job.CompletedAt = nullableTime(completedAt)
	return &job, nil
}

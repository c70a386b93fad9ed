package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/whisperq/internal/metrics"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// Store is the persistence the scheduler, pool and completer share.
// *storage.DB implements it.
type Store interface {
	CreateJob(ctx context.Context, p storage.NewJob) (*types.Job, error)
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	Transition(ctx context.Context, jobID string, from, to types.JobStatus, f storage.TransitionFields) (bool, error)
	ListJobsByOwner(ctx context.Context, ownerID string, f storage.ListFilter) ([]*types.Job, error)
	ListJobsByStatus(ctx context.Context, status types.JobStatus) ([]*types.Job, error)
	MonthlyUsage(ctx context.Context, ownerID string) (int, error)
	RecordUsage(ctx context.Context, ownerID, jobID string, minutes int) (bool, error)
	UnbilledCompletedJobs(ctx context.Context, limit int) ([]*types.Job, error)
}

// TerminalHook runs after a job this process moved to a terminal state
type TerminalHook func(job *types.Job, status types.JobStatus)

// Completer applies terminal transitions for both execution strategies and
// bills completed jobs.
type Completer struct {
	store   Store
	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu    sync.RWMutex
	hooks []TerminalHook
}

// NewCompleter creates a completer
func NewCompleter(store Store, log zerolog.Logger, m *metrics.Collector) *Completer {
	return &Completer{
		store:   store,
		log:     log.With().Str("component", "completer").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// OnTerminal registers a hook
func (c *Completer) OnTerminal(h TerminalHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Complete moves a processing job to COMPLETED and records its usage. It
// returns false when another context already finished the job; nothing is
// billed in that case. A ledger failure after a successful transition is
// returned as an error and left for ReconcileUsage.
func (c *Completer) Complete(ctx context.Context, job *types.Job, resultRef string, durationSeconds float64) (bool, error) {
	ok, err := c.store.Transition(ctx, job.ID, types.StatusProcessing, types.StatusCompleted, storage.TransitionFields{
		ResultRef:       resultRef,
		DurationSeconds: durationSeconds,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		c.log.Debug().Str("job_id", job.ID).Msg("Completion ignored, job no longer processing")
		return false, nil
	}

	c.metrics.RecordCompleted(string(job.Strategy), c.elapsed(job))
	c.fire(job, types.StatusCompleted)

	minutes := types.BillableMinutes(durationSeconds)
	if err := c.bill(ctx, job.OwnerID, job.ID, minutes); err != nil {
		c.log.Error().Err(err).Str("job_id", job.ID).Int("minutes", minutes).
			Msg("Usage not recorded, will be reconciled")
		return true, err
	}

	c.log.Info().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Int("minutes", minutes).
		Str("result_ref", resultRef).Msg("Job completed")
	return true, nil
}

// Fail moves a processing job to FAILED. It returns false on a CAS miss.
func (c *Completer) Fail(ctx context.Context, job *types.Job, detail string) (bool, error) {
	ok, err := c.store.Transition(ctx, job.ID, types.StatusProcessing, types.StatusFailed,
		storage.TransitionFields{ErrorDetail: detail})
	if err != nil {
		return false, err
	}
	if !ok {
		c.log.Debug().Str("job_id", job.ID).Msg("Failure ignored, job no longer processing")
		return false, nil
	}

	c.metrics.RecordFailed(string(job.Strategy))
	c.fire(job, types.StatusFailed)
	c.log.Warn().Str("job_id", job.ID).Str("error", detail).Msg("Job failed")
	return true, nil
}

// ReconcileUsage bills completed jobs that have no usage record, using the
// duration stored on the job. It is safe to run repeatedly.
func (c *Completer) ReconcileUsage(ctx context.Context) (int, error) {
	jobs, err := c.store.UnbilledCompletedJobs(ctx, 500)
	if err != nil {
		return 0, err
	}

	billed := 0
	for _, job := range jobs {
		minutes := types.BillableMinutes(job.DurationSeconds)
		if err := c.bill(ctx, job.OwnerID, job.ID, minutes); err != nil {
			return billed, fmt.Errorf("failed to reconcile job %s: %w", job.ID, err)
		}
		billed++
		c.log.Info().Str("job_id", job.ID).Int("minutes", minutes).Msg("Reconciled usage")
	}
	return billed, nil
}

func (c *Completer) bill(ctx context.Context, ownerID, jobID string, minutes int) error {
	recorded, err := c.store.RecordUsage(ctx, ownerID, jobID, minutes)
	if err != nil {
		return err
	}
	if recorded {
		c.metrics.RecordMinutes(minutes)
	}
	return nil
}

func (c *Completer) fire(job *types.Job, status types.JobStatus) {
	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()
	for _, h := range hooks {
		h(job, status)
	}
}

func (c *Completer) elapsed(job *types.Job) time.Duration {
	if job.StartedAt == nil {
		return 0
	}
	return c.now().Sub(*job.StartedAt)
}

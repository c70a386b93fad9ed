package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/whisperq/internal/metrics"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// Admission and lookup errors
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrAlreadyTerminal = errors.New("job already finished")
)

// QuotaExceededError rejects a submission at admission
type QuotaExceededError struct {
	OwnerID   string
	Plan      types.Plan
	Used      int
	Quota     types.Minutes
	Requested int
}

func (e *QuotaExceededError) Error() string {
	if e.Requested > 0 {
		return fmt.Sprintf("monthly quota exceeded: %d of %d minutes used, %d requested", e.Used, e.Quota, e.Requested)
	}
	return fmt.Sprintf("monthly quota exceeded: %d of %d minutes used", e.Used, e.Quota)
}

// EnqueueRequest is a transcription submission
type EnqueueRequest struct {
	OwnerID   string
	Plan      types.Plan
	SourceRef string
	Model     string
	Format    string
	// EstimatedMinutes is optional; when set the submission must also fit in
	// the remaining quota
	EstimatedMinutes int
}

// Scheduler admits jobs under the quota policy and hands them to the queue
type Scheduler struct {
	store     Store
	queue     Queue
	pool      *WorkerPool
	completer *Completer
	log       zerolog.Logger
	metrics   *metrics.Collector
}

// NewScheduler creates a scheduler. pool may be nil for processes that only
// admit jobs.
func NewScheduler(store Store, q Queue, pool *WorkerPool, completer *Completer, log zerolog.Logger, m *metrics.Collector) *Scheduler {
	return &Scheduler{
		store:     store,
		queue:     q,
		pool:      pool,
		completer: completer,
		log:       log.With().Str("component", "scheduler").Logger(),
		metrics:   m,
	}
}

// Enqueue validates a submission, checks the owner's quota and queues a new job.
// Rejected submissions never create a job.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*types.Job, error) {
	params, err := s.validate(req)
	if err != nil {
		s.metrics.RecordRejected("invalid")
		return nil, err
	}

	if err := s.checkQuota(ctx, req); err != nil {
		var qe *QuotaExceededError
		if errors.As(err, &qe) {
			s.metrics.RecordRejected("quota")
			s.log.Info().Str("owner_id", req.OwnerID).Int("used", qe.Used).Msg("Submission rejected, quota exceeded")
		}
		return nil, err
	}

	job, err := s.store.CreateJob(ctx, params)
	if err != nil {
		return nil, err
	}

	if err := s.queue.Push(ctx, Item{JobID: job.ID, Priority: job.Priority, Seq: job.Seq}); err != nil {
		// never leave an admitted job stranded in QUEUED with no ticket
		if _, ferr := s.store.Transition(context.WithoutCancel(ctx), job.ID, types.StatusQueued, types.StatusFailed,
			storage.TransitionFields{ErrorDetail: "failed to queue job"}); ferr != nil {
			s.log.Error().Err(ferr).Str("job_id", job.ID).Msg("Failed to fail unqueued job")
		}
		return nil, fmt.Errorf("failed to queue job: %w", err)
	}

	s.metrics.RecordEnqueue()
	if n, err := s.queue.Len(ctx); err == nil {
		s.metrics.SetQueueDepth(n)
	}
	s.log.Info().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Int("priority", job.Priority).
		Str("model", string(job.Model)).Msg("Job enqueued")
	return job, nil
}

func (s *Scheduler) validate(req EnqueueRequest) (storage.NewJob, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return storage.NewJob{}, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		return storage.NewJob{}, fmt.Errorf("%w: sourceRef is required", ErrInvalidRequest)
	}
	plan, err := types.ParsePlan(string(req.Plan))
	if err != nil {
		return storage.NewJob{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	model, err := types.ParseModel(req.Model)
	if err != nil {
		return storage.NewJob{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	format, err := types.ParseOutputFormat(req.Format)
	if err != nil {
		return storage.NewJob{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.EstimatedMinutes < 0 {
		return storage.NewJob{}, fmt.Errorf("%w: estimatedMinutes must not be negative", ErrInvalidRequest)
	}

	return storage.NewJob{
		OwnerID:      req.OwnerID,
		SourceRef:    req.SourceRef,
		Model:        model,
		OutputFormat: format,
		Priority:     plan.Priority(),
	}, nil
}

func (s *Scheduler) checkQuota(ctx context.Context, req EnqueueRequest) error {
	plan, _ := types.ParsePlan(string(req.Plan))
	quota := plan.Quota()
	if quota.IsUnlimited() {
		return nil
	}

	used, err := s.store.MonthlyUsage(ctx, req.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to check quota: %w", err)
	}
	if used >= int(quota) || (req.EstimatedMinutes > 0 && used+req.EstimatedMinutes > int(quota)) {
		return &QuotaExceededError{
			OwnerID:   req.OwnerID,
			Plan:      plan,
			Used:      used,
			Quota:     quota,
			Requested: req.EstimatedMinutes,
		}
	}
	return nil
}

// Status returns a job owned by ownerID. Jobs of other owners are reported
// as not found.
func (s *Scheduler) Status(ctx context.Context, jobID, ownerID string) (*types.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, storage.ErrJobNotFound
	}
	return job, nil
}

// List returns the owner's jobs, newest first
func (s *Scheduler) List(ctx context.Context, ownerID string, f storage.ListFilter) ([]*types.Job, error) {
	return s.store.ListJobsByOwner(ctx, ownerID, f)
}

// Cancel requests cancellation. A queued job fails immediately; a job running
// in this process has its context cancelled and is failed by its worker; any
// other processing job is failed directly and its late result is ignored.
func (s *Scheduler) Cancel(ctx context.Context, jobID, ownerID string) error {
	job, err := s.Status(ctx, jobID, ownerID)
	if err != nil {
		return err
	}

	if job.Status == types.StatusQueued {
		ok, err := s.store.Transition(ctx, job.ID, types.StatusQueued, types.StatusFailed,
			storage.TransitionFields{ErrorDetail: ErrCancelled.Error()})
		if err != nil {
			return err
		}
		if ok {
			s.log.Info().Str("job_id", job.ID).Msg("Queued job cancelled")
			return nil
		}
		// claimed in the meantime
		if job, err = s.store.GetJob(ctx, jobID); err != nil {
			return err
		}
	}

	if job.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}

	if s.pool != nil && s.pool.Cancel(job.ID) {
		s.log.Info().Str("job_id", job.ID).Msg("Cancellation signalled to worker")
		return nil
	}

	ok, err := s.completer.Fail(ctx, job, ErrCancelled.Error())
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyTerminal
	}
	s.log.Info().Str("job_id", job.ID).Str("strategy", string(job.Strategy)).Msg("Processing job cancelled")
	return nil
}

// RecoveryStats summarises a startup recovery pass
type RecoveryStats struct {
	Requeued int
	Failed   int
}

// Recover rebuilds in-process state after a restart. Queued jobs are pushed
// again in creation order and local jobs that were mid-flight are failed;
// both steps are skipped for a durable queue, whose backlog survived and whose
// workers may live in other processes. Remote jobs wait for their callback or
// the overdue reaper.
func (s *Scheduler) Recover(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats
	if s.queue.Durable() {
		return stats, nil
	}

	queued, err := s.store.ListJobsByStatus(ctx, types.StatusQueued)
	if err != nil {
		return stats, err
	}
	for _, job := range queued {
		if err := s.queue.Push(ctx, Item{JobID: job.ID, Priority: job.Priority, Seq: job.Seq}); err != nil {
			return stats, err
		}
		stats.Requeued++
	}

	processing, err := s.store.ListJobsByStatus(ctx, types.StatusProcessing)
	if err != nil {
		return stats, err
	}
	for _, job := range processing {
		if job.Strategy != types.StrategyLocal {
			continue
		}
		ok, err := s.completer.Fail(ctx, job, "interrupted by restart")
		if err != nil {
			return stats, err
		}
		if ok {
			stats.Failed++
		}
	}

	if stats.Requeued > 0 || stats.Failed > 0 {
		s.log.Info().Int("requeued", stats.Requeued).Int("failed", stats.Failed).Msg("Recovered jobs after restart")
	}
	return stats, nil
}

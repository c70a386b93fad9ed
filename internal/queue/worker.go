package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/whisperq/internal/metrics"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// Cancellation causes attached to a job's context
var (
	ErrCancelled = errors.New("cancelled by user")
	ErrTimedOut  = errors.New("timed out")
	ErrShutdown  = errors.New("interrupted by shutdown")
)

// Executor runs one claimed job. Local execution drives the job to a
// terminal state before returning; remote callback execution may return with
// the job still PROCESSING. A returned error fails the job.
type Executor interface {
	Execute(ctx context.Context, job *types.Job) error
	Strategy() types.Strategy
}

// WorkerPool pulls jobs from the queue with a fixed number of workers
type WorkerPool struct {
	queue       Queue
	store       Store
	executor    Executor
	completer   *Completer
	workerCount int
	jobTimeout  time.Duration
	log         zerolog.Logger
	metrics     *metrics.Collector

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(
	q Queue,
	store Store,
	executor Executor,
	completer *Completer,
	workerCount int,
	jobTimeout time.Duration,
	log zerolog.Logger,
	m *metrics.Collector,
) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Minute
	}
	return &WorkerPool{
		queue:       q,
		store:       store,
		executor:    executor,
		completer:   completer,
		workerCount: workerCount,
		jobTimeout:  jobTimeout,
		log:         log.With().Str("component", "worker").Logger(),
		metrics:     m,
		running:     make(map[string]context.CancelCauseFunc),
	}
}

// Start launches the workers; they stop when ctx is done
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.log.Info().Int("workers", wp.workerCount).Str("strategy", string(wp.executor.Strategy())).
		Msg("Starting worker pool")
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go func(id int) {
			defer wp.wg.Done()
			wp.worker(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has returned
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Cancel signals a job running in this pool. It returns false when the job
// is not running here.
func (wp *WorkerPool) Cancel(jobID string) bool {
	wp.mu.Lock()
	cancel, ok := wp.running[jobID]
	wp.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log := wp.log.With().Int("worker", id).Logger()
	log.Debug().Msg("Worker started")

	for {
		item, err := wp.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				log.Debug().Msg("Worker stopped")
				return
			}
			log.Error().Err(err).Msg("Failed to pop job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if n, err := wp.queue.Len(ctx); err == nil {
			wp.metrics.SetQueueDepth(n)
		}
		wp.processJob(ctx, log, item)
	}
}

// processJob claims one job and runs it to completion or hand-off
func (wp *WorkerPool) processJob(ctx context.Context, log zerolog.Logger, item Item) {
	claimed, err := wp.store.Transition(ctx, item.JobID, types.StatusQueued, types.StatusProcessing,
		storage.TransitionFields{Strategy: wp.executor.Strategy()})
	if err != nil {
		log.Error().Err(err).Str("job_id", item.JobID).Msg("Failed to claim job")
		return
	}
	if !claimed {
		// cancelled while queued, or a duplicate ticket
		log.Debug().Str("job_id", item.JobID).Msg("Job no longer queued, skipping")
		return
	}

	job, err := wp.store.GetJob(ctx, item.JobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", item.JobID).Msg("Failed to load claimed job")
		return
	}
	log.Info().Str("job_id", job.ID).Int("priority", job.Priority).Msg("Processing job")

	jobCtx, cancel := context.WithCancelCause(ctx)
	jobCtx, stop := context.WithTimeoutCause(jobCtx, wp.jobTimeout, ErrTimedOut)
	wp.mu.Lock()
	wp.running[job.ID] = cancel
	wp.mu.Unlock()
	wp.metrics.AddInFlight(1)

	defer func() {
		stop()
		cancel(nil)
		wp.mu.Lock()
		delete(wp.running, job.ID)
		wp.mu.Unlock()
		wp.metrics.AddInFlight(-1)
	}()

	execErr := wp.execute(jobCtx, log, job)
	if execErr == nil {
		return
	}

	detail := failureDetail(jobCtx, ctx, execErr, wp.jobTimeout)
	// the job context is done by now; the failure must still be written
	if _, err := wp.completer.Fail(context.WithoutCancel(ctx), job, detail); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
	}
}

// execute runs the executor and turns a panic into an error
func (wp *WorkerPool) execute(ctx context.Context, log zerolog.Logger, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Str("stack", string(debug.Stack())).
				Msgf("PANIC processing job: %v", r)
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return wp.executor.Execute(ctx, job)
}

func failureDetail(jobCtx, parent context.Context, err error, timeout time.Duration) string {
	switch cause := context.Cause(jobCtx); {
	case errors.Is(cause, ErrCancelled):
		return ErrCancelled.Error()
	case errors.Is(cause, ErrTimedOut):
		return fmt.Sprintf("timed out after %s", timeout)
	case parent.Err() != nil:
		return ErrShutdown.Error()
	}
	return err.Error()
}

// Package cleanup runs the periodic housekeeping pass: scratch directories
// left behind by crashed jobs, processing jobs that outlived their deadline,
// and completed jobs whose usage was never recorded.
package cleanup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// JobStore lists jobs stuck in PROCESSING
type JobStore interface {
	ListOverdueJobs(ctx context.Context, startedBefore time.Time) ([]*types.Job, error)
}

// Finisher fails overdue jobs and bills unbilled ones. *queue.Completer
// implements it.
type Finisher interface {
	Fail(ctx context.Context, job *types.Job, detail string) (bool, error)
	ReconcileUsage(ctx context.Context) (int, error)
}

// Options configures a Scheduler
type Options struct {
	TempDir  string
	Interval time.Duration
	// MaxAge is how old a scratch entry must be before it is removed
	MaxAge time.Duration
	// A job processing for longer than JobTimeout+Grace is failed
	JobTimeout time.Duration
	Grace      time.Duration
}

// Report summarises one pass
type Report struct {
	Removed    int
	BytesFreed int64
	Reaped     int
	Reconciled int
}

// Scheduler handles periodic cleanup
type Scheduler struct {
	store    JobStore
	finisher Finisher
	opts     Options
	log      zerolog.Logger
	now      func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewScheduler creates a new cleanup scheduler
func NewScheduler(store JobStore, finisher Finisher, opts Options, log zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	return &Scheduler{
		store:    store,
		finisher: finisher,
		opts:     opts,
		log:      log.With().Str("component", "cleanup").Logger(),
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs one pass immediately and then every Interval until Stop
func (s *Scheduler) Start(ctx context.Context) {
	s.started.Store(true)
	s.log.Info().Msg("Running initial cleanup pass")
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
		}
	}()

	s.log.Info().Dur("interval", s.opts.Interval).Dur("max_age", s.opts.MaxAge).Msg("Cleanup scheduler started")
}

// Stop halts the scheduler and waits for a running pass to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	if !s.started.Load() {
		return
	}
	<-s.done
	s.log.Info().Msg("Cleanup scheduler stopped")
}

// RunOnce performs a single pass. Each step logs its own failures and the
// remaining steps still run.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	var r Report
	if s.opts.TempDir != "" {
		r.Removed, r.BytesFreed = s.sweepScratch()
	}
	if s.store != nil && s.finisher != nil && s.opts.JobTimeout > 0 {
		n, err := s.reapOverdue(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("Overdue job sweep failed")
		}
		r.Reaped = n
	}
	if s.finisher != nil {
		n, err := s.finisher.ReconcileUsage(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("Usage reconciliation failed")
		}
		r.Reconciled = n
	}

	if r.Removed > 0 || r.Reaped > 0 || r.Reconciled > 0 {
		s.log.Info().
			Int("removed", r.Removed).
			Float64("freed_mb", float64(r.BytesFreed)/(1024*1024)).
			Int("reaped", r.Reaped).
			Int("reconciled", r.Reconciled).
			Msg("Cleanup complete")
	}
	return r
}

// sweepScratch removes top-level temp entries older than MaxAge
func (s *Scheduler) sweepScratch() (int, int64) {
	entries, err := os.ReadDir(s.opts.TempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error().Err(err).Str("dir", s.opts.TempDir).Msg("Failed to read temp directory")
		}
		return 0, 0
	}

	now := s.now()
	var removed int
	var freed int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age <= s.opts.MaxAge {
			continue
		}

		path := filepath.Join(s.opts.TempDir, e.Name())
		size := diskUsage(path, info)
		if err := os.RemoveAll(path); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("Failed to delete old temp entry")
			continue
		}
		removed++
		freed += size
		s.log.Debug().Str("name", e.Name()).Dur("age", age.Round(time.Minute)).Int64("bytes", size).Msg("Deleted old temp entry")
	}
	return removed, freed
}

func diskUsage(path string, info fs.FileInfo) int64 {
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if fi, err := d.Info(); err == nil && !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// reapOverdue fails jobs whose processing outlived the deadline, most often
// remote callbacks that never arrived
func (s *Scheduler) reapOverdue(ctx context.Context) (int, error) {
	limit := s.opts.JobTimeout + s.opts.Grace
	jobs, err := s.store.ListOverdueJobs(ctx, s.now().Add(-limit))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range jobs {
		ok, err := s.finisher.Fail(ctx, job, fmt.Sprintf("timed out after %s", s.opts.JobTimeout))
		if err != nil {
			return reaped, fmt.Errorf("failed to reap job %s: %w", job.ID, err)
		}
		if ok {
			reaped++
			s.log.Warn().Str("job_id", job.ID).Str("strategy", string(job.Strategy)).Msg("Overdue job failed")
		}
	}
	return reaped, nil
}

// EnsureTempDirExists creates the temp directory if it doesn't exist
func EnsureTempDirExists(tempDir string) error {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	return nil
}

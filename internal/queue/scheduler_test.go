package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/whisperq/internal/metrics"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

type testEnv struct {
	store     *storage.DB
	queue     *MemoryQueue
	completer *Completer
	scheduler *Scheduler
	metrics   *metrics.Collector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := metrics.NewCollector(prometheus.NewRegistry())
	q := NewMemoryQueue()
	c := NewCompleter(db, zerolog.Nop(), m)
	return &testEnv{
		store:     db,
		queue:     q,
		completer: c,
		scheduler: NewScheduler(db, q, nil, c, zerolog.Nop(), m),
		metrics:   m,
	}
}

func request(owner string, plan types.Plan) EnqueueRequest {
	return EnqueueRequest{
		OwnerID:   owner,
		Plan:      plan,
		SourceRef: "uploads/" + owner + "/talk.mp3",
		Model:     "base",
		Format:    "srt",
	}
}

func TestEnqueueRejectsJobThatWouldExceedQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.RecordUsage(ctx, "user-1", "old-job", 55)
	require.NoError(t, err)

	req := request("user-1", types.PlanFree)
	req.EstimatedMinutes = 10
	job, err := env.scheduler.Enqueue(ctx, req)

	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Nil(t, job)
	assert.Equal(t, 55, qe.Used)
	assert.Equal(t, types.Minutes(60), qe.Quota)

	jobs, err := env.store.ListJobsByOwner(ctx, "user-1", storage.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions never create a job")
	n, _ := env.queue.Len(ctx)
	assert.Zero(t, n)
}

func TestEnqueueRejectsWhenQuotaUsedUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.RecordUsage(ctx, "user-1", "old-job", 60)
	require.NoError(t, err)

	_, err = env.scheduler.Enqueue(ctx, request("user-1", types.PlanFree))
	var qe *QuotaExceededError
	assert.ErrorAs(t, err, &qe)

	job, err := env.scheduler.Enqueue(ctx, request("user-1", types.PlanPro))
	require.NoError(t, err, "the same usage fits the PRO quota")
	assert.Equal(t, 2, job.Priority)
}

func TestEnqueueUnlimitedPlanIgnoresUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.RecordUsage(ctx, "user-1", "old-job", 100000)
	require.NoError(t, err)

	req := request("user-1", types.PlanBusiness)
	req.EstimatedMinutes = 500
	job, err := env.scheduler.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Priority)
}

func TestEnqueueAdmitsWithinQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := request("user-1", types.PlanFree)
	req.EstimatedMinutes = 10
	job, err := env.scheduler.Enqueue(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, types.StatusQueued, job.Status)
	assert.Equal(t, types.ModelBase, job.Model)
	assert.Equal(t, types.FormatSRT, job.OutputFormat)
	assert.Equal(t, 1, job.Priority)

	item, err := env.queue.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, Item{JobID: job.ID, Priority: 1, Seq: job.Seq}, item)
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		modify func(*EnqueueRequest)
	}{
		{"missing owner", func(r *EnqueueRequest) { r.OwnerID = "" }},
		{"missing source", func(r *EnqueueRequest) { r.SourceRef = " " }},
		{"unknown model", func(r *EnqueueRequest) { r.Model = "LARGE" }},
		{"unknown format", func(r *EnqueueRequest) { r.Format = "docx" }},
		{"unknown plan", func(r *EnqueueRequest) { r.Plan = "GOLD" }},
		{"negative estimate", func(r *EnqueueRequest) { r.EstimatedMinutes = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("user-1", types.PlanFree)
			tt.modify(&req)
			_, err := env.scheduler.Enqueue(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestStatusHidesOtherOwnersJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.scheduler.Enqueue(ctx, request("user-1", types.PlanFree))
	require.NoError(t, err)

	got, err := env.scheduler.Status(ctx, job.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = env.scheduler.Status(ctx, job.ID, "user-2")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
}

func TestCancelQueuedJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.scheduler.Enqueue(ctx, request("user-1", types.PlanFree))
	require.NoError(t, err)

	assert.ErrorIs(t, env.scheduler.Cancel(ctx, job.ID, "user-2"), storage.ErrJobNotFound)
	require.NoError(t, env.scheduler.Cancel(ctx, job.ID, "user-1"))

	got, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "cancelled by user", got.ErrorDetail)
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, env.scheduler.Cancel(ctx, job.ID, "user-1"), ErrAlreadyTerminal)
}

func TestCancelRemoteProcessingJobIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	var fired []types.JobStatus
	env.completer.OnTerminal(func(_ *types.Job, s types.JobStatus) {
		mu.Lock()
		fired = append(fired, s)
		mu.Unlock()
	})

	job, err := env.scheduler.Enqueue(ctx, request("user-1", types.PlanFree))
	require.NoError(t, err)
	ok, err := env.store.Transition(ctx, job.ID, types.StatusQueued, types.StatusProcessing,
		storage.TransitionFields{Strategy: types.StrategyRemote})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, env.scheduler.Cancel(ctx, job.ID, "user-1"))

	got, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, []types.JobStatus{types.StatusFailed}, fired)

	// the remote result arriving afterwards is ignored
	applied, err := env.completer.Complete(ctx, got, "results/late.srt", 120)
	require.NoError(t, err)
	assert.False(t, applied)
	used, err := env.store.MonthlyUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestRecoverRequeuesAndFailsOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	queued, err := env.store.CreateJob(ctx, storage.NewJob{OwnerID: "u", SourceRef: "s", Model: types.ModelBase, OutputFormat: types.FormatTXT, Priority: 1})
	require.NoError(t, err)
	local, err := env.store.CreateJob(ctx, storage.NewJob{OwnerID: "u", SourceRef: "s", Model: types.ModelBase, OutputFormat: types.FormatTXT, Priority: 1})
	require.NoError(t, err)
	remote, err := env.store.CreateJob(ctx, storage.NewJob{OwnerID: "u", SourceRef: "s", Model: types.ModelBase, OutputFormat: types.FormatTXT, Priority: 1})
	require.NoError(t, err)

	_, err = env.store.Transition(ctx, local.ID, types.StatusQueued, types.StatusProcessing, storage.TransitionFields{Strategy: types.StrategyLocal})
	require.NoError(t, err)
	_, err = env.store.Transition(ctx, remote.ID, types.StatusQueued, types.StatusProcessing, storage.TransitionFields{Strategy: types.StrategyRemote})
	require.NoError(t, err)

	stats, err := env.scheduler.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryStats{Requeued: 1, Failed: 1}, stats)

	item, err := env.queue.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, item.JobID)

	got, err := env.store.GetJob(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.ErrorDetail)

	got, err = env.store.GetJob(ctx, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, got.Status, "remote jobs wait for their callback")
}

func TestCompleteBillsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.scheduler.Enqueue(ctx, request("user-1", types.PlanFree))
	require.NoError(t, err)
	_, err = env.store.Transition(ctx, job.ID, types.StatusQueued, types.StatusProcessing, storage.TransitionFields{Strategy: types.StrategyLocal})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := env.completer.Complete(ctx, job, "results/user-1/x.srt", 541)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for ok := range results {
		if ok {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	used, err := env.store.MonthlyUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 10, used, "541 seconds bill as 10 minutes")
}

func TestReconcileUsageBillsFromStoredDuration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.scheduler.Enqueue(ctx, request("user-1", types.PlanPro))
	require.NoError(t, err)
	_, err = env.store.Transition(ctx, job.ID, types.StatusQueued, types.StatusProcessing, storage.TransitionFields{Strategy: types.StrategyLocal})
	require.NoError(t, err)
	// completed, but the ledger write never happened
	_, err = env.store.Transition(ctx, job.ID, types.StatusProcessing, types.StatusCompleted,
		storage.TransitionFields{ResultRef: "r", DurationSeconds: 125})
	require.NoError(t, err)

	n, err := env.completer.ReconcileUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.completer.ReconcileUsage(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	used, err := env.store.MonthlyUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, used)
}

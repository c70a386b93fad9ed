package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/whisperq/internal/logging"
	"github.com/codebuildervaibhav/whisperq/internal/metrics"
	"github.com/codebuildervaibhav/whisperq/internal/objectstore"
	"github.com/codebuildervaibhav/whisperq/internal/queue"
	"github.com/codebuildervaibhav/whisperq/internal/remote"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

type fakeCallbacks struct {
	mu    sync.Mutex
	got   []remote.Callback
	apply bool
	err   error
}

func (f *fakeCallbacks) HandleCallback(_ context.Context, cb remote.Callback) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, cb)
	return f.apply, f.err
}

type apiEnv struct {
	app       *fiber.App
	db        *storage.DB
	queue     *queue.MemoryQueue
	objects   *objectstore.LocalStore
	callbacks *fakeCallbacks
	logs      *logging.LogBuffer
}

func newAPIEnv(t *testing.T, mutate ...func(*Deps)) *apiEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	objects, err := objectstore.NewLocalStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	m := metrics.NewCollector(prometheus.NewRegistry())
	q := queue.NewMemoryQueue()
	completer := queue.NewCompleter(db, zerolog.Nop(), m)
	logs := logging.NewLogBuffer(100)
	cbs := &fakeCallbacks{apply: true}

	d := Deps{
		Scheduler:     queue.NewScheduler(db, q, nil, completer, zerolog.Nop(), m),
		Ledger:        db,
		Objects:       objects,
		Callbacks:     cbs,
		Metrics:       m,
		Logs:          logs,
		Log:           zerolog.Nop(),
		CallbackToken: "cb-secret",
		AdminToken:    "admin-secret",
		MaxUploadMB:   1,
		DriveEnabled:  true,
		Strategy:      types.StrategyLocal,
		Version:       "test",
		Ping:          func(context.Context) error { return db.Ping() },
	}
	for _, fn := range mutate {
		fn(&d)
	}
	return &apiEnv{app: NewApp(d), db: db, queue: q, objects: objects, callbacks: cbs, logs: logs}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return e.send(t, req)
}

func (e *apiEnv) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func user(id string, plan types.Plan) map[string]string {
	h := map[string]string{HeaderUserID: id}
	if plan != "" {
		h[HeaderUserPlan] = string(plan)
	}
	return h
}

func jobBody() map[string]any {
	return map[string]any{
		"sourceRef":    "uploads/user-1/talk.mp3",
		"model":        "BASE",
		"outputFormat": "SRT",
	}
}

func TestJobRoutesRequireIdentity(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/jobs", jobBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "ERR_UNAUTHENTICATED", body["code"])

	status, _ = env.do(t, http.MethodGet, "/v1/usage", nil, user("user-1", "GOLD"))
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCreateJobQueuesAndReportsStatus(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/jobs", jobBody(), user("user-1", types.PlanPro))
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "QUEUED", body["status"])
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	n, err := env.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, body = env.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, user("user-1", types.PlanPro))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, jobID, body["jobId"])
	assert.Equal(t, "QUEUED", body["status"])
	assert.EqualValues(t, 0, body["progress"])
	assert.Equal(t, "SRT", body["outputFormat"])
	assert.NotContains(t, body, "resultRef")

	job, err := env.db.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanPro.Priority(), job.Priority)
}

func TestCreateJobOverQuotaReturns402(t *testing.T) {
	env := newAPIEnv(t)
	_, err := env.db.RecordUsage(context.Background(), "user-1", "earlier", 58)
	require.NoError(t, err)

	req := jobBody()
	req["estimatedMinutes"] = 5
	status, body := env.do(t, http.MethodPost, "/v1/jobs", req, user("user-1", types.PlanFree))

	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "ERR_QUOTA_EXCEEDED", body["code"])
	assert.EqualValues(t, 58, body["monthlyMinutesUsed"])
	assert.EqualValues(t, 60, body["quota"])
	assert.EqualValues(t, 2, body["remaining"])

	jobs, err := env.db.ListJobsByOwner(context.Background(), "user-1", storage.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCreateJobValidation(t *testing.T) {
	env := newAPIEnv(t)
	h := user("user-1", types.PlanFree)

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing source", map[string]any{"model": "BASE", "outputFormat": "SRT"}, "ERR_INVALID_REQUEST"},
		{"unknown model", map[string]any{"sourceRef": "a.mp3", "model": "HUGE", "outputFormat": "SRT"}, "ERR_INVALID_REQUEST"},
		{"unknown format", map[string]any{"sourceRef": "a.mp3", "model": "BASE", "outputFormat": "DOCX"}, "ERR_INVALID_REQUEST"},
		{"negative estimate", map[string]any{"sourceRef": "a.mp3", "model": "BASE", "outputFormat": "SRT", "estimatedMinutes": -1}, "ERR_INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, "/v1/jobs", tt.body, h)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.code, body["code"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUserID, "user-1")
	status, body := env.send(t, req)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ERR_INVALID_BODY", body["code"])
}

func TestJobsOfOtherOwnersAreNotFound(t *testing.T) {
	env := newAPIEnv(t)
	_, body := env.do(t, http.MethodPost, "/v1/jobs", jobBody(), user("user-1", types.PlanFree))
	jobID := body["jobId"].(string)

	status, body := env.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, user("user-2", types.PlanFree))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "ERR_NOT_FOUND", body["code"])

	status, _ = env.do(t, http.MethodDelete, "/v1/jobs/"+jobID, nil, user("user-2", types.PlanFree))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/v1/jobs/missing", nil, user("user-1", types.PlanFree))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListJobs(t *testing.T) {
	env := newAPIEnv(t)
	h := user("user-1", types.PlanPro)
	for i := 0; i < 3; i++ {
		status, _ := env.do(t, http.MethodPost, "/v1/jobs", jobBody(), h)
		require.Equal(t, http.StatusAccepted, status)
	}
	env.do(t, http.MethodPost, "/v1/jobs", jobBody(), user("user-2", types.PlanPro))

	status, body := env.do(t, http.MethodGet, "/v1/jobs", nil, h)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["jobs"], 3)

	status, body = env.do(t, http.MethodGet, "/v1/jobs?limit=2", nil, h)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["jobs"], 2)

	status, body = env.do(t, http.MethodGet, "/v1/jobs?status=COMPLETED", nil, h)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["jobs"])

	status, _ = env.do(t, http.MethodGet, "/v1/jobs?status=DONE", nil, h)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodGet, "/v1/jobs?limit=0", nil, h)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodGet, "/v1/jobs?limit=500", nil, h)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodGet, "/v1/jobs?limit=501", nil, h)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCancelQueuedJob(t *testing.T) {
	env := newAPIEnv(t)
	h := user("user-1", types.PlanFree)
	_, body := env.do(t, http.MethodPost, "/v1/jobs", jobBody(), h)
	jobID := body["jobId"].(string)

	status, _ := env.do(t, http.MethodDelete, "/v1/jobs/"+jobID, nil, h)
	require.Equal(t, http.StatusAccepted, status)

	_, body = env.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, h)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "cancelled by user", body["errorDetail"])

	status, body = env.do(t, http.MethodDelete, "/v1/jobs/"+jobID, nil, h)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ERR_ALREADY_TERMINAL", body["code"])
}

func TestUsage(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	_, err := env.db.RecordUsage(ctx, "user-1", "job-a", 12)
	require.NoError(t, err)

	status, body := env.do(t, http.MethodGet, "/v1/usage", nil, user("user-1", types.PlanFree))
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 12, body["monthlyMinutesUsed"])
	assert.EqualValues(t, 60, body["quota"])
	assert.EqualValues(t, 48, body["remaining"])

	status, body = env.do(t, http.MethodGet, "/v1/usage", nil, user("user-1", types.PlanBusiness))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "unlimited", body["quota"])
	assert.Equal(t, "unlimited", body["remaining"])
}

func TestUsageFallsBackToStoredPlan(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.db.SetPlan(context.Background(), "user-1", types.PlanPro))

	status, body := env.do(t, http.MethodGet, "/v1/usage", nil, user("user-1", ""))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "PRO", body["plan"])
	assert.EqualValues(t, 600, body["quota"])
}

func TestCallbackAlwaysAcknowledges(t *testing.T) {
	env := newAPIEnv(t)
	tok := map[string]string{HeaderCallbackToken: "cb-secret"}

	status, body := env.do(t, http.MethodPost, "/v1/callbacks/transcription", map[string]any{
		"jobId": "job-1", "status": "COMPLETED", "resultRef": "results/u/job-1.srt", "durationMinutes": 2.5,
	}, tok)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["applied"])
	require.Len(t, env.callbacks.got, 1)
	assert.Equal(t, "job-1", env.callbacks.got[0].ID())
	assert.InDelta(t, 150.0, env.callbacks.got[0].Seconds(), 1e-9)

	env.callbacks.apply = false
	env.callbacks.err = remote.ErrInvalidCallback
	status, body = env.do(t, http.MethodPost, "/v1/callbacks/transcription", map[string]any{"status": "BOGUS"}, tok)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["applied"])

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/transcription", strings.NewReader("garbage"))
	req.Header.Set(HeaderCallbackToken, "cb-secret")
	status, _ = env.send(t, req)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, env.callbacks.got, 2, "unparseable bodies never reach the applier")
}

func TestCallbackRejectsBadToken(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, http.MethodPost, "/v1/callbacks/transcription",
		map[string]any{"jobId": "job-1", "status": "FAILED"}, map[string]string{HeaderCallbackToken: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Empty(t, env.callbacks.got)
}

func TestCallbackWithoutRemoteStrategy(t *testing.T) {
	env := newAPIEnv(t, func(d *Deps) {
		d.Callbacks = nil
		d.CallbackToken = ""
	})
	status, body := env.do(t, http.MethodPost, "/v1/callbacks/transcription",
		map[string]any{"jobId": "job-1", "status": "FAILED"}, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["applied"])
}

func TestAdminRoutes(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	admin := map[string]string{HeaderAdminToken: "admin-secret"}

	status, _ := env.do(t, http.MethodPost, "/v1/admin/usage/reset", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := env.do(t, http.MethodPut, "/v1/admin/users/user-9/plan", map[string]any{"plan": "business"}, admin)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "BUSINESS", body["plan"])
	plan, err := env.db.Plan(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, types.PlanBusiness, plan)

	status, _ = env.do(t, http.MethodPut, "/v1/admin/users/user-9/plan", map[string]any{"plan": "GOLD"}, admin)
	assert.Equal(t, http.StatusBadRequest, status)

	_, err = env.db.RecordUsage(ctx, "user-9", "job-a", 30)
	require.NoError(t, err)
	status, body = env.do(t, http.MethodPost, "/v1/admin/usage/reset", nil, admin)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["reset"])

	used, err := env.db.MonthlyUsage(ctx, "user-9")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	env := newAPIEnv(t, func(d *Deps) { d.AdminToken = "" })
	status, _ := env.do(t, http.MethodPost, "/v1/admin/usage/reset", nil, map[string]string{HeaderAdminToken: ""})
	assert.Equal(t, http.StatusForbidden, status)
}

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(HeaderUserID, "user-1")
	req.Header.Set(HeaderUserPlan, "FREE")
	return req
}

func TestUploadStoresFileAndQueuesJob(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.send(t, multipartUpload(t, "Talk.MP3", []byte("ID3 audio"), map[string]string{
		"model": "SMALL", "outputFormat": "VTT",
	}))
	require.Equal(t, http.StatusAccepted, status)
	ref, _ := body["sourceRef"].(string)
	assert.True(t, strings.HasPrefix(ref, "uploads/user-1/"), ref)
	assert.True(t, strings.HasSuffix(ref, ".mp3"), ref)

	data, err := os.ReadFile(filepath.Join(env.objects.Root(), filepath.FromSlash(ref)))
	require.NoError(t, err)
	assert.Equal(t, "ID3 audio", string(data))

	job, err := env.db.GetJob(context.Background(), body["jobId"].(string))
	require.NoError(t, err)
	assert.Equal(t, types.ModelSmall, job.Model)
	assert.Equal(t, types.FormatVTT, job.OutputFormat)
	assert.Equal(t, ref, job.SourceRef)
}

func TestUploadRejections(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.send(t, multipartUpload(t, "notes.pdf", []byte("%PDF"), nil))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ERR_INVALID_FORMAT", body["code"])

	status, body = env.send(t, multipartUpload(t, "a.wav", []byte("RIFF"), map[string]string{"estimatedMinutes": "lots"}))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ERR_INVALID_REQUEST", body["code"])

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(""))
	req.Header.Set(HeaderUserID, "user-1")
	status, body = env.send(t, req)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ERR_NO_FILE", body["code"])
}

func TestGDriveSubmission(t *testing.T) {
	env := newAPIEnv(t)
	h := user("user-1", types.PlanPro)

	status, body := env.do(t, http.MethodPost, "/v1/jobs/gdrive", map[string]any{
		"url":          "https://drive.google.com/file/d/1AbC_def-GhIjKlMnOpQrStUvWxYz012/view?usp=sharing",
		"model":        "BASE",
		"outputFormat": "TXT",
	}, h)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "gdrive://1AbC_def-GhIjKlMnOpQrStUvWxYz012", body["sourceRef"])

	status, body = env.do(t, http.MethodPost, "/v1/jobs/gdrive", map[string]any{
		"url": "https://example.com/x", "model": "BASE", "outputFormat": "TXT",
	}, h)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ERR_INVALID_URL", body["code"])
}

func TestExtractGDriveFileID(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://drive.google.com/file/d/1AbCdEfGhIjKlMnOpQrStUvWxYz/view", "1AbCdEfGhIjKlMnOpQrStUvWxYz"},
		{"https://drive.google.com/open?id=1AbCdEfGhIjKlMnOpQrStUvWxYz", "1AbCdEfGhIjKlMnOpQrStUvWxYz"},
		{"https://drive.google.com/uc?export=download&id=abc_DEF-123", "abc_DEF-123"},
		{"1AbCdEfGhIjKlMnOpQrStUvWxYz", "1AbCdEfGhIjKlMnOpQrStUvWxYz"},
		{"short", ""},
		{"https://example.com/video.mp4", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractGDriveFileID(tt.url), tt.url)
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	env := newAPIEnv(t, func(d *Deps) {
		d.Objects = nil
		d.DriveEnabled = false
	})
	h := user("user-1", types.PlanFree)

	status, _ := env.send(t, multipartUpload(t, "a.mp3", []byte("x"), nil))
	assert.Equal(t, http.StatusNotFound, status)
	// GET /v1/jobs/:id shadows the path, so fiber may answer 405 instead of 404
	status, _ = env.do(t, http.MethodPost, "/v1/jobs/gdrive", map[string]any{"url": "x"}, h)
	assert.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, status)
}

func TestOperationalRoutes(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "local", body["strategy"])
	assert.Equal(t, "test", body["version"])

	env.do(t, http.MethodPost, "/v1/jobs", jobBody(), user("user-1", types.PlanFree))
	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "whisperq_jobs_enqueued_total")

	_, _ = env.logs.Write([]byte(`{"level":"info","message":"hello"}` + "\n"))
	status, body = env.do(t, http.MethodGet, "/logs", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["logs"])
}

func TestHealthReportsUnhealthyStore(t *testing.T) {
	env := newAPIEnv(t, func(d *Deps) {
		d.Ping = func(context.Context) error { return assert.AnError }
	})
	status, body := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestJobStreamRequiresUpgrade(t *testing.T) {
	env := newAPIEnv(t)
	status, _ := env.do(t, http.MethodGet, "/ws/jobs/some-job", nil, user("user-1", types.PlanFree))
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

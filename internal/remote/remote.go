// Package remote runs transcription jobs on a serverless GPU function over
// HTTP, either waiting for the result or handing off to a callback.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/codebuildervaibhav/whisperq/internal/config"
	"github.com/codebuildervaibhav/whisperq/internal/logging"
	"github.com/codebuildervaibhav/whisperq/internal/metrics"
	"github.com/codebuildervaibhav/whisperq/internal/objectstore"
	"github.com/codebuildervaibhav/whisperq/internal/queue"
	"github.com/codebuildervaibhav/whisperq/internal/retry"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// StatusError is an unexpected HTTP status from the remote function
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned status %d", e.Code)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Body)
}

// IsTransient reports whether a failed invocation may succeed when retried.
// Client errors other than 408 and 429 are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// JobStore is the part of the job store the adapter needs
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	SetExternalHandle(ctx context.Context, jobID, handle string) error
}

// Options configures the adapter
type Options struct {
	Endpoint  string
	HealthURL string
	// Mode is config.RemoteSync or config.RemoteCallback
	Mode        string
	Token       string
	CallbackURL string
	// MaxInFlight bounds concurrent remote jobs; 0 means unbounded
	MaxInFlight int64
	// Timeout bounds one invocation attempt
	Timeout time.Duration
	// SignTTL is the lifetime of pre-signed source URLs
	SignTTL time.Duration
	Retry   retry.Policy
}

// Request is the job payload sent to the remote function
type Request struct {
	TranscriptionID string `json:"transcriptionId"`
	UserID          string `json:"userId"`
	S3AudioURL      string `json:"s3AudioUrl"`
	Model           string `json:"model"`
	Format          string `json:"format"`
	CallbackURL     string `json:"callbackUrl,omitempty"`
}

// Response is the synchronous result, also used to read the call id in
// callback mode
type Response struct {
	Success         bool    `json:"success"`
	S3ResultURL     string  `json:"s3ResultUrl"`
	DurationSeconds float64 `json:"durationSeconds"`
	ProcessingTime  float64 `json:"processingTime"`
	Language        string  `json:"language"`
	Error           string  `json:"error"`
	CallID          string  `json:"callId"`
}

// Adapter implements queue.Executor against a remote function
type Adapter struct {
	store     JobStore
	completer *queue.Completer
	signer    objectstore.Signer
	client    *http.Client
	opts      Options
	log       zerolog.Logger
	metrics   *metrics.Collector

	sem  *semaphore.Weighted
	mu   sync.Mutex
	held map[string]struct{}
}

// NewAdapter creates the remote strategy. signer may be nil, in which case
// source references are sent as they are.
func NewAdapter(
	store JobStore,
	completer *queue.Completer,
	signer objectstore.Signer,
	client *http.Client,
	opts Options,
	log zerolog.Logger,
	m *metrics.Collector,
) (*Adapter, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("remote: endpoint is required")
	}
	if opts.Mode == "" {
		opts.Mode = config.RemoteSync
	}
	if opts.Mode != config.RemoteSync && opts.Mode != config.RemoteCallback {
		return nil, fmt.Errorf("remote: unknown mode %q", opts.Mode)
	}
	if opts.Mode == config.RemoteCallback && opts.CallbackURL == "" {
		return nil, errors.New("remote: callback mode needs a callback url")
	}
	if client == nil {
		client = &http.Client{}
	}
	if opts.Retry.RetryIf == nil {
		opts.Retry.RetryIf = IsTransient
	}

	a := &Adapter{
		store:     store,
		completer: completer,
		signer:    signer,
		client:    client,
		opts:      opts,
		log:       logging.Component(log, "remote"),
		metrics:   m,
		held:      make(map[string]struct{}),
	}
	if opts.MaxInFlight > 0 {
		a.sem = semaphore.NewWeighted(opts.MaxInFlight)
		completer.OnTerminal(func(job *types.Job, _ types.JobStatus) { a.release(job.ID) })
	}
	return a, nil
}

// Strategy implements queue.Executor
func (a *Adapter) Strategy() types.Strategy { return types.StrategyRemote }

// Execute submits the job. In sync mode the job is finished before return;
// in callback mode it stays PROCESSING until HandleCallback.
func (a *Adapter) Execute(ctx context.Context, job *types.Job) (err error) {
	log := a.log.With().Str("job_id", job.ID).Str("mode", a.opts.Mode).Logger()

	if err := a.acquire(ctx, job.ID); err != nil {
		return fmt.Errorf("waiting for a remote slot: %w", err)
	}
	defer func() {
		if err != nil || a.opts.Mode == config.RemoteSync {
			a.release(job.ID)
		}
	}()

	req, err := a.buildRequest(ctx, job)
	if err != nil {
		return err
	}

	pol := a.opts.Retry
	pol.OnRetry = func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("wait", wait).Msg("Remote invocation failed, retrying")
	}
	started := time.Now()
	resp, handle, err := retry2(ctx, pol, func() (*Response, string, error) {
		return a.invoke(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("remote invocation failed: %w", err)
	}

	if a.opts.Mode == config.RemoteCallback {
		if handle != "" {
			if err := a.store.SetExternalHandle(ctx, job.ID, handle); err != nil {
				log.Warn().Err(err).Msg("Failed to store invocation id")
			}
		}
		log.Info().Str("handle", handle).Msg("Job handed off to remote worker")
		return nil
	}

	if !resp.Success {
		detail := resp.Error
		if detail == "" {
			detail = "remote execution failed"
		}
		_, err := a.completer.Fail(context.WithoutCancel(ctx), job, detail)
		return err
	}

	if resp.S3ResultURL == "" {
		_, err := a.completer.Fail(context.WithoutCancel(ctx), job, detailNoResult)
		return err
	}

	ok, err := a.completer.Complete(context.WithoutCancel(ctx), job, resp.S3ResultURL, resp.DurationSeconds)
	switch {
	case err != nil && !ok:
		return fmt.Errorf("failed to complete job: %w", err)
	case err != nil:
		log.Error().Err(err).Msg("Job completed but usage was not recorded; reconciliation will retry")
	case ok:
		log.Info().
			Float64("duration", resp.DurationSeconds).
			Float64("processing_time", resp.ProcessingTime).
			Str("language", resp.Language).
			Dur("elapsed", time.Since(started)).
			Msg("Remote transcription completed")
	}
	return nil
}

func (a *Adapter) buildRequest(ctx context.Context, job *types.Job) ([]byte, error) {
	source := job.SourceRef
	if a.signer != nil {
		signed, err := a.signer.SignGet(ctx, job.SourceRef, a.opts.SignTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to sign source: %w", err)
		}
		source = signed
	}
	r := Request{
		TranscriptionID: job.ID,
		UserID:          job.OwnerID,
		S3AudioURL:      source,
		Model:           string(job.Model),
		Format:          string(job.OutputFormat),
	}
	if a.opts.Mode == config.RemoteCallback {
		r.CallbackURL = a.opts.CallbackURL
	}
	return json.Marshal(r)
}

// invoke makes one attempt. It returns the decoded response (sync mode) and
// the invocation id when the remote side provides one.
func (a *Adapter) invoke(ctx context.Context, body []byte) (*Response, string, error) {
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("invalid remote endpoint: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode/100 != 2 {
		return nil, "", &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(truncate(data, 512)))}
	}

	var out Response
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && a.opts.Mode == config.RemoteSync {
			return nil, "", fmt.Errorf("unreadable remote response: %w", err)
		}
	}
	handle := resp.Header.Get("X-Invocation-Id")
	if handle == "" {
		handle = out.CallID
	}
	return &out, handle, nil
}

func (a *Adapter) acquire(ctx context.Context, jobID string) error {
	if a.sem == nil {
		return nil
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	a.mu.Lock()
	a.held[jobID] = struct{}{}
	a.mu.Unlock()
	return nil
}

// release frees the job's slot once, whichever path gets there first
func (a *Adapter) release(jobID string) {
	if a.sem == nil {
		return
	}
	a.mu.Lock()
	_, ok := a.held[jobID]
	delete(a.held, jobID)
	a.mu.Unlock()
	if ok {
		a.sem.Release(1)
	}
}

// HealthStatus is the remote health payload
type HealthStatus struct {
	Status    string `json:"status"`
	Worker    string `json:"worker"`
	Timestamp string `json:"timestamp"`
}

// Health queries the remote health endpoint
func (a *Adapter) Health(ctx context.Context) (*HealthStatus, error) {
	if a.opts.HealthURL == "" {
		return nil, errors.New("remote: no health url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.opts.HealthURL, nil)
	if err != nil {
		return nil, err
	}
	if a.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.Token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(truncate(data, 512))}
	}
	var hs HealthStatus
	if err := json.Unmarshal(data, &hs); err != nil {
		return nil, fmt.Errorf("unreadable health response: %w", err)
	}
	return &hs, nil
}

type invocation struct {
	resp   *Response
	handle string
}

// retry2 adapts a two-value operation to retry.Do
func retry2(ctx context.Context, p retry.Policy, op func() (*Response, string, error)) (*Response, string, error) {
	inv, err := retry.Do(ctx, p, func() (invocation, error) {
		resp, handle, err := op()
		return invocation{resp: resp, handle: handle}, err
	})
	return inv.resp, inv.handle, err
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

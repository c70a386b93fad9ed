package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// ErrInvalidCallback is returned for callbacks that name no job or state
var ErrInvalidCallback = errors.New("invalid callback")

const detailNoResult = "remote reported completion without a result"

// Callback outcomes, as counted in metrics
const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
	OutcomeInvalid = "invalid"
)

// Callback is a terminal update posted by the remote worker. Both the
// contract field names and the worker's own wire names are accepted.
type Callback struct {
	JobID           string `json:"jobId"`
	TranscriptionID string `json:"transcriptionId"`
	Status          string `json:"status"`
	Success         *bool  `json:"success"`

	ResultRef   string `json:"resultRef"`
	S3ResultURL string `json:"s3ResultUrl"`

	DurationMinutes *float64 `json:"durationMinutes"`
	DurationSeconds *float64 `json:"durationSeconds"`

	ErrorDetail string `json:"errorDetail"`
	Error       string `json:"error"`

	Language       string  `json:"language"`
	ProcessingTime float64 `json:"processingTime"`
}

// ID returns the job id under either field name
func (c Callback) ID() string {
	if c.JobID != "" {
		return c.JobID
	}
	return c.TranscriptionID
}

// Outcome resolves the terminal status the callback reports
func (c Callback) Outcome() (types.JobStatus, error) {
	if c.Status != "" {
		st, err := types.ParseJobStatus(c.Status)
		if err != nil || !st.IsTerminal() {
			return "", fmt.Errorf("%w: status %q", ErrInvalidCallback, c.Status)
		}
		return st, nil
	}
	if c.Success != nil {
		if *c.Success {
			return types.StatusCompleted, nil
		}
		return types.StatusFailed, nil
	}
	return "", fmt.Errorf("%w: no status", ErrInvalidCallback)
}

// Result returns the result reference under either field name
func (c Callback) Result() string {
	if c.ResultRef != "" {
		return c.ResultRef
	}
	return c.S3ResultURL
}

// Seconds returns the reported audio duration in seconds
func (c Callback) Seconds() float64 {
	switch {
	case c.DurationSeconds != nil:
		return *c.DurationSeconds
	case c.DurationMinutes != nil:
		return *c.DurationMinutes * 60
	}
	return 0
}

// Detail returns the failure description under either field name
func (c Callback) Detail() string {
	for _, s := range []string{c.ErrorDetail, c.Error} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return "remote execution failed"
}

// HandleCallback applies a terminal update. It reports whether the update
// changed the job; duplicates and late updates for finished jobs return
// false without error.
func (a *Adapter) HandleCallback(ctx context.Context, cb Callback) (bool, error) {
	id := cb.ID()
	if id == "" {
		a.metrics.RecordCallback(OutcomeInvalid)
		return false, fmt.Errorf("%w: missing job id", ErrInvalidCallback)
	}
	status, err := cb.Outcome()
	if err != nil {
		a.metrics.RecordCallback(OutcomeInvalid)
		return false, err
	}

	job, err := a.store.GetJob(ctx, id)
	if err != nil {
		a.metrics.RecordCallback(OutcomeInvalid)
		return false, err
	}
	log := a.log.With().Str("job_id", id).Str("status", string(status)).Logger()

	var applied bool
	switch {
	case status == types.StatusCompleted && cb.Result() == "":
		log.Warn().Msg("Completion callback carried no result reference")
		applied, err = a.completer.Fail(ctx, job, detailNoResult)
	case status == types.StatusCompleted:
		applied, err = a.completer.Complete(ctx, job, cb.Result(), cb.Seconds())
		if err != nil && applied {
			// transition done, billing left to reconciliation
			log.Error().Err(err).Msg("Callback applied but usage was not recorded")
			err = nil
		}
	default:
		applied, err = a.completer.Fail(ctx, job, cb.Detail())
	}
	if err != nil {
		a.metrics.RecordCallback(OutcomeInvalid)
		return false, err
	}

	if applied {
		a.metrics.RecordCallback(OutcomeApplied)
		log.Info().Str("language", cb.Language).Float64("processing_time", cb.ProcessingTime).Msg("Callback applied")
	} else {
		a.metrics.RecordCallback(OutcomeIgnored)
		log.Debug().Str("current", string(job.Status)).Msg("Duplicate or late callback ignored")
	}
	return applied, nil
}

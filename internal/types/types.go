package types

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a transcription job
type JobStatus string

// Job status constants
const (
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseJobStatus validates a status string
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Model is the transcription model size
type Model string

// Supported models
const (
	ModelBase   Model = "BASE"
	ModelSmall  Model = "SMALL"
	ModelMedium Model = "MEDIUM"
)

// ParseModel validates a model name
func ParseModel(s string) (Model, error) {
	switch m := Model(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModelBase, ModelSmall, ModelMedium:
		return m, nil
	}
	return "", fmt.Errorf("unsupported model %q", s)
}

// EngineName returns the lowercase name whisper engines expect ("base", "small", ...)
func (m Model) EngineName() string {
	return strings.ToLower(string(m))
}

// OutputFormat is the transcript artifact format
type OutputFormat string

// Supported output formats
const (
	FormatJSON OutputFormat = "JSON"
	FormatSRT  OutputFormat = "SRT"
	FormatVTT  OutputFormat = "VTT"
	FormatTXT  OutputFormat = "TXT"
)

// ParseOutputFormat validates an output format
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToUpper(strings.TrimSpace(s))); f {
	case FormatJSON, FormatSRT, FormatVTT, FormatTXT:
		return f, nil
	}
	return "", fmt.Errorf("unsupported output format %q", s)
}

// Extension returns the file extension without the dot
func (f OutputFormat) Extension() string {
	return strings.ToLower(string(f))
}

// ContentType returns the MIME type used when uploading the artifact
func (f OutputFormat) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatSRT:
		return "application/x-subrip"
	case FormatVTT:
		return "text/vtt"
	default:
		return "text/plain"
	}
}

// Strategy identifies the execution backend
type Strategy string

// Execution strategies
const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
)

// Job is a transcription request moving through queue, execution and a terminal state
type Job struct {
	ID              string       `json:"jobId"`
	Seq             int64        `json:"-"`
	OwnerID         string       `json:"ownerId"`
	SourceRef       string       `json:"sourceRef"`
	Model           Model        `json:"model"`
	OutputFormat    OutputFormat `json:"outputFormat"`
	Priority        int          `json:"priority"`
	Status          JobStatus    `json:"status"`
	Progress        int          `json:"progress"`
	ResultRef       string       `json:"resultRef,omitempty"`
	ErrorDetail     string       `json:"errorDetail,omitempty"`
	DurationSeconds float64      `json:"durationSeconds,omitempty"`
	ExternalHandle  string       `json:"externalHandle,omitempty"`
	Strategy        Strategy     `json:"strategy,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
}

// UsageRecord is one immutable billing entry, created once per completed job
type UsageRecord struct {
	OwnerID     string    `json:"ownerId"`
	JobID       string    `json:"jobId"`
	MinutesUsed int       `json:"minutesUsed"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// Transcript is the decoded engine output
type Transcript struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Segment represents a timestamped segment of transcription
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

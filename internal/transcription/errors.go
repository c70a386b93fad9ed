package transcription

import (
	"errors"
	"fmt"
)

// Pipeline stages, used in error reports
const (
	StageDownload   = "download"
	StageProbe      = "probe"
	StageNormalize  = "normalize"
	StageTranscribe = "transcribe"
	StageRender     = "render"
	StageUpload     = "upload"
)

// ErrEmptyTranscript is returned when the engine produced nothing usable
var ErrEmptyTranscript = errors.New("empty transcript")

// PipelineError is a stage-aware failure with optional subprocess context
type PipelineError struct {
	Stage    string
	Message  string
	Command  string
	ExitCode int
	// Output is the tail of the subprocess output
	Output string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.Command, e.ExitCode)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func stageError(stage string, err error, format string, args ...any) *PipelineError {
	return &PipelineError{Stage: stage, Message: fmt.Sprintf(format, args...), Err: err}
}

func commandError(stage string, c Command, res CommandResult, err error) *PipelineError {
	msg := "command failed"
	if err != nil {
		msg = err.Error()
	}
	return &PipelineError{
		Stage:    stage,
		Message:  msg,
		Command:  c.Name,
		ExitCode: res.ExitCode,
		Output:   res.Output,
		Err:      err,
	}
}

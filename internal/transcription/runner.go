package transcription

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// outputTailLines is how many output lines are kept for error reports
const outputTailLines = 20

// Command describes one subprocess invocation
type Command struct {
	Name string
	Args []string
	// OnLine receives every stdout/stderr line; carriage returns also end a line
	OnLine func(line string)
	// Stdout, when set, receives the raw stdout stream and OnLine only sees stderr
	Stdout io.Writer
	// OnStart receives the pid once the process is running
	OnStart func(pid int)
}

// CommandResult is what is left of a finished process
type CommandResult struct {
	ExitCode int
	// Output holds the last lines written by the process
	Output string
}

// CommandRunner abstracts process execution for testability
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// ExecRunner runs commands with os/exec. Cancelling ctx kills the process.
type ExecRunner struct {
	// WaitDelay bounds how long output is drained after the process is killed
	WaitDelay time.Duration
}

// Run starts the command and blocks until it exits
func (r *ExecRunner) Run(ctx context.Context, c Command) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	// Same writer for both streams: exec serializes writes to it
	out := &lineWriter{onLine: c.OnLine}
	cmd.Stdout = out
	cmd.Stderr = out
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}

	if err := cmd.Start(); err != nil {
		return CommandResult{ExitCode: -1}, err
	}
	if c.OnStart != nil {
		c.OnStart(cmd.Process.Pid)
	}

	err := cmd.Wait()
	out.flush()

	result := CommandResult{Output: out.tail()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return result, ctxErr
		}
		return result, err
	}
	return result, nil
}

// lineWriter splits a byte stream into lines on \n or \r
type lineWriter struct {
	mu     sync.Mutex
	onLine func(string)
	buf    bytes.Buffer
	lines  []string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.emit()
			continue
		}
		w.buf.WriteByte(b)
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit()
}

// emit must be called with mu held
func (w *lineWriter) emit() {
	line := strings.TrimSpace(w.buf.String())
	w.buf.Reset()
	if line == "" {
		return
	}
	w.lines = append(w.lines, line)
	if len(w.lines) > outputTailLines {
		w.lines = w.lines[len(w.lines)-outputTailLines:]
	}
	if w.onLine != nil {
		w.onLine(line)
	}
}

func (w *lineWriter) tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.lines, "\n")
}

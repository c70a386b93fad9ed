package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/whisperq/internal/logging"
	"github.com/codebuildervaibhav/whisperq/internal/objectstore"
	"github.com/codebuildervaibhav/whisperq/internal/queue"
	"github.com/codebuildervaibhav/whisperq/internal/retry"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// Progress sub-ranges of the local pipeline
const (
	progressDownloaded = 10
	progressNormalized = 15
	progressEngineDone = 90
	progressUploaded   = 99
)

// errJobFinalized aborts a run whose job was finished elsewhere (reaper, cancel)
var errJobFinalized = errors.New("job is no longer processing")

// JobStore is the part of the job store the pipeline writes to while running
type JobStore interface {
	SetProgress(ctx context.Context, jobID string, percent int) error
	SetExternalHandle(ctx context.Context, jobID, handle string) error
}

// Options configures the local pipeline
type Options struct {
	// TempDir holds one scratch directory per running job
	TempDir string
	FFmpeg  string
	FFprobe string
	Retry   retry.Policy
}

// Pipeline executes jobs on this host: download, probe, normalize, run the
// engine, render and upload
type Pipeline struct {
	store     JobStore
	objects   objectstore.Store
	completer *queue.Completer
	engine    Engine
	runner    CommandRunner
	opts      Options
	log       zerolog.Logger
}

// NewPipeline creates the local execution strategy
func NewPipeline(
	store JobStore,
	objects objectstore.Store,
	completer *queue.Completer,
	engine Engine,
	runner CommandRunner,
	opts Options,
	log zerolog.Logger,
) *Pipeline {
	if runner == nil {
		runner = &ExecRunner{}
	}
	if opts.TempDir == "" {
		opts.TempDir = "temp"
	}
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.FFprobe == "" {
		opts.FFprobe = "ffprobe"
	}
	if opts.Retry.RetryIf == nil {
		opts.Retry.RetryIf = objectstore.IsTransient
	}
	return &Pipeline{
		store:     store,
		objects:   objects,
		completer: completer,
		engine:    engine,
		runner:    runner,
		opts:      opts,
		log:       logging.Component(log, "pipeline"),
	}
}

// Strategy implements queue.Executor
func (p *Pipeline) Strategy() types.Strategy { return types.StrategyLocal }

// Execute runs a claimed job to a terminal state. A returned error is the
// failure detail for the job; success completes the job itself.
func (p *Pipeline) Execute(ctx context.Context, job *types.Job) error {
	log := p.log.With().Str("job_id", job.ID).Logger()
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	dir := filepath.Join(p.opts.TempDir, "job-"+job.ID)
	if err := os.MkdirAll(filepath.Join(dir, "out"), 0o755); err != nil {
		return stageError(StageDownload, err, "failed to create scratch dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to remove scratch dir")
		}
	}()

	rep := &progressReporter{store: p.store, jobID: job.ID, abort: abort, log: log}
	started := time.Now()

	// 1. Download (0-10)
	sourcePath, err := p.download(ctx, job, dir, rep)
	if err != nil {
		return err
	}

	// 2. Probe
	info, err := ProbeAudio(ctx, p.runner, p.opts.FFprobe, sourcePath)
	if err != nil {
		return err
	}
	rep.set(progressDownloaded)
	log.Info().
		Float64("duration", info.Duration).
		Str("codec", info.Codec).
		Int("sample_rate", info.SampleRate).
		Int("channels", info.Channels).
		Msg("Probed source audio")

	// 3. Normalize (10-15)
	audioPath := sourcePath
	if !info.IsCanonical() {
		audioPath = filepath.Join(dir, "audio.wav")
		if err := NormalizeAudio(ctx, p.runner, p.opts.FFmpeg, sourcePath, audioPath); err != nil {
			return err
		}
	}
	rep.set(progressNormalized)

	// 4. Engine (15-90)
	transcript, err := p.transcribe(ctx, job, audioPath, filepath.Join(dir, "out"), info.Duration, rep)
	if err != nil {
		return err
	}
	transcript.Duration = info.Duration

	// 5. Render
	rendered, err := Render(transcript, job.OutputFormat)
	if err != nil {
		return stageError(StageRender, err, "%v", err)
	}
	rep.set(progressEngineDone)

	// 6. Upload (90-99)
	resultRef, err := p.upload(ctx, job, rendered, rep)
	if err != nil {
		return err
	}
	rep.set(progressUploaded)

	if cause := context.Cause(ctx); cause != nil {
		return cause
	}

	// 7. Complete
	ok, err := p.completer.Complete(context.WithoutCancel(ctx), job, resultRef, info.Duration)
	switch {
	case err != nil && !ok:
		return fmt.Errorf("failed to complete job: %w", err)
	case err != nil:
		log.Error().Err(err).Msg("Job completed but usage was not recorded; reconciliation will retry")
	case !ok:
		log.Info().Msg("Job finished elsewhere before completion, result discarded")
	default:
		log.Info().
			Str("result_ref", resultRef).
			Int("segments", len(transcript.Segments)).
			Dur("elapsed", time.Since(started)).
			Msg("Transcription completed")
	}
	return nil
}

func (p *Pipeline) download(ctx context.Context, job *types.Job, dir string, rep *progressReporter) (string, error) {
	path := filepath.Join(dir, "source"+sourceExtension(job.SourceRef))
	_, err := retry.Do(ctx, p.policy(job, StageDownload), func() (struct{}, error) {
		obj, err := p.objects.Fetch(ctx, job.SourceRef)
		if err != nil {
			return struct{}{}, err
		}
		defer obj.Body.Close()

		f, err := os.Create(path)
		if err != nil {
			return struct{}{}, fmt.Errorf("%w: %v", objectstore.ErrPermanent, err)
		}
		body := &countingReader{r: obj.Body, total: obj.Size, onRead: func(frac float64) {
			rep.set(frac * progressDownloaded)
		}}
		if _, err := io.Copy(f, body); err != nil {
			f.Close()
			return struct{}{}, err
		}
		return struct{}{}, f.Close()
	})
	if err != nil {
		return "", stageError(StageDownload, err, "failed to fetch %s: %v", job.SourceRef, err)
	}
	return path, nil
}

func (p *Pipeline) transcribe(ctx context.Context, job *types.Job, audioPath, outDir string, duration float64, rep *progressReporter) (*types.Transcript, error) {
	cmd, artifact := p.engine.Command(Invocation{AudioPath: audioPath, OutputDir: outDir, Model: job.Model})
	parse := p.engine.ProgressParser(duration)
	span := float64(progressEngineDone - progressNormalized)
	cmd.OnLine = func(line string) {
		if pct, ok := parse(line); ok {
			rep.set(progressNormalized + pct/100*span)
		}
	}
	cmd.OnStart = func(pid int) {
		if err := p.store.SetExternalHandle(ctx, job.ID, "pid:"+strconv.Itoa(pid)); err != nil {
			rep.handleErr(err)
		}
	}

	p.log.Debug().Str("job_id", job.ID).Str("engine", p.engine.Name()).Strs("args", cmd.Args).Msg("Starting engine")
	res, err := p.runner.Run(ctx, cmd)
	if err != nil || res.ExitCode != 0 {
		return nil, commandError(StageTranscribe, cmd, res, err)
	}

	data, err := os.ReadFile(artifact)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil, stageError(StageTranscribe, err, "engine produced no output")
	}
	transcript, err := p.engine.ParseArtifact(data)
	if err != nil {
		return nil, stageError(StageTranscribe, err, "%v", err)
	}
	return transcript, nil
}

func (p *Pipeline) upload(ctx context.Context, job *types.Job, rendered []byte, rep *progressReporter) (string, error) {
	key := fmt.Sprintf("results/%s/%s.%s", job.OwnerID, job.ID, job.OutputFormat.Extension())
	span := float64(progressUploaded - progressEngineDone)
	ref, err := retry.Do(ctx, p.policy(job, StageUpload), func() (string, error) {
		body := &countingReader{r: bytes.NewReader(rendered), total: int64(len(rendered)), onRead: func(frac float64) {
			rep.set(progressEngineDone + frac*span)
		}}
		return p.objects.Put(ctx, key, body, int64(len(rendered)), job.OutputFormat.ContentType())
	})
	if err != nil {
		return "", stageError(StageUpload, err, "failed to store result: %v", err)
	}
	return ref, nil
}

func (p *Pipeline) policy(job *types.Job, stage string) retry.Policy {
	pol := p.opts.Retry
	pol.OnRetry = func(err error, wait time.Duration) {
		p.log.Warn().Err(err).Str("job_id", job.ID).Str("stage", stage).Dur("wait", wait).Msg("Retrying transient failure")
	}
	return pol
}

// progressReporter forwards integer progress changes to the job store
type progressReporter struct {
	store JobStore
	jobID string
	abort context.CancelCauseFunc
	log   zerolog.Logger

	mu   sync.Mutex
	last int
}

func (r *progressReporter) set(pct float64) {
	v := int(pct)
	if v > progressUploaded {
		v = progressUploaded
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v <= r.last {
		return
	}
	// Fresh context: OnLine may fire after the run context is gone
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SetProgress(ctx, r.jobID, v); err != nil {
		r.handleErr(err)
		return
	}
	r.last = v
}

func (r *progressReporter) handleErr(err error) {
	switch {
	case errors.Is(err, storage.ErrNotProcessing):
		r.abort(errJobFinalized)
	case errors.Is(err, storage.ErrProgressRegression):
	default:
		r.log.Warn().Err(err).Msg("Failed to update job progress")
	}
}

// countingReader reports the fraction read when the total is known
type countingReader struct {
	r      io.Reader
	total  int64
	read   int64
	onRead func(frac float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.total > 0 && n > 0 && c.onRead != nil {
		c.onRead(min(float64(c.read)/float64(c.total), 1))
	}
	return n, err
}

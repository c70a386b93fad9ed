package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/whisperq/internal/cleanup"
	"github.com/codebuildervaibhav/whisperq/internal/config"
	"github.com/codebuildervaibhav/whisperq/internal/handlers"
	"github.com/codebuildervaibhav/whisperq/internal/logging"
	"github.com/codebuildervaibhav/whisperq/internal/metrics"
	"github.com/codebuildervaibhav/whisperq/internal/objectstore"
	"github.com/codebuildervaibhav/whisperq/internal/queue"
	"github.com/codebuildervaibhav/whisperq/internal/remote"
	"github.com/codebuildervaibhav/whisperq/internal/retry"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/transcription"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// service holds every component of a running server
type service struct {
	cfg     *config.Config
	log     zerolog.Logger
	logs    *logging.LogBuffer
	metrics *metrics.Collector

	db        *storage.DB
	queue     queue.Queue
	objects   objectstore.Store
	signer    objectstore.Signer
	drive     bool
	completer *queue.Completer
	executor  queue.Executor
	adapter   *remote.Adapter
	pool      *queue.WorkerPool
	scheduler *queue.Scheduler
	cleanup   *cleanup.Scheduler
}

func newLogger(cfg *config.Config) (zerolog.Logger, *logging.LogBuffer) {
	buf := logging.NewLogBuffer(cfg.Logging.BufferSize)
	return logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, buf), buf
}

// buildService wires the components selected by cfg. The caller owns Close.
func buildService(ctx context.Context, cfg *config.Config, log zerolog.Logger, logs *logging.LogBuffer) (svc *service, err error) {
	svc = &service{cfg: cfg, log: log, logs: logs}
	defer func() {
		if err != nil {
			svc.Close()
			svc = nil
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc.metrics = metrics.NewCollector(reg)

	if svc.db, err = storage.Open(cfg.Storage.Database); err != nil {
		return svc, err
	}
	if svc.queue, err = newQueue(ctx, cfg); err != nil {
		return svc, err
	}
	if svc.objects, svc.signer, svc.drive, err = newObjectStore(ctx, cfg, log); err != nil {
		return svc, err
	}

	svc.completer = queue.NewCompleter(svc.db, log, svc.metrics)
	if err := svc.buildExecutor(); err != nil {
		return svc, err
	}

	svc.pool = queue.NewWorkerPool(svc.queue, svc.db, svc.executor, svc.completer,
		cfg.Worker.Count, cfg.Worker.JobTimeout, log, svc.metrics)
	svc.scheduler = queue.NewScheduler(svc.db, svc.queue, svc.pool, svc.completer, log, svc.metrics)
	svc.cleanup = cleanup.NewScheduler(svc.db, svc.completer, cleanup.Options{
		TempDir:    cfg.Storage.TempDir,
		Interval:   cfg.Cleanup.Interval,
		MaxAge:     cfg.Cleanup.MaxAge,
		JobTimeout: cfg.Worker.JobTimeout,
		Grace:      cfg.Cleanup.Grace,
	}, log)
	return svc, nil
}

func newQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		q, err := queue.NewRedisQueue(ctx, cfg.Queue.RedisURL, cfg.Queue.Prefix)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "memory", "":
		return queue.NewMemoryQueue(), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

// newObjectStore builds the primary backend and, when Drive credentials are
// present, routes gdrive:// sources to Drive
func newObjectStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (objectstore.Store, objectstore.Signer, bool, error) {
	gd := cfg.Storage.GoogleDrive

	var primary objectstore.Store
	var signer objectstore.Signer
	switch cfg.Storage.Backend {
	case "s3":
		s3, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:         cfg.Storage.S3.Bucket,
			Region:         cfg.Storage.S3.Region,
			Endpoint:       cfg.Storage.S3.Endpoint,
			AccessKey:      cfg.Storage.S3.AccessKey,
			SecretKey:      cfg.Storage.S3.SecretKey,
			ForcePathStyle: cfg.Storage.S3.ForcePathStyle,
			PresignTTL:     cfg.Storage.S3.PresignTTL,
		})
		if err != nil {
			return nil, nil, false, err
		}
		primary, signer = s3, s3
	case "gdrive":
		ds, err := objectstore.NewDriveStore(ctx, gd.CredentialsFile, gd.TokenFile, gd.FolderName)
		if err != nil {
			return nil, nil, false, err
		}
		return ds, nil, true, nil
	default:
		ls, err := objectstore.NewLocalStore(cfg.Storage.OutputDir)
		if err != nil {
			return nil, nil, false, err
		}
		primary = ls
	}

	router := objectstore.NewRouter(primary)
	if gd.CredentialsFile != "" {
		if _, err := os.Stat(gd.CredentialsFile); err == nil {
			ds, err := objectstore.NewDriveStore(ctx, gd.CredentialsFile, gd.TokenFile, gd.FolderName)
			if err != nil {
				log.Warn().Err(err).Msg("Google Drive not available, gdrive sources disabled")
			} else {
				router.Handle("gdrive://", ds)
				log.Info().Msg("Google Drive sources enabled")
			}
		}
	}
	return router, signer, router.Handles("gdrive://"), nil
}

func retryPolicy(cfg *config.Config, log zerolog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		OnRetry: func(err error, wait time.Duration) {
			log.Warn().Err(err).Dur("wait", wait).Msg("Transient error, retrying")
		},
	}
}

func (s *service) buildExecutor() error {
	cfg := s.cfg
	if cfg.Worker.Mode == types.StrategyRemote {
		opts := remote.Options{
			Endpoint:    cfg.Remote.Endpoint,
			HealthURL:   cfg.Remote.HealthURL,
			Mode:        cfg.Remote.Mode,
			Token:       cfg.Remote.Token,
			MaxInFlight: cfg.Remote.MaxInFlight,
			Timeout:     cfg.Remote.Timeout,
			SignTTL:     cfg.Storage.S3.PresignTTL,
			Retry:       retryPolicy(cfg, s.log),
		}
		if cfg.Remote.Mode == config.RemoteCallback {
			opts.CallbackURL = cfg.CallbackURL()
		}
		a, err := remote.NewAdapter(s.db, s.completer, s.signer, &http.Client{}, opts, s.log, s.metrics)
		if err != nil {
			return err
		}
		s.adapter, s.executor = a, a
		return nil
	}

	engine, err := transcription.NewEngine(transcription.EngineOptions{
		Kind:     cfg.Engine.Kind,
		Command:  cfg.Engine.Command,
		ModelDir: cfg.Engine.ModelDir,
		Threads:  cfg.Engine.Threads,
		Device:   cfg.Engine.Device,
		Language: cfg.Engine.Language,
	})
	if err != nil {
		return err
	}
	s.executor = transcription.NewPipeline(s.db, s.objects, s.completer, engine, &transcription.ExecRunner{},
		transcription.Options{
			TempDir: cfg.Storage.TempDir,
			FFmpeg:  cfg.Engine.FFmpegPath,
			FFprobe: cfg.Engine.FFprobe,
			Retry:   retryPolicy(cfg, s.log),
		}, s.log)
	return nil
}

func (s *service) ping(ctx context.Context) error {
	if err := s.db.Ping(); err != nil {
		return err
	}
	_, err := s.queue.Len(ctx)
	return err
}

// httpApp builds the fiber application over the service
func (s *service) httpApp(version string) *fiber.App {
	d := handlers.Deps{
		Scheduler:     s.scheduler,
		Ledger:        s.db,
		Objects:       s.objects,
		Metrics:       s.metrics,
		Logs:          s.logs,
		Log:           s.log,
		CallbackToken: s.cfg.Auth.CallbackToken,
		AdminToken:    s.cfg.Auth.AdminToken,
		MaxUploadMB:   s.cfg.Limits.MaxFileSizeMB,
		DriveEnabled:  s.drive,
		Strategy:      s.executor.Strategy(),
		Version:       version,
		Ping:          s.ping,
	}
	if s.adapter != nil && s.cfg.Remote.Mode == config.RemoteCallback {
		d.Callbacks = s.adapter
	}
	return handlers.NewApp(d)
}

// Close releases the queue and the database
func (s *service) Close() error {
	var errs []error
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

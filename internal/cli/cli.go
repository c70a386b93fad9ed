// Package cli is the whisperq command line: the server and the operator
// commands that run against its database.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/whisperq/internal/cleanup"
	"github.com/codebuildervaibhav/whisperq/internal/config"
	"github.com/codebuildervaibhav/whisperq/internal/objectstore"
	"github.com/codebuildervaibhav/whisperq/internal/queue"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// Version is set at build time with -ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "whisperq",
		Short:         "Quota-aware transcription job scheduler",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "config/config.yaml", "config file path")

	load := func() (*config.Config, error) {
		return config.Load(configFile)
	}

	root.AddCommand(
		newServeCommand(load),
		newResetUsageCommand(load),
		newReconcileUsageCommand(load),
		newSetPlanCommand(load),
		newAuthorizeDriveCommand(load),
		newRemoteHealthCommand(load),
	)
	return root
}

// Execute runs the root command against os.Args
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

type configLoader func() (*config.Config, error)

func newServeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the worker pool and background maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, logs := newLogger(cfg)

	if err := cleanup.EnsureTempDirExists(cfg.Storage.TempDir); err != nil {
		return err
	}

	svc, err := buildService(ctx, cfg, log, logs)
	if err != nil {
		return fmt.Errorf("failed to initialise: %w", err)
	}
	defer svc.Close()

	stats, err := svc.scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	log.Info().Int("requeued", stats.Requeued).Int("failed", stats.Failed).Msg("Startup recovery done")

	// workers outlive the request context so shutdown can drain them
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	svc.pool.Start(workCtx)
	svc.cleanup.Start(workCtx)

	app := svc.httpApp(Version)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("strategy", string(svc.executor.Strategy())).
			Str("queue", cfg.Queue.Backend).Str("storage", cfg.Storage.Backend).Msg("Server starting")
		errCh <- app.Listen(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		stopWorkers()
		svc.pool.Wait()
		svc.cleanup.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down gracefully")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	stopWorkers()
	svc.pool.Wait()
	svc.cleanup.Stop()
	log.Info().Msg("Shutdown complete")
	return nil
}

// withStore opens the database named by the config for a one-shot command
func withStore(load configLoader, fn func(ctx context.Context, cfg *config.Config, db *storage.DB) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		db, err := storage.Open(cfg.Storage.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(cmd.Context(), cfg, db)
	}
}

func newResetUsageCommand(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-usage",
		Short: "Zero every monthly usage counter (run at the start of each billing month)",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withStore(load, func(ctx context.Context, _ *config.Config, db *storage.DB) error {
		n, err := db.ResetAllMonthlyCounters(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %d account(s)\n", n)
		return nil
	})
	return cmd
}

func newReconcileUsageCommand(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile-usage",
		Short: "Record usage for completed jobs that were never billed",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withStore(load, func(ctx context.Context, cfg *config.Config, db *storage.DB) error {
		log, _ := newLogger(cfg)
		n, err := queue.NewCompleter(db, log, nil).ReconcileUsage(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d job(s)\n", n)
		return nil
	})
	return cmd
}

func newSetPlanCommand(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-plan <owner> <plan>",
		Short: "Change an owner's billing plan (FREE, PRO or BUSINESS)",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		plan, err := types.ParsePlan(args[1])
		if err != nil {
			return err
		}
		return withStore(load, func(ctx context.Context, _ *config.Config, db *storage.DB) error {
			if err := db.SetPlan(ctx, args[0], plan); err != nil {
				return err
			}
			view, err := db.QuotaView(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(c, view)
		})(c, args)
	}
	return cmd
}

func newAuthorizeDriveCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "authorize-drive",
		Short: "Run the OAuth flow and save a Google Drive token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			gd := cfg.Storage.GoogleDrive
			if gd.CredentialsFile == "" || gd.TokenFile == "" {
				return errors.New("storage.google_drive.credentials_file and token_file must be set")
			}
			return objectstore.AuthorizeDrive(cmd.Context(), gd.CredentialsFile, gd.TokenFile, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newRemoteHealthCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "remote-health",
		Short: "Query the remote worker's health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Worker.Mode != types.StrategyRemote {
				return errors.New("worker.mode is not remote")
			}
			log, logs := newLogger(cfg)
			svc, err := buildService(cmd.Context(), cfg, log, logs)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			hs, err := svc.adapter.Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, hs)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

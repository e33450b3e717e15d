package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gwi.com/rag-gateway/internal/api"
	"gwi.com/rag-gateway/internal/config"
	"gwi.com/rag-gateway/internal/logger"
	"gwi.com/rag-gateway/internal/server"
	"gwi.com/rag-gateway/internal/worker"
)

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "lightrag-server",
		Short: "LightRAG API server",
		Long: `LightRAG API server: indexes the documents of the input directory and answers
queries through the configured LLM and embedding bindings.

Running without a command starts the server. Every flag can also be set through
the environment or a .env file in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg.Finalize()
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}
	cfg = config.BindFlags(root.PersistentFlags())
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the API server (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "scan",
			Short: "Index the input directory once and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runScan(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "core %s, api %s\n", api.CoreVersion, api.APIVersion)
				return nil
			},
		},
	)
	return root
}

func newLogger(cfg *config.Config) *zap.Logger {
	return logger.New(logger.Options{
		FilePath:    cfg.LogFilePath(),
		MaxBytes:    cfg.LogMaxBytes,
		BackupCount: cfg.LogBackupCount,
		Level:       cfg.LogLevel,
		Verbose:     cfg.Verbose,
		WorkerID:    cfg.WorkerID,
	})
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg)
	defer log.Sync()

	// The parent of a multi-worker deployment only supervises.
	if cfg.Workers > 1 && cfg.WorkerID == 0 {
		return superviseWorkers(ctx, cfg, log)
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	if cfg.WorkerID <= 1 {
		printSplash(cmd.OutOrStdout(), cfg, srv.Bindings(), srv.AuthConfigured())
	}

	shutdown := func() {
		// background tasks get the grace period, HTTP draining a little more
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown finished with errors", zap.Error(err))
		}
	}

	if err := srv.Start(ctx); err != nil {
		shutdown()
		return fmt.Errorf("startup failed: %w", err)
	}

	ln, err := worker.Listen(ctx, cfg.Addr(), cfg.Workers > 1)
	if err != nil {
		shutdown()
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	log.Info("server listening", zap.String("addr", ln.Addr().String()), zap.Bool("ssl", cfg.SSL))

	var result error
	select {
	case err := <-serveErr:
		result = err
	case <-ctx.Done():
		log.Info("shutting down server")
	}
	shutdown()
	if result == nil {
		log.Info("server exited gracefully")
	}
	return result
}

func superviseWorkers(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	log.Info("starting workers", zap.Int("workers", cfg.Workers), zap.String("addr", cfg.Addr()))

	sup := &worker.Supervisor{
		Executable: exe,
		Args:       os.Args[1:],
		Count:      cfg.Workers,
		Grace:      cfg.ShutdownGrace + 15*time.Second,
		Log:        log,
	}
	return sup.Run(ctx)
}

func runScan(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg)
	defer log.Sync()

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	defer srv.Shutdown(context.Background())

	log.Info("starting document scan", zap.String("input_dir", cfg.InputDir))
	result, err := srv.ScanOnce(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if result.Queued {
		fmt.Fprintln(cmd.OutOrStdout(), "Another scan is running; the request was queued for it.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scan complete: %d found, %d indexed, %d unchanged, %d failed.\n",
		result.Found, result.Indexed, result.Skipped, result.Failed)
	return nil
}

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

	"github.com/fentz26/relayq/internal/audit"
	"github.com/fentz26/relayq/internal/connectors/localexec"
	"github.com/fentz26/relayq/internal/controlplane"
	"github.com/fentz26/relayq/internal/observability"
	"github.com/fentz26/relayq/internal/scheduler"
	"github.com/fentz26/relayq/internal/store"
	"github.com/fentz26/relayq/internal/tcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relayq server",
	Long: `Starts the wire server, the worker pool that executes pending tasks, and
(when server.http_addr is set) the HTTP health and state endpoints.`,
	RunE: runServe,
}

var shutdownTimeout time.Duration

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for a graceful shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	codec, err := resolveCodec(cfg)
	if err != nil {
		return err
	}

	logger.Info("starting relayq",
		zap.String("version", controlplane.Version),
		zap.String("store", cfg.Store.Driver),
	)

	// Initialize store
	s, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing store")
		if err := s.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create and start scheduler
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		exec := cfg.Exec
		if exec.WorkDir == "" {
			exec.WorkDir, _ = os.Getwd()
		}
		sched = scheduler.New(s, audit.NewPDRWriter(s), localexec.New(exec), cfg.Scheduler, logger.Named("scheduler"))
		sched.Start()
		defer sched.Stop()
	}

	wireServer := tcp.NewServer(s, codec, cfg.Server.MaxFrameBytes, logger.Named("wire"))

	var httpServer *controlplane.Server
	httpErr := make(chan error, 1)
	if cfg.Server.HTTPAddr != "" {
		var workers controlplane.WorkerStats
		if sched != nil {
			workers = sched
		}
		service := controlplane.NewService(s, workers, wireServer)
		httpServer = controlplane.NewServer(service, cfg.Server.HTTPAddr, logger.Named("http"))
		go func() {
			if err := httpServer.Start(); err != nil {
				httpErr <- err
			}
		}()
	}

	// Run the wire server until a signal arrives or the HTTP server fails.
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	wireErr := make(chan error, 1)
	go func() { wireErr <- wireServer.ListenAndServe(serveCtx, cfg.Server.Addr) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, initiating graceful shutdown")
		cancelServe()
		runErr = <-wireErr
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
		cancelServe()
		<-wireErr
	case runErr = <-wireErr:
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", zap.Error(err))
		}
	}

	if runErr != nil {
		logger.Error("server stopped with error", zap.Error(runErr))
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

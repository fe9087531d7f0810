// ============================================================================
// schedopt CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and driving the optimization engine
//
// Command Structure:
//   schedopt                       # Root command
//   ├── serve                      # Start HTTP + gRPC service
//   ├── optimize                   # Optimize a schedule file
//   │   ├── --file, -f            # Schedule or request JSON
//   │   ├── --algorithm, -a       # Algorithm ID or alias
//   │   └── --server              # Run on a remote service over gRPC
//   ├── algorithms                 # List registered algorithms
//   ├── journal                    # Inspect the lifecycle journal
//   │   ├── show
//   │   └── verify
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration:
//   YAML file with service, store, journal, http, grpc, metrics and log
//   sections. A missing default file falls back to built-in defaults; a
//   missing file passed with --config is an error.
//
// serve Command:
//   1. Load config and install the slog handler
//   2. Open the version store (memory, file or postgres) and the journal
//   3. Start the optimizer service
//   4. Serve REST (+ /metrics) and gRPC
//   5. On SIGINT/SIGTERM: stop the service first so running jobs reach a
//      terminal state and progress streams end, then stop the listeners
//
// optimize Command:
//   Accepts either a bare schedule ({"operations": [...]}) or a full request
//   ({"algorithmId": ..., "scheduleData": {...}}). Runs in-process unless
//   --server is given. Critical-path operations are highlighted.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/internal/api"
	"github.com/ChuLiYu/schedopt/internal/metrics"
	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/internal/server"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
)

var configFile string

const shutdownTimeout = 10 * time.Second

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "schedopt",
		Short: "schedopt: production schedule optimization engine",
		Long: `schedopt optimizes production schedules with:
- Forward/backward scheduling and critical path analysis
- Asynchronous jobs with live progress (SSE and gRPC streaming)
- Versioned schedule history with compare and rollback
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildOptimizeCommand())
	rootCmd.AddCommand(buildAlgorithmsCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// commandConfig loads the config for cmd and installs its logger.
func commandConfig(cmd *cobra.Command) (*Config, error) {
	explicit := false
	if f := cmd.Flag("config"); f != nil {
		explicit = f.Changed
	}
	cfg, err := resolveConfig(configFile, explicit)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cfg.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cfg, nil
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the optimization service",
		Long:  "Start the optimizer with its REST (SSE progress, /metrics) and gRPC endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := commandConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *Config) error {
	logger := slog.Default()
	ctx := context.Background()

	store, err := cfg.openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open version store: %w", err)
	}
	defer store.Close()

	var jrnl *journal.Journal
	if cfg.Journal.Path != "" {
		jrnl, err = journal.Open(cfg.Journal.Path, cfg.Journal.SyncOnAppend)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer jrnl.Close()
	}

	var collector *metrics.Collector
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(reg)
		gatherer = reg
	}

	svc := optimizer.New(cfg.serviceConfig(), optimizer.Dependencies{
		Registry: registry.NewDefault(algorithm.Options{Logger: logger}),
		Versions: store,
		Journal:  jrnl,
		Metrics:  collector,
	})
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start optimizer: %w", err)
	}

	errCh := make(chan error, 2)

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:           api.NewRouter(svc, gatherer),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var grpcServer *grpc.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			svc.Stop()
			return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
		}
		grpcServer = grpc.NewServer()
		server.Register(grpcServer, server.NewServer(svc))
		go func() {
			logger.Info("gRPC server listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	logger.Info("schedopt started",
		"store", cfg.Store.Driver,
		"workers", cfg.Service.Workers,
		"journal", cfg.Journal.Path)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal, stopping gracefully...", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("Listener failed, shutting down", "error", runErr)
	}

	svc.Stop()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}

	logger.Info("schedopt stopped")
	return runErr
}

// Recalld is the per-tenant hybrid document store daemon.
//
// It exposes an HTTP API for ingesting documents and searching them with
// combined lexical and vector retrieval. Configuration comes from a YAML
// file, overridden by RECALL_* environment variables.
//
// Usage:
//
//	# Start with defaults (embedded vector index, recall.db in cwd)
//	recalld serve
//
//	# Start with a config file
//	recalld serve --config /etc/recall/config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/open-assistants-lab/recall/internal/config"
	"github.com/open-assistants-lab/recall/internal/embeddings"
	httpserver "github.com/open-assistants-lab/recall/internal/http"
	"github.com/open-assistants-lab/recall/internal/logging"
	"github.com/open-assistants-lab/recall/internal/search"
	"github.com/open-assistants-lab/recall/internal/store"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "recalld",
	Short:   "Per-tenant hybrid document store",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recalld HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	// A missing .env is fine; explicit env vars always win.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	service, err := embeddings.NewService(cfg.Embeddings.Service)
	if err != nil {
		return fmt.Errorf("creating embedding client: %w", err)
	}
	embedder, err := embeddings.NewCache(service, cfg.Embeddings.Cache)
	if err != nil {
		return fmt.Errorf("creating embedding cache: %w", err)
	}

	st, err := store.New(cfg.Store, embedder, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	engine, err := search.NewEngine(st, cfg.Search, logger)
	if err != nil {
		return fmt.Errorf("creating search engine: %w", err)
	}

	server, err := httpserver.NewServer(st, engine, logger, cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	logger.Info("recalld starting",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store_path", cfg.Store.Path),
		zap.String("vector_backend", cfg.Store.VectorBackend))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	logger.Info("recalld stopped")
	return nil
}

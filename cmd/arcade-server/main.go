package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/gameatica/arcade/internal/config"
	"github.com/gameatica/arcade/internal/github"
	"github.com/gameatica/arcade/internal/handler"
	"github.com/gameatica/arcade/internal/kafka"
	"github.com/gameatica/arcade/internal/localstore"
	"github.com/gameatica/arcade/internal/service"
	"github.com/gameatica/arcade/internal/sqlstore"
	"github.com/gameatica/arcade/internal/websocket"
	"github.com/gameatica/arcade/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the local record store
	local := localstore.New(afero.NewOsFs(), &cfg.LocalStore, &cfg.Arcade, logger)
	if err := local.Init(); err != nil {
		logger.Error("failed to initialize local record store", "error", err)
		os.Exit(1)
	}
	logger.Info("local record store ready", "dir", cfg.LocalStore.Dir, "prefix", cfg.LocalStore.Prefix)

	// Initialize the embedded relational store; its serialized image is
	// persisted into the local record store after every mutation
	sqldb := sqlstore.New(&cfg.SQLite, &cfg.Arcade, local, logger)
	defer sqldb.Close()

	// Remote sync adapter
	var remote *github.Client
	if cfg.GitHub.Enabled {
		remote = github.NewClient(&cfg.GitHub, logger)
		logger.Info("remote sync configured",
			"owner", cfg.GitHub.Owner,
			"repo", cfg.GitHub.Repo,
			"path", cfg.GitHub.Path,
			"has_token", remote.HasToken(),
		)
	}

	// Load the database: remote first when sync is enabled, then the
	// local snapshot, then a fresh database. A failure here is not
	// fatal; the service keeps answering from the local record store.
	syncWorker := worker.NewSyncWorker(sqldb, local, remote, &cfg.GitHub, cfg.Arcade.SiteID, logger)
	if err := syncWorker.LoadOnStart(ctx); err != nil {
		logger.Error("database load failed, continuing with local record store only", "error", err)
	}
	syncWorker.Start()

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize the facade
	arcadeService := service.NewArcadeService(local, sqldb, &cfg.Arcade, &cfg.Telemetry, logger)
	arcadeService.SetHub(wsHub)

	// Initialize Kafka consumer for bulk score ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, arcadeService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(arcadeService, sqldb, syncWorker, wsHub, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stop the auto-push loop, then push once more so the remote copy
	// reflects every score recorded this session
	syncWorker.Stop()
	if cfg.GitHub.Enabled && cfg.GitHub.AutoSync && sqldb.Ready() {
		if err := syncWorker.PushRemote(shutdownCtx); err != nil {
			logger.Error("final sync push failed", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}

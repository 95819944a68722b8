// Package main is the entry point for the Argus SIEM detection service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"argus-siem/internal/api"
	"argus-siem/internal/config"
	"argus-siem/internal/consumer"
	"argus-siem/internal/detect"
	"argus-siem/internal/gen"
	"argus-siem/internal/ingest"
	"argus-siem/internal/queue"
	"argus-siem/internal/rules"
	"argus-siem/internal/schema"
	"argus-siem/internal/storage"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	slog.Info("configuration loaded",
		"version", version,
		"http_port", cfg.Server.HTTPPort,
		"storage_backend", cfg.Storage.Backend,
		"kafka_enabled", cfg.Kafka.Enabled,
		"generator_enabled", cfg.Generator.Enabled,
	)

	// Load detection rules
	ruleSet, err := loadRules(cfg.Rules.Dir)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rules loaded", "count", len(ruleSet), "dir", cfg.Rules.Dir)

	engine, err := detect.New(cfg.Engine, ruleSet)
	if err != nil {
		slog.Error("failed to create detection engine", "error", err)
		os.Exit(1)
	}
	engine.AddHandler(func(_ context.Context, alert *detect.Alert) error {
		slog.Warn("alert emitted",
			"rule_id", alert.RuleID,
			"key", alert.Key,
			"severity", alert.Severity.String(),
			"message", alert.Message,
		)
		return nil
	})

	// Persistence queues
	eventQueue := queue.NewRingBuffer[*schema.LogEvent](cfg.Queue.EventQueueSize)
	alertQueue := queue.NewRingBuffer[*detect.Alert](cfg.Queue.AlertQueueSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage backend
	store, chClient, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}

	eventWriter := storage.NewBatchWriter("events", store.InsertEvents, cfg.Storage.BatchWriter)
	alertWriter := storage.NewBatchWriter("alerts", store.InsertAlerts, cfg.Storage.BatchWriter)

	eventConsumer := consumer.New("events", eventQueue, eventWriter, cfg.Consumer)
	alertConsumer := consumer.New("alerts", alertQueue, alertWriter, cfg.Consumer)

	engine.Start(ctx)
	eventConsumer.Start(ctx)
	alertConsumer.Start(ctx)

	pipeline := ingest.NewPipeline(engine, eventQueue, alertQueue)

	// Kafka source
	var kafkaSource *ingest.KafkaSource
	if cfg.Kafka.Enabled {
		kafkaSource, err = ingest.NewKafkaSource(cfg.Kafka, pipeline)
		if err != nil {
			slog.Error("failed to create kafka source", "error", err)
			os.Exit(1)
		}
		if err := kafkaSource.Start(ctx); err != nil {
			slog.Error("failed to start kafka source", "error", err)
			os.Exit(1)
		}
	}

	// Traffic generator
	var generator *gen.Generator
	if cfg.Generator.Enabled {
		generator = gen.New(cfg.Generator, gen.SinkFunc(func(record map[string]any) error {
			_, err := pipeline.Process(record)
			return err
		}))
		generator.Start(ctx)
	}

	// HTTP surface: write side, read side, health
	ingestHandler := ingest.NewHandler(pipeline).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)
	apiHandler := api.NewHandler(store, engine)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", ingestHandler.HandleUpload)
	mux.HandleFunc("GET /health", ingestHandler.HandleHealth)
	apiHandler.Register(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the sources first so nothing new enters the queues
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if generator != nil {
		generator.Stop()
	}
	if kafkaSource != nil {
		if err := kafkaSource.Stop(); err != nil {
			slog.Error("kafka source stop error", "error", err)
		}
	}

	engine.Stop()

	// Drain the queues through the consumers, then flush the writers
	eventConsumer.Stop()
	alertConsumer.Stop()
	if err := eventWriter.Close(); err != nil {
		slog.Error("event writer close error", "error", err)
	}
	if err := alertWriter.Close(); err != nil {
		slog.Error("alert writer close error", "error", err)
	}

	eventQueue.Close()
	alertQueue.Close()

	if err := store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	cancel()

	eventMetrics := eventQueue.Metrics()
	slog.Info("shutdown complete",
		"events_pushed", eventMetrics.Pushed,
		"events_popped", eventMetrics.Popped,
		"events_dropped", eventMetrics.Dropped,
		"engine", engine.Stats(),
	)
}

// setupLogging configures the default slog logger from config.
func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadRules loads YAML rules from dir, falling back to the built-in set
// when no directory is configured.
func loadRules(dir string) ([]*rules.Rule, error) {
	if dir == "" {
		return rules.Defaults(), nil
	}
	return rules.LoadDir(dir)
}

// openStore creates the configured storage backend. For ClickHouse the
// client is returned as well so main can close the connection last.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, *storage.ClickHouseClient, error) {
	switch cfg.Storage.Backend {
	case "clickhouse":
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
		client, err := storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewClickHouseStore(client)
		slog.Info("running database migrations")
		if err := store.Migrate(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, client, nil
	default:
		slog.Info("using in-memory storage")
		return storage.NewMemoryStore(), nil, nil
	}
}

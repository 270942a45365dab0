package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/dedup"
	"github.com/modelrelay/modelrelay/internal/executor"
	"github.com/modelrelay/modelrelay/internal/limiter"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/throttle"
	"github.com/modelrelay/modelrelay/pkg/alerting"
	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logging"
	"github.com/modelrelay/modelrelay/pkg/metrics"
	"github.com/modelrelay/modelrelay/pkg/tracing"
)

const version = "1.0.0"

func main() {
	// Load .env if present; real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "modelrelay",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(metrics.DefaultConfig())

	tracer, err := tracing.NewService(&tracing.Config{
		ServiceName:    "modelrelay",
		ServiceVersion: version,
		Environment:    os.Getenv("ENVIRONMENT"),
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	alerts := buildAlerting(cfg, logger)
	alerts.Start(ctx)

	thr := throttle.NewController(cfg.Throttle, cfg.Providers, alerts, m, logger)
	thr.Start(ctx)

	lim, err := limiter.NewRegistry(cfg.Providers, thr.EffectiveRPM, m, logger)
	if err != nil {
		log.Fatalf("Failed to build capacity limiter: %v", err)
	}

	cache, err := buildDedupStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build dedup cache: %v", err)
	}

	clients := make(map[string]provider.Client, len(cfg.Providers))
	for id, p := range cfg.Providers {
		clients[id] = provider.NewHTTPClient(id, p.Endpoint, p.APIKey, p.Model, p.CallTimeout)
	}

	exec, err := executor.New(cfg.Agents, clients, lim, thr, cache, cfg.Server.AcquireTimeout, m, tracer, logger)
	if err != nil {
		log.Fatalf("Failed to build executor: %v", err)
	}

	apiServer := api.NewServer(exec, lim, thr, m, logger, cfg.Server.RequestTimeout, version)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting relay server",
			"addr", server.Addr,
			"providers", len(cfg.Providers),
			"agents", len(cfg.Agents))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down relay server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	thr.Stop()
	alerts.Stop()
	if err := cache.Close(); err != nil {
		logger.Error("Failed to close dedup cache", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down tracing", "error", err)
	}

	logger.Info("Relay server exited")
}

func buildAlerting(cfg *config.Config, logger *logging.Logger) *alerting.Service {
	alertCfg := alerting.DefaultConfig()
	alertCfg.Enabled = cfg.Alerting.Enabled
	if cfg.Alerting.QueueSize > 0 {
		alertCfg.QueueSize = cfg.Alerting.QueueSize
	}

	service := alerting.NewService(logger, alertCfg)
	service.AddChannel(alerting.NewLoggingChannel(logger))

	if cfg.Alerting.SlackWebhookURL != "" {
		zapLogger, err := zap.NewProduction()
		if err != nil {
			log.Fatalf("Failed to initialize slack channel logger: %v", err)
		}
		service.AddChannel(alerting.NewSlackChannel(
			cfg.Alerting.SlackWebhookURL,
			cfg.Alerting.SlackChannel,
			"modelrelay",
			zapLogger,
		))
	}
	if cfg.Alerting.WebhookURL != "" {
		service.AddChannel(alerting.NewWebhookChannel(cfg.Alerting.WebhookURL, nil))
	}

	return service
}

func buildDedupStore(ctx context.Context, cfg *config.Config) (dedup.Store, error) {
	if cfg.Dedup.Backend == "redis" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return dedup.NewRedisStore(connectCtx, cfg.Redis, cfg.Dedup)
	}
	return dedup.NewMemoryStore(cfg.Dedup, logging.GetLogger()), nil
}

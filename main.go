package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/activities"
	"github.com/probe-labs/deepresearch/internal/config"
	"github.com/probe-labs/deepresearch/internal/engine"
	"github.com/probe-labs/deepresearch/internal/httpapi"
	"github.com/probe-labs/deepresearch/internal/ratecontrol"
	"github.com/probe-labs/deepresearch/internal/streaming"
	"github.com/probe-labs/deepresearch/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without traces", zap.Error(err))
	}

	mirror := streaming.NewRedisMirror(cfg.Streaming.RedisURL, logger)
	stream := streaming.NewManager(cfg.Streaming.RingCapacity, mirror)

	completion := activities.NewCompletionClient(logger)
	search := activities.NewSearchClient(logger)
	scrape := activities.NewScrapeClient(logger)

	eng, err := engine.New(cfg, completion, search, scrape, stream, logger)
	if err != nil {
		logger.Fatal("Engine construction failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/engine.yaml"
	}
	if watcher, werr := config.NewWatcher(cfgPath, cfg, logger); werr != nil {
		logger.Warn("Config watcher unavailable", zap.Error(werr))
	} else {
		watcher.OnReload(func(next config.EngineConfig) {
			if err := eng.SetConfig(next); err != nil {
				logger.Warn("Reloaded config rejected", zap.Error(err))
				return
			}
			ratecontrol.Reload()
		})
		go watcher.Run(ctx)
	}

	mux := http.NewServeMux()
	httpapi.NewHandler(eng, stream, logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Research engine listening",
			zap.Int("port", cfg.Service.Port),
			zap.Int("max_global_cycles", cfg.MaxGlobalCycles),
			zap.Int("max_loops_per_task", cfg.MaxLoopsPerTask),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Forced shutdown", zap.Error(err))
	}
	mirror.Close()
	logger.Info("Shutdown complete")
}

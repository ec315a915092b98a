package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"stockpulse/internal/api"
	"stockpulse/internal/briefagent"
	"stockpulse/internal/collector"
	"stockpulse/internal/config"
	"stockpulse/internal/source"
	"stockpulse/internal/store"

	"github.com/cloudwego/hertz/pkg/app/server"
)

func main() {
	configPath := flag.String("config", "configs/app.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	sink, err := openSink(cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("store close error", "error", err)
		}
	}()

	timeout := time.Duration(cfg.Sources.TimeoutMs) * time.Millisecond
	adapters := buildAdapters(cfg.Collect.AdapterPriority, timeout)

	svc := collector.New(adapters, sink, collector.Config{
		MaxRetries:     cfg.Collect.MaxRetries,
		BaseDelay:      time.Duration(cfg.Collect.BaseDelayMs) * time.Millisecond,
		MaxConcurrency: cfg.Collect.MaxConcurrency,
		NewsWindowDays: cfg.Collect.NewsWindowDays,
	}, logger)

	brief := briefagent.New(briefagent.Config{
		Enabled:    cfg.Brief.Enabled,
		Model:      cfg.Brief.Model,
		APIKey:     cfg.Brief.APIKey,
		BaseURL:    cfg.Brief.BaseURL,
		ByAzure:    cfg.Brief.ByAzure,
		APIVersion: cfg.Brief.APIVersion,
		TimeoutMs:  cfg.Brief.TimeoutMs,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	h := server.Default(server.WithHostPorts(addr))
	api.RegisterRoutes(h, sink, svc, brief, logger)

	logger.Info("server starting", "addr", addr, "store", cfg.Store.Driver, "log_level", cfg.Log.Level)
	if err := h.Run(); err != nil {
		log.Fatalf("server run error: %v", err)
	}
}

func openSink(cfg *config.Config) (store.Sink, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.OpenPostgres(cfg.Store.Postgres.DSN)
	default:
		return store.OpenSQLite(cfg.Store.Sqlite.Path)
	}
}

func buildAdapters(priority []string, timeout time.Duration) []source.Adapter {
	adapters := make([]source.Adapter, 0, len(priority))
	for _, id := range priority {
		switch id {
		case "eastmoney":
			adapters = append(adapters, source.NewEastmoney(timeout))
		case "sina":
			adapters = append(adapters, source.NewSina(timeout))
		}
	}
	return adapters
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

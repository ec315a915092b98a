// Command collector runs one batch collection pass and exits. Exit code
// is 0 when every task ended in success or warning, 1 when any task
// failed outright.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"stockpulse/internal/collector"
	"stockpulse/internal/config"
	"stockpulse/internal/record"
	"stockpulse/internal/source"
	"stockpulse/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/app.yaml", "path to yaml config")
	kind := flag.String("kind", "all", "what to collect: quotes|news|sectors|dragon_tiger|all")
	codes := flag.String("codes", "", "comma separated stock codes, overrides config")
	sectorType := flag.String("sector-type", "both", "sector board type: concept|industry|both")
	tradeDate := flag.String("date", "", "billboard trade date (YYYY-MM-DD), defaults to today")
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

	reqs, err := buildRequests(cfg, *kind, *codes, *sectorType, *tradeDate)
	if err != nil {
		log.Fatalf("invalid flags: %v", err)
	}
	if len(reqs) == 0 {
		log.Fatalf("nothing to collect: no codes configured and no tasks selected")
	}

	outcomes := svc.CollectEach(context.Background(), reqs)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			logger.Error("task failed", "task", o.Req.Task(), "error", o.Err)
			continue
		}
		logger.Info("task done",
			"task", o.Req.Task(),
			"status", o.Result.Attempt.Status,
			"source", o.Result.Source,
			"inserted", o.Result.Report.Inserted,
			"updated", o.Result.Report.Updated,
			"skipped", o.Result.Report.Skipped)
	}

	logger.Info("run complete", "tasks", len(outcomes), "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func buildRequests(cfg *config.Config, kind, codesFlag, sectorType, tradeDate string) ([]source.Request, error) {
	codes := cfg.Collect.Codes
	if codesFlag != "" {
		codes = splitCodes(codesFlag)
	}

	var reqs []source.Request
	wantAll := kind == "all"

	if wantAll || kind == string(record.KindQuotes) {
		if len(codes) > 0 {
			reqs = append(reqs, source.Request{Kind: record.KindQuotes, Codes: codes})
		} else if !wantAll {
			return nil, errNoCodes
		}
	}
	if wantAll || kind == string(record.KindNews) {
		if len(codes) == 0 {
			// market-wide roll news
			reqs = append(reqs, source.Request{Kind: record.KindNews})
		}
		// per-stock news, one request per code
		for _, code := range codes {
			reqs = append(reqs, source.Request{Kind: record.KindNews, Codes: []string{code}})
		}
	}
	if wantAll || kind == string(record.KindSectors) {
		types, err := sectorTypes(sectorType)
		if err != nil {
			return nil, err
		}
		for _, t := range types {
			reqs = append(reqs, source.Request{
				Kind:       record.KindSectors,
				SectorType: t,
				TopN:       cfg.Collect.SectorTopN,
			})
		}
	}
	if wantAll || kind == string(record.KindDragonTiger) {
		date, err := billboardDate(tradeDate)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, source.Request{Kind: record.KindDragonTiger, Date: date})
	}
	if !wantAll && kind != string(record.KindQuotes) && kind != string(record.KindNews) &&
		kind != string(record.KindSectors) && kind != string(record.KindDragonTiger) {
		return nil, errBadKind
	}
	return reqs, nil
}

// billboardDate resolves the trade date for a billboard request, using
// today's date in Shanghai when the flag is unset.
func billboardDate(raw string) (string, error) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	if raw == "" {
		return time.Now().In(loc).Format("2006-01-02"), nil
	}
	if _, err := time.ParseInLocation("2006-01-02", raw, loc); err != nil {
		return "", errBadDate
	}
	return raw, nil
}

var (
	errNoCodes = errors.New("quotes requested but no codes given (use -codes or collect.codes)")
	errBadKind = errors.New("kind must be quotes, news, sectors, dragon_tiger or all")
	errBadType = errors.New("sector-type must be concept, industry or both")
	errBadDate = errors.New("date must be YYYY-MM-DD")
)

func sectorTypes(raw string) ([]record.SectorType, error) {
	switch raw {
	case "both", "":
		return []record.SectorType{record.SectorConcept, record.SectorIndustry}, nil
	case string(record.SectorConcept):
		return []record.SectorType{record.SectorConcept}, nil
	case string(record.SectorIndustry):
		return []record.SectorType{record.SectorIndustry}, nil
	}
	return nil, errBadType
}

func splitCodes(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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

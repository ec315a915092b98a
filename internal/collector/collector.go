// Package collector implements the fallback orchestrator: it tries
// source adapters in configured priority order, each wrapped by the
// retry controller, normalizes and fingerprints the first valid result,
// and hands it to the persistence sink. One CollectionAttempt audit row
// is written per Collect call, no matter how many adapters or retries
// ran inside.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stockpulse/internal/record"
	"stockpulse/internal/retry"
	"stockpulse/internal/source"
	"stockpulse/internal/store"
)

// AllSourcesFailedError reports that every configured adapter exhausted
// its retries or returned nothing usable. LastErrors keeps each
// adapter's final error for diagnostics, keyed by adapter id.
type AllSourcesFailedError struct {
	Task       string
	LastErrors map[string]error
}

func (e *AllSourcesFailedError) Error() string {
	parts := make([]string, 0, len(e.LastErrors))
	for id, err := range e.LastErrors {
		parts = append(parts, fmt.Sprintf("%s: %v", id, err))
	}
	return fmt.Sprintf("all sources failed for %s: %s", e.Task, strings.Join(parts, "; "))
}

// Result is the outcome of one successful (or empty) collect call.
type Result struct {
	Source  string
	Report  store.UpsertReport
	Attempt record.CollectionAttempt
}

// Config carries the orchestrator knobs; zero values fall back to the
// defaults from the configuration layer.
type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxConcurrency int
	NewsWindowDays int
}

// Service runs collections against an ordered adapter list and a sink.
// Adapter order is fixed configuration: first-configured, first-tried.
type Service struct {
	adapters []source.Adapter
	retrier  *retry.Controller
	sink     store.Sink
	log      *slog.Logger

	maxConcurrency int
	newsWindow     time.Duration
	now            func() time.Time
}

func New(adapters []source.Adapter, sink store.Sink, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 4
	}
	var window time.Duration
	if cfg.NewsWindowDays > 0 {
		window = time.Duration(cfg.NewsWindowDays) * 24 * time.Hour
	}
	return &Service{
		adapters:       adapters,
		retrier:        retry.New(cfg.MaxRetries, cfg.BaseDelay),
		sink:           sink,
		log:            logger,
		maxConcurrency: maxConc,
		newsWindow:     window,
		now:            time.Now,
	}
}

// WithSleeper swaps the retry controller's sleeper. Tests use this to
// observe the backoff schedule without wall-clock delays.
func (s *Service) WithSleeper(sleep retry.Sleeper) *Service {
	s.retrier.Sleep = sleep
	return s
}

// WithClock swaps the collection timestamp source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Collect runs one logical snapshot request through the fallback chain.
// The first adapter yielding a non-empty, normalizer-valid result wins;
// an empty result moves to the next adapter with no retry delay. When
// every adapter came back empty with no hard failure, the attempt is
// recorded as a warning and no error is returned. When any adapter hard
// failed and none succeeded, the attempt is an error and the returned
// error is *AllSourcesFailedError.
func (s *Service) Collect(ctx context.Context, req source.Request) (Result, error) {
	task := req.Task()
	runID := uuid.NewString()
	lastErrors := make(map[string]error)
	hardFailure := false

	for _, ad := range s.adapters {
		mapping, ok := ad.Mapping(req.Kind)
		if !ok {
			lastErrors[ad.ID()] = source.ErrUnsupported
			continue
		}

		rows, err := s.retrier.Do(ctx, func(ctx context.Context) ([]record.RawRow, error) {
			return ad.Fetch(ctx, req)
		})
		if err != nil {
			lastErrors[ad.ID()] = err
			if !errors.Is(err, source.ErrEmptyResult) && !errors.Is(err, source.ErrUnsupported) {
				hardFailure = true
				s.log.Warn("adapter failed", "task", task, "source", ad.ID(), "error", err)
			} else {
				s.log.Info("adapter returned no data", "task", task, "source", ad.ID())
			}
			continue
		}

		batch, normSkipped := s.normalize(req, ad.ID(), mapping, rows)
		if batch.size() == 0 {
			// rows arrived but none survived normalization or the news
			// window; not a valid result set, try the next source
			lastErrors[ad.ID()] = source.ErrEmptyResult
			continue
		}

		report, persistErr := s.persist(ctx, batch)
		if persistErr != nil {
			attempt := s.logAttempt(ctx, runID, task, record.StatusError, ad.ID(), 0,
				fmt.Sprintf("persist failed: %v", persistErr))
			return Result{Source: ad.ID(), Attempt: attempt}, fmt.Errorf("persist %s: %w", task, persistErr)
		}
		report.Skipped += normSkipped

		status := record.StatusSuccess
		if report.Persisted() == 0 {
			status = record.StatusWarning
		}
		msg := fmt.Sprintf("persisted %d records (inserted %d, updated %d, skipped %d)",
			report.Persisted(), report.Inserted, report.Updated, report.Skipped)
		attempt := s.logAttempt(ctx, runID, task, status, ad.ID(), report.Persisted(), msg)
		s.log.Info("collect done", "task", task, "source", ad.ID(),
			"persisted", report.Persisted(), "skipped", report.Skipped)
		return Result{Source: ad.ID(), Report: report, Attempt: attempt}, nil
	}

	if !hardFailure {
		attempt := s.logAttempt(ctx, runID, task, record.StatusWarning, "", 0, "no source returned data")
		s.log.Info("collect empty", "task", task)
		return Result{Attempt: attempt}, nil
	}

	failErr := &AllSourcesFailedError{Task: task, LastErrors: lastErrors}
	attempt := s.logAttempt(ctx, runID, task, record.StatusError, "", 0, failErr.Error())
	return Result{Attempt: attempt}, failErr
}

// batch holds one kind's normalized records on their way to the sink.
type batch struct {
	quotes      []record.QuoteSnapshot
	news        []record.NewsRecord
	sectors     []record.SectorSnapshot
	dragonTiger []record.DragonTigerEntry
}

func (b batch) size() int {
	return len(b.quotes) + len(b.news) + len(b.sectors) + len(b.dragonTiger)
}

// normalize converts raw rows to canonical records. Rows failing
// normalization are skipped and counted, never fatal to the batch.
func (s *Service) normalize(req source.Request, sourceID string, mapping record.FieldMapping, rows []record.RawRow) (batch, int) {
	at := s.now()
	var out batch
	var skipped int

	switch req.Kind {
	case record.KindQuotes:
		for _, row := range rows {
			q, err := record.NormalizeQuote(row, mapping, sourceID, at)
			if err != nil {
				skipped++
				s.log.Debug("row skipped", "task", req.Task(), "error", err)
				continue
			}
			out.quotes = append(out.quotes, q)
		}

	case record.KindNews:
		var stockCode string
		if len(req.Codes) > 0 {
			stockCode = req.Codes[0]
		}
		cutoff := time.Time{}
		if s.newsWindow > 0 {
			cutoff = at.Add(-s.newsWindow)
		}
		for _, row := range rows {
			n, err := record.NormalizeNews(row, mapping, sourceID, stockCode, at, at.Location())
			if err != nil {
				skipped++
				s.log.Debug("row skipped", "task", req.Task(), "error", err)
				continue
			}
			if !cutoff.IsZero() && n.PublishedAt != nil && n.PublishedAt.Before(cutoff) {
				continue
			}
			out.news = append(out.news, n)
		}

	case record.KindSectors:
		for _, row := range rows {
			// dense 1..N rank over the rows that survive normalization
			sec, err := record.NormalizeSector(row, mapping, sourceID, req.SectorType, len(out.sectors)+1, at)
			if err != nil {
				skipped++
				s.log.Debug("row skipped", "task", req.Task(), "error", err)
				continue
			}
			out.sectors = append(out.sectors, sec)
		}

	case record.KindDragonTiger:
		for _, row := range rows {
			e, err := record.NormalizeDragonTiger(row, mapping, sourceID, at, at.Location())
			if err != nil {
				skipped++
				s.log.Debug("row skipped", "task", req.Task(), "error", err)
				continue
			}
			out.dragonTiger = append(out.dragonTiger, e)
		}
	}
	return out, skipped
}

func (s *Service) persist(ctx context.Context, b batch) (store.UpsertReport, error) {
	switch {
	case len(b.quotes) > 0:
		return s.sink.UpsertQuotes(ctx, b.quotes)
	case len(b.news) > 0:
		return s.sink.UpsertNews(ctx, b.news)
	case len(b.sectors) > 0:
		return s.sink.UpsertSectors(ctx, b.sectors)
	case len(b.dragonTiger) > 0:
		return s.sink.UpsertDragonTiger(ctx, b.dragonTiger)
	}
	return store.UpsertReport{}, nil
}

// logAttempt writes the single audit row for this collect call. A sink
// failure here is logged and swallowed: losing an audit row must not
// turn a successful collection into a failed one.
func (s *Service) logAttempt(ctx context.Context, runID, task, status, sourceID string, records int, msg string) record.CollectionAttempt {
	attempt := record.CollectionAttempt{
		RunID:     runID,
		Task:      task,
		Status:    status,
		Message:   msg,
		Source:    sourceID,
		Records:   records,
		CreatedAt: s.now(),
	}
	if err := s.sink.LogAttempt(ctx, attempt); err != nil {
		s.log.Error("audit write failed", "task", task, "error", err)
	}
	return attempt
}

// Outcome pairs one request with its collect result in a fan-out run.
type Outcome struct {
	Req    source.Request
	Result Result
	Err    error
}

// CollectEach fans requests over a bounded worker pool. Workers share
// no partial state; results may complete and persist in any order. A
// failing request never stops its siblings.
func (s *Service) CollectEach(ctx context.Context, reqs []source.Request) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Collect(ctx, req)
			outcomes[i] = Outcome{Req: req, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

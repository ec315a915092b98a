package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/record"
	"stockpulse/internal/source"
	"stockpulse/internal/store"
)

var quoteMapping = record.FieldMapping{
	Columns: map[string]string{
		record.FieldCode:  "code",
		record.FieldPrice: "price",
	},
	Required: []string{record.FieldCode, record.FieldPrice},
}

type fakeAdapter struct {
	id    string
	kinds map[record.Kind]record.FieldMapping
	fetch func(ctx context.Context, req source.Request) ([]record.RawRow, error)
	calls atomic.Int32
}

func (a *fakeAdapter) ID() string { return a.id }

func (a *fakeAdapter) Fetch(ctx context.Context, req source.Request) ([]record.RawRow, error) {
	a.calls.Add(1)
	return a.fetch(ctx, req)
}

func (a *fakeAdapter) Mapping(kind record.Kind) (record.FieldMapping, bool) {
	m, ok := a.kinds[kind]
	return m, ok
}

func quotesAdapter(id string, fetch func(ctx context.Context, req source.Request) ([]record.RawRow, error)) *fakeAdapter {
	return &fakeAdapter{
		id:    id,
		kinds: map[record.Kind]record.FieldMapping{record.KindQuotes: quoteMapping},
		fetch: fetch,
	}
}

// memSink is an in-memory Sink capturing everything the orchestrator
// hands it.
type memSink struct {
	mu        sync.Mutex
	quotes    map[string]record.QuoteSnapshot
	news      map[string]record.NewsRecord
	sectors   []record.SectorSnapshot
	billboard []record.DragonTigerEntry
	attempts  []record.CollectionAttempt
}

func newMemSink() *memSink {
	return &memSink{
		quotes: make(map[string]record.QuoteSnapshot),
		news:   make(map[string]record.NewsRecord),
	}
}

func (m *memSink) UpsertQuotes(_ context.Context, quotes []record.QuoteSnapshot) (store.UpsertReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rep store.UpsertReport
	for _, q := range quotes {
		key := fmt.Sprintf("%s@%d", q.Code, q.CollectedAt.Unix())
		if _, ok := m.quotes[key]; ok {
			rep.Updated++
		} else {
			rep.Inserted++
		}
		m.quotes[key] = q
	}
	return rep, nil
}

func (m *memSink) UpsertNews(_ context.Context, news []record.NewsRecord) (store.UpsertReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rep store.UpsertReport
	for _, n := range news {
		if _, ok := m.news[n.Fingerprint]; ok {
			rep.Updated++
		} else {
			rep.Inserted++
		}
		m.news[n.Fingerprint] = n
	}
	return rep, nil
}

func (m *memSink) UpsertSectors(_ context.Context, sectors []record.SectorSnapshot) (store.UpsertReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sectors = append(m.sectors, sectors...)
	return store.UpsertReport{Inserted: len(sectors)}, nil
}

func (m *memSink) UpsertDragonTiger(_ context.Context, entries []record.DragonTigerEntry) (store.UpsertReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billboard = append(m.billboard, entries...)
	return store.UpsertReport{Inserted: len(entries)}, nil
}

func (m *memSink) LogAttempt(_ context.Context, a record.CollectionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memSink) QueryQuotes(context.Context, string, time.Time, time.Time, int) ([]record.QuoteSnapshot, error) {
	return nil, nil
}

func (m *memSink) QueryNews(context.Context, string, time.Time, time.Time, int) ([]record.NewsRecord, error) {
	return nil, nil
}

func (m *memSink) QuerySectors(context.Context, record.SectorType, time.Time, time.Time, int) ([]record.SectorSnapshot, error) {
	return nil, nil
}

func (m *memSink) QueryDragonTiger(context.Context, string, string, int) ([]record.DragonTigerEntry, error) {
	return nil, nil
}

func (m *memSink) QueryAttempts(context.Context, int) ([]record.CollectionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]record.CollectionAttempt(nil), m.attempts...), nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

func (m *memSink) lastAttempt() record.CollectionAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[len(m.attempts)-1]
}

func newService(t *testing.T, sink store.Sink, adapters ...source.Adapter) *Service {
	t.Helper()
	svc := New(adapters, sink, Config{MaxRetries: 3, BaseDelay: time.Second}, slog.New(slog.DiscardHandler))
	return svc.WithSleeper(func(context.Context, time.Duration) {})
}

func goodRows() []record.RawRow {
	return []record.RawRow{
		{"code": "600584", "price": "36.5"},
		{"code": "000001", "price": "11.2"},
	}
}

func quotesReq() source.Request {
	return source.Request{Kind: record.KindQuotes, Codes: []string{"600584", "000001"}}
}

func TestCollectPrimarySucceeds(t *testing.T) {
	sink := newMemSink()
	primary := quotesAdapter("eastmoney", func(context.Context, source.Request) ([]record.RawRow, error) {
		return goodRows(), nil
	})
	fallback := quotesAdapter("sina", func(context.Context, source.Request) ([]record.RawRow, error) {
		t.Fatal("fallback must not run when primary succeeds")
		return nil, nil
	})

	res, err := newService(t, sink, primary, fallback).Collect(context.Background(), quotesReq())
	require.NoError(t, err)
	assert.Equal(t, "eastmoney", res.Source)
	assert.Equal(t, 2, res.Report.Inserted)
	assert.Equal(t, int32(0), fallback.calls.Load())

	require.Equal(t, 1, sink.attemptCount())
	a := sink.lastAttempt()
	assert.Equal(t, record.StatusSuccess, a.Status)
	assert.Equal(t, "eastmoney", a.Source)
	assert.Equal(t, 2, a.Records)
	assert.NotEmpty(t, a.RunID)
}

func TestCollectFallsBackAfterRetries(t *testing.T) {
	sink := newMemSink()
	primary := quotesAdapter("eastmoney", func(context.Context, source.Request) ([]record.RawRow, error) {
		return nil, &source.TransportError{Err: errors.New("connection reset")}
	})
	fallback := quotesAdapter("sina", func(context.Context, source.Request) ([]record.RawRow, error) {
		return goodRows(), nil
	})

	res, err := newService(t, sink, primary, fallback).Collect(context.Background(), quotesReq())
	require.NoError(t, err)
	assert.Equal(t, "sina", res.Source)
	assert.Equal(t, int32(3), primary.calls.Load())
	assert.Equal(t, int32(1), fallback.calls.Load())

	// still exactly one audit row, tagged with the source that delivered
	require.Equal(t, 1, sink.attemptCount())
	a := sink.lastAttempt()
	assert.Equal(t, record.StatusSuccess, a.Status)
	assert.Equal(t, "sina", a.Source)
}

func TestCollectEmptyResultSkipsRetries(t *testing.T) {
	sink := newMemSink()
	primary := quotesAdapter("eastmoney", func(context.Context, source.Request) ([]record.RawRow, error) {
		return nil, source.ErrEmptyResult
	})
	fallback := quotesAdapter("sina", func(context.Context, source.Request) ([]record.RawRow, error) {
		return goodRows(), nil
	})

	res, err := newService(t, sink, primary, fallback).Collect(context.Background(), quotesReq())
	require.NoError(t, err)
	assert.Equal(t, "sina", res.Source)
	assert.Equal(t, int32(1), primary.calls.Load(), "empty result must not retry")
}

func TestCollectAllSourcesFailed(t *testing.T) {
	sink := newMemSink()
	primary := quotesAdapter("eastmoney", func(context.Context, source.Request) ([]record.RawRow, error) {
		return nil, &source.TransportError{Err: errors.New("dns failure")}
	})
	fallback := quotesAdapter("sina", func(context.Context, source.Request) ([]record.RawRow, error) {
		return nil, &source.FormatError{Reason: "mangled payload"}
	})

	_, err := newService(t, sink, primary, fallback).Collect(context.Background(), quotesReq())
	var asf *AllSourcesFailedError
	require.ErrorAs(t, err, &asf)
	assert.Len(t, asf.LastErrors, 2)
	assert.Contains(t, asf.LastErrors, "eastmoney")
	assert.Contains(t, asf.LastErrors, "sina")

	require.Equal(t, 1, sink.attemptCount())
	a := sink.lastAttempt()
	assert.Equal(t, record.StatusError, a.Status)
	assert.Zero(t, a.Records)
}

func TestCollectAllEmptyIsWarningNotError(t *testing.T) {
	sink := newMemSink()
	primary := quotesAdapter("eastmoney", func(context.Context, source.Request) ([]record.RawRow, error) {
		return nil, source.ErrEmptyResult
	})
	fallback := quotesAdapter("sina", func(context.Context, source.Request) ([]record.RawRow, error) {
		return nil, source.ErrEmptyResult
	})

	res, err := newService(t, sink, primary, fallback).Collect(context.Background(), quotesReq())
	require.NoError(t, err)
	assert.Empty(t, res.Source)
	assert.Equal(t, record.StatusWarning, res.Attempt.Status)
	require.Equal(t, 1, sink.attemptCount())
}

func TestCollectCountsNormalizationSkips(t *testing.T) {
	sink := newMemSink()
	rows := goodRows()
	rows = append(rows, record.RawRow{"code": "300750"}) // missing price
	ad := quotesAdapter("eastmoney", func(context.Context, source.Request) ([]record.RawRow, error) {
		return rows, nil
	})

	res, err := newService(t, sink, ad).Collect(context.Background(), quotesReq())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Report.Persisted())
	assert.Equal(t, 1, res.Report.Skipped)
	assert.Equal(t, record.StatusSuccess, res.Attempt.Status)
}

func TestCollectAllRowsInvalidFallsBack(t *testing.T) {
	sink := newMemSink()
	primary := quotesAdapter("eastmoney", func(context.Context, source.Request) ([]record.RawRow, error) {
		return []record.RawRow{{"code": "600584"}}, nil // no price, nothing survives
	})
	fallback := quotesAdapter("sina", func(context.Context, source.Request) ([]record.RawRow, error) {
		return goodRows(), nil
	})

	res, err := newService(t, sink, primary, fallback).Collect(context.Background(), quotesReq())
	require.NoError(t, err)
	assert.Equal(t, "sina", res.Source)
}

func TestCollectSkipsUnsupportedAdapter(t *testing.T) {
	sink := newMemSink()
	noSectors := &fakeAdapter{
		id:    "sina",
		kinds: map[record.Kind]record.FieldMapping{},
		fetch: func(context.Context, source.Request) ([]record.RawRow, error) {
			t.Fatal("adapter without a mapping must not be fetched")
			return nil, nil
		},
	}
	sectorMapping := record.FieldMapping{
		Columns:  map[string]string{record.FieldSectorName: "name", record.FieldChangePct: "pct"},
		Required: []string{record.FieldSectorName},
	}
	boards := &fakeAdapter{
		id:    "eastmoney",
		kinds: map[record.Kind]record.FieldMapping{record.KindSectors: sectorMapping},
		fetch: func(context.Context, source.Request) ([]record.RawRow, error) {
			return []record.RawRow{
				{"name": "半导体", "pct": "3.4"},
				{"name": "券商", "pct": "2.1"},
			}, nil
		},
	}

	req := source.Request{Kind: record.KindSectors, SectorType: record.SectorConcept}
	res, err := newService(t, sink, noSectors, boards).Collect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "eastmoney", res.Source)

	// dense rank assigned in arrival order
	require.Len(t, sink.sectors, 2)
	assert.Equal(t, 1, sink.sectors[0].Rank)
	assert.Equal(t, 2, sink.sectors[1].Rank)
}

func TestCollectDragonTigerFlow(t *testing.T) {
	sink := newMemSink()
	billboardMapping := record.FieldMapping{
		Columns: map[string]string{
			record.FieldCode:      "SECURITY_CODE",
			record.FieldName:      "SECURITY_NAME_ABBR",
			record.FieldTradeDate: "TRADE_DATE",
			record.FieldReason:    "BILLBOARD_REASON_NAME",
			record.FieldNetBuy:    "NET_BUY_AMT",
		},
		Required: []string{record.FieldCode, record.FieldTradeDate},
	}
	noBillboard := &fakeAdapter{
		id:    "sina",
		kinds: map[record.Kind]record.FieldMapping{record.KindQuotes: quoteMapping},
		fetch: func(context.Context, source.Request) ([]record.RawRow, error) {
			t.Fatal("adapter without a billboard mapping must not be fetched")
			return nil, nil
		},
	}
	billboard := &fakeAdapter{
		id:    "eastmoney",
		kinds: map[record.Kind]record.FieldMapping{record.KindDragonTiger: billboardMapping},
		fetch: func(_ context.Context, req source.Request) ([]record.RawRow, error) {
			assert.Equal(t, "2026-08-28", req.Date)
			return []record.RawRow{
				{"SECURITY_CODE": "600584", "SECURITY_NAME_ABBR": "长电科技", "TRADE_DATE": "2026-08-28 00:00:00",
					"BILLBOARD_REASON_NAME": "日涨幅偏离值达7%的证券", "NET_BUY_AMT": "125000000"},
				{"SECURITY_NAME_ABBR": "缺代码", "TRADE_DATE": "2026-08-28 00:00:00"},
			}, nil
		},
	}

	req := source.Request{Kind: record.KindDragonTiger, Date: "2026-08-28"}
	res, err := newService(t, sink, billboard, noBillboard).Collect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "eastmoney", res.Source)
	assert.Equal(t, 1, res.Report.Inserted)
	assert.Equal(t, 1, res.Report.Skipped)

	require.Len(t, sink.billboard, 1)
	assert.Equal(t, "600584", sink.billboard[0].Code)
	assert.Equal(t, "2026-08-28", sink.billboard[0].TradeDate)

	require.Equal(t, 1, sink.attemptCount())
	assert.Equal(t, "dragon_tiger_2026-08-28", sink.lastAttempt().Task)
}

func TestCollectNewsWindowFilter(t *testing.T) {
	sink := newMemSink()
	newsMapping := record.FieldMapping{
		Columns: map[string]string{
			record.FieldTitle:       "title",
			record.FieldURL:         "url",
			record.FieldPublishedAt: "pub",
		},
		Required: []string{record.FieldTitle},
	}
	ad := &fakeAdapter{
		id:    "eastmoney",
		kinds: map[record.Kind]record.FieldMapping{record.KindNews: newsMapping},
		fetch: func(context.Context, source.Request) ([]record.RawRow, error) {
			return []record.RawRow{
				{"title": "最新公告", "url": "https://e.com/1", "pub": "2026-08-28 10:00:00"},
				{"title": "上月旧闻", "url": "https://e.com/2", "pub": "2026-07-01 10:00:00"},
			}, nil
		},
	}

	svc := New([]source.Adapter{ad}, sink, Config{MaxRetries: 1, NewsWindowDays: 7}, slog.New(slog.DiscardHandler)).
		WithSleeper(func(context.Context, time.Duration) {}).
		WithClock(func() time.Time {
			return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
		})

	res, err := svc.Collect(context.Background(), source.Request{Kind: record.KindNews})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Report.Inserted)
	require.Len(t, sink.news, 1)
	for _, n := range sink.news {
		assert.Equal(t, "最新公告", n.Title)
	}
	// out-of-window rows are dropped, not counted as skipped
	assert.Zero(t, res.Report.Skipped)
}

func TestCollectEachBoundedFanOut(t *testing.T) {
	sink := newMemSink()
	var inFlight, peak atomic.Int32
	ad := quotesAdapter("eastmoney", func(ctx context.Context, req source.Request) ([]record.RawRow, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return []record.RawRow{{"code": req.Codes[0], "price": "10.0"}}, nil
	})

	svc := New([]source.Adapter{ad}, sink, Config{MaxRetries: 1, MaxConcurrency: 2}, slog.New(slog.DiscardHandler)).
		WithSleeper(func(context.Context, time.Duration) {})

	var reqs []source.Request
	for i := 0; i < 8; i++ {
		reqs = append(reqs, source.Request{Kind: record.KindQuotes, Codes: []string{fmt.Sprintf("60000%d", i)}})
	}
	outcomes := svc.CollectEach(context.Background(), reqs)

	require.Len(t, outcomes, 8)
	for i, o := range outcomes {
		assert.Equal(t, reqs[i].Task(), o.Req.Task())
		require.NoError(t, o.Err)
		assert.Equal(t, 1, o.Result.Report.Inserted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 8, sink.attemptCount())
}

func TestCollectEachIsolatesFailures(t *testing.T) {
	sink := newMemSink()
	ad := quotesAdapter("eastmoney", func(_ context.Context, req source.Request) ([]record.RawRow, error) {
		if req.Codes[0] == "bad" {
			return nil, &source.TransportError{Err: errors.New("down")}
		}
		return []record.RawRow{{"code": req.Codes[0], "price": "10.0"}}, nil
	})

	svc := newService(t, sink, ad)
	outcomes := svc.CollectEach(context.Background(), []source.Request{
		{Kind: record.KindQuotes, Codes: []string{"600584"}},
		{Kind: record.KindQuotes, Codes: []string{"bad"}},
		{Kind: record.KindQuotes, Codes: []string{"000001"}},
	})

	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	var asf *AllSourcesFailedError
	assert.ErrorAs(t, outcomes[1].Err, &asf)
	assert.NoError(t, outcomes[2].Err)
}

// Package store persists collected records idempotently and keeps the
// append-only audit log of collection attempts. Two backends implement
// the same Sink contract: sqlite for single-box use, postgres for a
// shared database. The uniqueness constraints on fingerprint and the
// (code, collected_at) composites are the sole concurrency-correctness
// mechanism; no application-level locking.
package store

import (
	"context"
	"time"

	"stockpulse/internal/record"
)

// UpsertReport summarizes one batch commit. Skipped counts rows that
// violated a constraint or failed normalization upstream; they never
// abort the rest of the batch.
type UpsertReport struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

func (r UpsertReport) Persisted() int { return r.Inserted + r.Updated }

func (r *UpsertReport) add(other UpsertReport) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Skipped += other.Skipped
}

// Sink is the persistence boundary of the collection core. Records are
// owned by the sink once handed off. Upserts are merge-upserts: mutable
// content fields are overwritten, the original creation timestamp is
// not. All query methods return ascending collected-at order.
type Sink interface {
	UpsertQuotes(ctx context.Context, quotes []record.QuoteSnapshot) (UpsertReport, error)
	UpsertNews(ctx context.Context, news []record.NewsRecord) (UpsertReport, error)
	UpsertSectors(ctx context.Context, sectors []record.SectorSnapshot) (UpsertReport, error)
	UpsertDragonTiger(ctx context.Context, entries []record.DragonTigerEntry) (UpsertReport, error)

	LogAttempt(ctx context.Context, a record.CollectionAttempt) error

	QueryQuotes(ctx context.Context, code string, from, to time.Time, limit int) ([]record.QuoteSnapshot, error)
	QueryNews(ctx context.Context, stockCode string, from, to time.Time, limit int) ([]record.NewsRecord, error)
	QuerySectors(ctx context.Context, typ record.SectorType, from, to time.Time, limit int) ([]record.SectorSnapshot, error)
	QueryDragonTiger(ctx context.Context, code, tradeDate string, limit int) ([]record.DragonTigerEntry, error)
	QueryAttempts(ctx context.Context, limit int) ([]record.CollectionAttempt, error)

	Close() error
}

const (
	defaultQueryLimit = 200
	maxQueryLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// dedupeNews keeps the last occurrence per fingerprint, preserving the
// order of last occurrence. Last write wins for same-batch duplicates.
func dedupeNews(news []record.NewsRecord) []record.NewsRecord {
	seen := make(map[string]int, len(news))
	out := news[:0:0]
	for _, n := range news {
		if i, ok := seen[n.Fingerprint]; ok {
			out[i] = n
			continue
		}
		seen[n.Fingerprint] = len(out)
		out = append(out, n)
	}
	return out
}

func dedupeQuotes(quotes []record.QuoteSnapshot) []record.QuoteSnapshot {
	type key struct {
		code string
		ts   int64
	}
	seen := make(map[key]int, len(quotes))
	out := quotes[:0:0]
	for _, q := range quotes {
		k := key{q.Code, q.CollectedAt.Unix()}
		if i, ok := seen[k]; ok {
			out[i] = q
			continue
		}
		seen[k] = len(out)
		out = append(out, q)
	}
	return out
}

func dedupeDragonTiger(entries []record.DragonTigerEntry) []record.DragonTigerEntry {
	type key struct {
		code   string
		day    string
		reason string
	}
	seen := make(map[key]int, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		k := key{e.Code, e.TradeDate, e.Reason}
		if i, ok := seen[k]; ok {
			out[i] = e
			continue
		}
		seen[k] = len(out)
		out = append(out, e)
	}
	return out
}

func dedupeSectors(sectors []record.SectorSnapshot) []record.SectorSnapshot {
	type key struct {
		typ  record.SectorType
		name string
		ts   int64
	}
	seen := make(map[key]int, len(sectors))
	out := sectors[:0:0]
	for _, s := range sectors {
		k := key{s.Type, s.Name, s.CollectedAt.Unix()}
		if i, ok := seen[k]; ok {
			out[i] = s
			continue
		}
		seen[k] = len(out)
		out = append(out, s)
	}
	return out
}

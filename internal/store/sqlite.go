package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"stockpulse/internal/record"
)

// SQLite is the file-backed Sink. Explicitly constructed and passed by
// reference; Open/Close bound its lifecycle.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "data/stockpulse.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS quotes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL,
			name TEXT,
			price REAL NOT NULL,
			change_pct REAL,
			volume INTEGER,
			turnover REAL,
			bid REAL,
			ask REAL,
			source TEXT,
			collected_at INTEGER NOT NULL,
			created_at TEXT,
			UNIQUE(code, collected_at)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quotes_code_ts ON quotes(code, collected_at);`,
		`CREATE TABLE IF NOT EXISTS news (
			fingerprint TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			summary TEXT,
			url TEXT,
			stock_code TEXT,
			source TEXT,
			published_at INTEGER,
			collected_at INTEGER NOT NULL,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_news_stock ON news(stock_code);`,
		`CREATE INDEX IF NOT EXISTS idx_news_ts ON news(collected_at);`,
		`CREATE TABLE IF NOT EXISTS sectors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rank INTEGER NOT NULL,
			name TEXT NOT NULL,
			sector_type TEXT NOT NULL,
			change_pct REAL,
			lead_stock TEXT,
			lead_change_pct REAL,
			source TEXT,
			collected_at INTEGER NOT NULL,
			created_at TEXT,
			UNIQUE(sector_type, name, collected_at)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sectors_type_ts ON sectors(sector_type, collected_at);`,
		`CREATE TABLE IF NOT EXISTS dragon_tiger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL,
			name TEXT,
			trade_date TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			explanation TEXT,
			close_price REAL,
			change_pct REAL,
			turnover_rate REAL,
			net_buy REAL,
			total_buy REAL,
			total_sell REAL,
			source TEXT,
			collected_at INTEGER NOT NULL,
			created_at TEXT,
			UNIQUE(code, trade_date, reason)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dragon_tiger_date ON dragon_tiger(trade_date);`,
		`CREATE TABLE IF NOT EXISTS collection_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			task TEXT,
			status TEXT,
			message TEXT,
			source TEXT,
			records INTEGER,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_collection_logs_task ON collection_logs(task);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) UpsertQuotes(ctx context.Context, quotes []record.QuoteSnapshot) (UpsertReport, error) {
	var report UpsertReport
	quotes = dedupeQuotes(quotes)
	if len(quotes) == 0 {
		return report, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)
	for _, q := range quotes {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM quotes WHERE code = ? AND collected_at = ?)`,
			q.Code, q.CollectedAt.Unix(),
		).Scan(&exists)
		if err != nil {
			report.Skipped++
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO quotes (code, name, price, change_pct, volume, turnover, bid, ask, source, collected_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(code, collected_at) DO UPDATE SET
				name=excluded.name, price=excluded.price, change_pct=excluded.change_pct,
				volume=excluded.volume, turnover=excluded.turnover,
				bid=excluded.bid, ask=excluded.ask, source=excluded.source`,
			q.Code, q.Name, q.Price, q.ChangePct, q.Volume, q.Turnover, q.Bid, q.Ask, q.Source, q.CollectedAt.Unix(), now,
		)
		if err != nil {
			report.Skipped++
			continue
		}
		if exists {
			report.Updated++
		} else {
			report.Inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertReport{}, fmt.Errorf("commit quotes: %w", err)
	}
	return report, nil
}

func (s *SQLite) UpsertNews(ctx context.Context, news []record.NewsRecord) (UpsertReport, error) {
	var report UpsertReport
	news = dedupeNews(news)
	if len(news) == 0 {
		return report, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)
	for _, n := range news {
		if n.Fingerprint == "" {
			report.Skipped++
			continue
		}
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM news WHERE fingerprint = ?)`, n.Fingerprint,
		).Scan(&exists)
		if err != nil {
			report.Skipped++
			continue
		}
		var pub sql.NullInt64
		if n.PublishedAt != nil {
			pub = sql.NullInt64{Int64: n.PublishedAt.Unix(), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO news (fingerprint, title, summary, url, stock_code, source, published_at, collected_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(fingerprint) DO UPDATE SET
				title=excluded.title, summary=excluded.summary, url=excluded.url,
				stock_code=excluded.stock_code, source=excluded.source,
				published_at=excluded.published_at, collected_at=excluded.collected_at`,
			n.Fingerprint, n.Title, n.Summary, n.URL, n.StockCode, n.Source, pub, n.CollectedAt.Unix(), now,
		)
		if err != nil {
			report.Skipped++
			continue
		}
		if exists {
			report.Updated++
		} else {
			report.Inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertReport{}, fmt.Errorf("commit news: %w", err)
	}
	return report, nil
}

func (s *SQLite) UpsertSectors(ctx context.Context, sectors []record.SectorSnapshot) (UpsertReport, error) {
	var report UpsertReport
	sectors = dedupeSectors(sectors)
	if len(sectors) == 0 {
		return report, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)
	for _, sec := range sectors {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM sectors WHERE sector_type = ? AND name = ? AND collected_at = ?)`,
			string(sec.Type), sec.Name, sec.CollectedAt.Unix(),
		).Scan(&exists)
		if err != nil {
			report.Skipped++
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sectors (rank, name, sector_type, change_pct, lead_stock, lead_change_pct, source, collected_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(sector_type, name, collected_at) DO UPDATE SET
				rank=excluded.rank, change_pct=excluded.change_pct,
				lead_stock=excluded.lead_stock, lead_change_pct=excluded.lead_change_pct,
				source=excluded.source`,
			sec.Rank, sec.Name, string(sec.Type), sec.ChangePct, sec.LeadStock, sec.LeadChangePct, sec.Source, sec.CollectedAt.Unix(), now,
		)
		if err != nil {
			report.Skipped++
			continue
		}
		if exists {
			report.Updated++
		} else {
			report.Inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertReport{}, fmt.Errorf("commit sectors: %w", err)
	}
	return report, nil
}

func (s *SQLite) UpsertDragonTiger(ctx context.Context, entries []record.DragonTigerEntry) (UpsertReport, error) {
	var report UpsertReport
	entries = dedupeDragonTiger(entries)
	if len(entries) == 0 {
		return report, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)
	for _, e := range entries {
		if e.Code == "" || e.TradeDate == "" {
			report.Skipped++
			continue
		}
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM dragon_tiger WHERE code = ? AND trade_date = ? AND reason = ?)`,
			e.Code, e.TradeDate, e.Reason,
		).Scan(&exists)
		if err != nil {
			report.Skipped++
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dragon_tiger (code, name, trade_date, reason, explanation, close_price, change_pct, turnover_rate, net_buy, total_buy, total_sell, source, collected_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(code, trade_date, reason) DO UPDATE SET
				name=excluded.name, explanation=excluded.explanation,
				close_price=excluded.close_price, change_pct=excluded.change_pct,
				turnover_rate=excluded.turnover_rate, net_buy=excluded.net_buy,
				total_buy=excluded.total_buy, total_sell=excluded.total_sell,
				source=excluded.source, collected_at=excluded.collected_at`,
			e.Code, e.Name, e.TradeDate, e.Reason, e.Explanation, e.ClosePrice, e.ChangePct,
			e.TurnoverRate, e.NetBuy, e.TotalBuy, e.TotalSell, e.Source, e.CollectedAt.Unix(), now,
		)
		if err != nil {
			report.Skipped++
			continue
		}
		if exists {
			report.Updated++
		} else {
			report.Inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertReport{}, fmt.Errorf("commit dragon tiger: %w", err)
	}
	return report, nil
}

func (s *SQLite) LogAttempt(ctx context.Context, a record.CollectionAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_logs (run_id, task, status, message, source, records, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Task, a.Status, a.Message, a.Source, a.Records, a.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert collection log: %w", err)
	}
	return nil
}

func (s *SQLite) QueryQuotes(ctx context.Context, code string, from, to time.Time, limit int) ([]record.QuoteSnapshot, error) {
	query := `SELECT code, name, price, change_pct, volume, turnover, bid, ask, source, collected_at
		FROM quotes WHERE 1=1`
	var args []any
	if code != "" {
		query += " AND code = ?"
		args = append(args, code)
	}
	query, args = timeRange(query, args, "collected_at", from, to)
	query += " ORDER BY collected_at ASC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quotes: %w", err)
	}
	defer rows.Close()

	var out []record.QuoteSnapshot
	for rows.Next() {
		var q record.QuoteSnapshot
		var ts int64
		if err := rows.Scan(&q.Code, &q.Name, &q.Price, &q.ChangePct, &q.Volume, &q.Turnover, &q.Bid, &q.Ask, &q.Source, &ts); err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		q.CollectedAt = time.Unix(ts, 0)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLite) QueryNews(ctx context.Context, stockCode string, from, to time.Time, limit int) ([]record.NewsRecord, error) {
	query := `SELECT fingerprint, title, summary, url, stock_code, source, published_at, collected_at
		FROM news WHERE 1=1`
	var args []any
	if stockCode != "" {
		query += " AND stock_code = ?"
		args = append(args, stockCode)
	}
	query, args = timeRange(query, args, "collected_at", from, to)
	query += " ORDER BY collected_at ASC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query news: %w", err)
	}
	defer rows.Close()

	var out []record.NewsRecord
	for rows.Next() {
		var n record.NewsRecord
		var pub sql.NullInt64
		var ts int64
		if err := rows.Scan(&n.Fingerprint, &n.Title, &n.Summary, &n.URL, &n.StockCode, &n.Source, &pub, &ts); err != nil {
			return nil, fmt.Errorf("scan news: %w", err)
		}
		if pub.Valid {
			t := time.Unix(pub.Int64, 0)
			n.PublishedAt = &t
		}
		n.CollectedAt = time.Unix(ts, 0)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLite) QuerySectors(ctx context.Context, typ record.SectorType, from, to time.Time, limit int) ([]record.SectorSnapshot, error) {
	query := `SELECT rank, name, sector_type, change_pct, lead_stock, lead_change_pct, source, collected_at
		FROM sectors WHERE 1=1`
	var args []any
	if typ != "" {
		query += " AND sector_type = ?"
		args = append(args, string(typ))
	}
	query, args = timeRange(query, args, "collected_at", from, to)
	query += " ORDER BY collected_at ASC, rank ASC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sectors: %w", err)
	}
	defer rows.Close()

	var out []record.SectorSnapshot
	for rows.Next() {
		var sec record.SectorSnapshot
		var typStr string
		var ts int64
		if err := rows.Scan(&sec.Rank, &sec.Name, &typStr, &sec.ChangePct, &sec.LeadStock, &sec.LeadChangePct, &sec.Source, &ts); err != nil {
			return nil, fmt.Errorf("scan sector: %w", err)
		}
		sec.Type = record.SectorType(typStr)
		sec.CollectedAt = time.Unix(ts, 0)
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *SQLite) QueryDragonTiger(ctx context.Context, code, tradeDate string, limit int) ([]record.DragonTigerEntry, error) {
	query := `SELECT code, name, trade_date, reason, explanation, close_price, change_pct, turnover_rate, net_buy, total_buy, total_sell, source, collected_at
		FROM dragon_tiger WHERE 1=1`
	var args []any
	if code != "" {
		query += " AND code = ?"
		args = append(args, code)
	}
	if tradeDate != "" {
		query += " AND trade_date = ?"
		args = append(args, tradeDate)
	}
	query += " ORDER BY trade_date ASC, net_buy DESC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dragon tiger: %w", err)
	}
	defer rows.Close()

	var out []record.DragonTigerEntry
	for rows.Next() {
		var e record.DragonTigerEntry
		var ts int64
		if err := rows.Scan(&e.Code, &e.Name, &e.TradeDate, &e.Reason, &e.Explanation, &e.ClosePrice, &e.ChangePct, &e.TurnoverRate, &e.NetBuy, &e.TotalBuy, &e.TotalSell, &e.Source, &ts); err != nil {
			return nil, fmt.Errorf("scan dragon tiger: %w", err)
		}
		e.CollectedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) QueryAttempts(ctx context.Context, limit int) ([]record.CollectionAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task, status, message, source, records, created_at
		 FROM collection_logs ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query collection logs: %w", err)
	}
	defer rows.Close()

	var out []record.CollectionAttempt
	for rows.Next() {
		var a record.CollectionAttempt
		var created string
		if err := rows.Scan(&a.RunID, &a.Task, &a.Status, &a.Message, &a.Source, &a.Records, &created); err != nil {
			return nil, fmt.Errorf("scan collection log: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			a.CreatedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// timeRange appends collected-at bounds to a query when set.
func timeRange(query string, args []any, col string, from, to time.Time) (string, []any) {
	if !from.IsZero() {
		query += " AND " + col + " >= ?"
		args = append(args, from.Unix())
	}
	if !to.IsZero() {
		query += " AND " + col + " < ?"
		args = append(args, to.Unix())
	}
	return query, args
}

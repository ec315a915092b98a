// Package record holds the canonical typed records produced by the
// collection pipeline and the normalization that turns raw source rows
// into them.
package record

import "time"

// Kind is the logical record kind a collection run targets.
type Kind string

const (
	KindQuotes      Kind = "quotes"
	KindNews        Kind = "news"
	KindSectors     Kind = "sectors"
	KindDragonTiger Kind = "dragon_tiger"
)

// SectorType distinguishes concept boards from industry boards.
type SectorType string

const (
	SectorConcept  SectorType = "concept"
	SectorIndustry SectorType = "industry"
)

// QuoteSnapshot is one source's view of one instrument at one poll time.
// Immutable after creation.
type QuoteSnapshot struct {
	Code        string    `json:"code"`
	Name        string    `json:"name,omitempty"`
	Price       float64   `json:"price"`
	ChangePct   float64   `json:"change_pct"`
	Volume      int64     `json:"volume"`
	Turnover    float64   `json:"turnover"`
	Bid         *float64  `json:"bid,omitempty"`
	Ask         *float64  `json:"ask,omitempty"`
	Source      string    `json:"source"`
	CollectedAt time.Time `json:"collected_at"`
}

// NewsRecord is one article attributed to a stock code. Fingerprint is
// a deterministic function of (title, url, published time); identical
// fingerprints are the same article regardless of origin adapter.
type NewsRecord struct {
	Fingerprint string     `json:"fingerprint"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary,omitempty"`
	URL         string     `json:"url,omitempty"`
	StockCode   string     `json:"stock_code,omitempty"`
	Source      string     `json:"source"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CollectedAt time.Time  `json:"collected_at"`
}

// SectorSnapshot is one sector's aggregate ranking at one poll time.
// Rank is a dense 1..N ordering within (Type, CollectedAt).
type SectorSnapshot struct {
	Rank          int        `json:"rank"`
	Name          string     `json:"name"`
	Type          SectorType `json:"type"`
	ChangePct     float64    `json:"change_pct"`
	LeadStock     string     `json:"lead_stock,omitempty"`
	LeadChangePct float64    `json:"lead_change_pct,omitempty"`
	Source        string     `json:"source"`
	CollectedAt   time.Time  `json:"collected_at"`
}

// DragonTigerEntry is one stock's appearance on the daily billboard of
// unusual trading activity. A stock can make the list more than once
// per day under different reasons; (Code, TradeDate, Reason) is the
// identity. Money amounts are in yuan as reported upstream.
type DragonTigerEntry struct {
	Code         string    `json:"code"`
	Name         string    `json:"name,omitempty"`
	TradeDate    string    `json:"trade_date"`
	Reason       string    `json:"reason"`
	Explanation  string    `json:"explanation,omitempty"`
	ClosePrice   float64   `json:"close_price"`
	ChangePct    float64   `json:"change_pct"`
	TurnoverRate float64   `json:"turnover_rate"`
	NetBuy       float64   `json:"net_buy"`
	TotalBuy     float64   `json:"total_buy"`
	TotalSell    float64   `json:"total_sell"`
	Source       string    `json:"source"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Attempt statuses.
const (
	StatusSuccess = "success"
	StatusWarning = "warning"
	StatusError   = "error"
)

// CollectionAttempt is the append-only audit row written once per
// top-level collect call, independent of how many adapters or retries
// ran internally.
type CollectionAttempt struct {
	RunID     string    `json:"run_id"`
	Task      string    `json:"task"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Source    string    `json:"source,omitempty"`
	Records   int       `json:"records"`
	CreatedAt time.Time `json:"created_at"`
}

package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Canonical field names shared by all adapters. Each adapter declares a
// FieldMapping from these to its own column names at registration time;
// nothing guesses column spellings per row.
const (
	FieldCode          = "code"
	FieldName          = "name"
	FieldPrice         = "price"
	FieldChangePct     = "change_pct"
	FieldVolume        = "volume"
	FieldTurnover      = "turnover"
	FieldBid           = "bid"
	FieldAsk           = "ask"
	FieldTitle         = "title"
	FieldSummary       = "summary"
	FieldURL           = "url"
	FieldPublishedAt   = "published_at"
	FieldSectorName    = "sector_name"
	FieldLeadStock     = "lead_stock"
	FieldLeadChangePct = "lead_change_pct"
	FieldTradeDate     = "trade_date"
	FieldReason        = "reason"
	FieldExplanation   = "explanation"
	FieldClosePrice    = "close_price"
	FieldTurnoverRate  = "turnover_rate"
	FieldNetBuy        = "net_buy"
	FieldTotalBuy      = "total_buy"
	FieldTotalSell     = "total_sell"
)

// RawRow is one tabular row as emitted by a source adapter, keyed by the
// adapter's own column names.
type RawRow map[string]string

// FieldMapping maps canonical field names to one adapter's column names
// and declares which canonical fields must be present and non-empty.
type FieldMapping struct {
	Columns  map[string]string
	Required []string
}

// NormalizationError reports a raw row missing a required canonical
// field after mapping. Not retryable: the same row normalizes the same
// way every time. The offending row is skipped and counted, never fatal
// to the batch.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("normalize: field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("normalize: required field %q missing", e.Field)
}

// get resolves one canonical field against the row. ok is false when the
// column is unmapped or absent.
func (m FieldMapping) get(row RawRow, field string) (string, bool) {
	col, ok := m.Columns[field]
	if !ok {
		return "", false
	}
	v, ok := row[col]
	return strings.TrimSpace(v), ok
}

func (m FieldMapping) check(row RawRow) error {
	for _, field := range m.Required {
		v, ok := m.get(row, field)
		if !ok || v == "" {
			return &NormalizationError{Field: field}
		}
	}
	return nil
}

// missing markers seen across sources
func isMissing(s string) bool {
	return s == "" || s == "-" || s == "--"
}

// ParseFloat converts a numeric-looking string to a float, tolerating
// thousands separators and missing-value sentinels. Returns nil instead
// of an error for anything unparseable.
func ParseFloat(s string) *float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if isMissing(s) {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParseInt is ParseFloat truncated to an integer, for volume-like fields
// that some sources report with a decimal point.
func ParseInt(s string) *int64 {
	f := ParseFloat(s)
	if f == nil {
		return nil
	}
	v := int64(*f)
	return &v
}

// timeFormats is the ordered list of known upstream timestamp layouts.
var timeFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	time.RFC3339,
}

// ParseTime tries each known layout in order, then gives up with nil.
func ParseTime(s string, loc *time.Location) *time.Time {
	s = strings.TrimSpace(s)
	if isMissing(s) {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timeFormats {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t
		}
	}
	return nil
}

func floatOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func intOrZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// NormalizeQuote maps one raw row to a QuoteSnapshot. Fails with a
// NormalizationError when a required field is absent or the price is not
// a non-negative number.
func NormalizeQuote(row RawRow, m FieldMapping, source string, at time.Time) (QuoteSnapshot, error) {
	if err := m.check(row); err != nil {
		return QuoteSnapshot{}, err
	}
	code, _ := m.get(row, FieldCode)
	rawPrice, _ := m.get(row, FieldPrice)
	price := ParseFloat(rawPrice)
	if price == nil || *price < 0 {
		return QuoteSnapshot{}, &NormalizationError{Field: FieldPrice, Reason: fmt.Sprintf("not a valid price: %q", rawPrice)}
	}
	q := QuoteSnapshot{
		Code:        code,
		Price:       *price,
		Source:      source,
		CollectedAt: at,
	}
	if v, ok := m.get(row, FieldName); ok {
		q.Name = v
	}
	if v, ok := m.get(row, FieldChangePct); ok {
		q.ChangePct = floatOrZero(ParseFloat(v))
	}
	if v, ok := m.get(row, FieldVolume); ok {
		q.Volume = intOrZero(ParseInt(v))
		if q.Volume < 0 {
			return QuoteSnapshot{}, &NormalizationError{Field: FieldVolume, Reason: "negative volume"}
		}
	}
	if v, ok := m.get(row, FieldTurnover); ok {
		q.Turnover = floatOrZero(ParseFloat(v))
	}
	if v, ok := m.get(row, FieldBid); ok {
		q.Bid = ParseFloat(v)
	}
	if v, ok := m.get(row, FieldAsk); ok {
		q.Ask = ParseFloat(v)
	}
	return q, nil
}

// NormalizeNews maps one raw row to a fingerprinted NewsRecord.
func NormalizeNews(row RawRow, m FieldMapping, source, stockCode string, at time.Time, loc *time.Location) (NewsRecord, error) {
	if err := m.check(row); err != nil {
		return NewsRecord{}, err
	}
	title, _ := m.get(row, FieldTitle)
	url, _ := m.get(row, FieldURL)
	rawPub, _ := m.get(row, FieldPublishedAt)
	n := NewsRecord{
		Fingerprint: NewsFingerprint(title, url, rawPub),
		Title:       title,
		URL:         url,
		StockCode:   stockCode,
		Source:      source,
		PublishedAt: ParseTime(rawPub, loc),
		CollectedAt: at,
	}
	if v, ok := m.get(row, FieldSummary); ok {
		n.Summary = v
	}
	return n, nil
}

// NormalizeDragonTiger maps one raw row to a DragonTigerEntry. The
// upstream trade date arrives as a full timestamp; only the date part
// identifies the entry, so it is canonicalized to YYYY-MM-DD.
func NormalizeDragonTiger(row RawRow, m FieldMapping, source string, at time.Time, loc *time.Location) (DragonTigerEntry, error) {
	if err := m.check(row); err != nil {
		return DragonTigerEntry{}, err
	}
	code, _ := m.get(row, FieldCode)
	rawDate, _ := m.get(row, FieldTradeDate)
	day := ParseTime(rawDate, loc)
	if day == nil {
		return DragonTigerEntry{}, &NormalizationError{Field: FieldTradeDate, Reason: fmt.Sprintf("not a valid date: %q", rawDate)}
	}
	e := DragonTigerEntry{
		Code:        code,
		TradeDate:   day.Format("2006-01-02"),
		Source:      source,
		CollectedAt: at,
	}
	if v, ok := m.get(row, FieldName); ok {
		e.Name = v
	}
	if v, ok := m.get(row, FieldReason); ok {
		e.Reason = v
	}
	if v, ok := m.get(row, FieldExplanation); ok {
		e.Explanation = v
	}
	if v, ok := m.get(row, FieldClosePrice); ok {
		e.ClosePrice = floatOrZero(ParseFloat(v))
	}
	if v, ok := m.get(row, FieldChangePct); ok {
		e.ChangePct = floatOrZero(ParseFloat(v))
	}
	if v, ok := m.get(row, FieldTurnoverRate); ok {
		e.TurnoverRate = floatOrZero(ParseFloat(v))
	}
	if v, ok := m.get(row, FieldNetBuy); ok {
		e.NetBuy = floatOrZero(ParseFloat(v))
	}
	if v, ok := m.get(row, FieldTotalBuy); ok {
		e.TotalBuy = floatOrZero(ParseFloat(v))
	}
	if v, ok := m.get(row, FieldTotalSell); ok {
		e.TotalSell = floatOrZero(ParseFloat(v))
	}
	return e, nil
}

// NormalizeSector maps one raw row to a SectorSnapshot. Rank is assigned
// by the caller, which owns the dense 1..N ordering of the batch.
func NormalizeSector(row RawRow, m FieldMapping, source string, typ SectorType, rank int, at time.Time) (SectorSnapshot, error) {
	if err := m.check(row); err != nil {
		return SectorSnapshot{}, err
	}
	name, _ := m.get(row, FieldSectorName)
	s := SectorSnapshot{
		Rank:        rank,
		Name:        name,
		Type:        typ,
		Source:      source,
		CollectedAt: at,
	}
	if v, ok := m.get(row, FieldChangePct); ok {
		s.ChangePct = floatOrZero(ParseFloat(v))
	}
	if v, ok := m.get(row, FieldLeadStock); ok {
		s.LeadStock = v
	}
	if v, ok := m.get(row, FieldLeadChangePct); ok {
		s.LeadChangePct = floatOrZero(ParseFloat(v))
	}
	return s, nil
}

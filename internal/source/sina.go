package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"stockpulse/internal/record"
)

const (
	sinaQuoteURL = "https://hq.sinajs.cn/list="
	sinaNewsURL  = "https://feed.mix.sina.com.cn/api/roll/get"

	sinaReferer = "https://finance.sina.com.cn"
)

// Sina fetches quotes via the hq.sinajs.cn line protocol and market
// news via the roll feed. Fallback source; does not serve sector boards.
type Sina struct {
	quoteURL string
	newsURL  string
	client   *http.Client
	loc      *time.Location
}

func NewSina(timeout time.Duration) *Sina {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	return &Sina{
		quoteURL: sinaQuoteURL,
		newsURL:  sinaNewsURL,
		client:   &http.Client{Timeout: timeout},
		loc:      loc,
	}
}

func (p *Sina) ID() string { return "sina" }

func (p *Sina) Mapping(kind record.Kind) (record.FieldMapping, bool) {
	switch kind {
	case record.KindQuotes:
		return record.FieldMapping{
			Columns: map[string]string{
				record.FieldCode:      "code",
				record.FieldName:      "name",
				record.FieldPrice:     "price",
				record.FieldChangePct: "change_pct",
				record.FieldVolume:    "volume",
				record.FieldTurnover:  "amount",
				record.FieldBid:       "bid",
				record.FieldAsk:       "ask",
			},
			Required: []string{record.FieldCode, record.FieldPrice},
		}, true
	case record.KindNews:
		return record.FieldMapping{
			Columns: map[string]string{
				record.FieldTitle:       "title",
				record.FieldURL:         "url",
				record.FieldPublishedAt: "ctime",
				record.FieldSummary:     "intro",
			},
			Required: []string{record.FieldTitle},
		}, true
	}
	return record.FieldMapping{}, false
}

func (p *Sina) Fetch(ctx context.Context, req Request) ([]record.RawRow, error) {
	switch req.Kind {
	case record.KindQuotes:
		return p.fetchQuotes(ctx, req.Codes)
	case record.KindNews:
		return p.fetchNews(ctx)
	}
	return nil, ErrUnsupported
}

func (p *Sina) fetchQuotes(ctx context.Context, codes []string) ([]record.RawRow, error) {
	if len(codes) == 0 {
		return nil, &FormatError{Reason: "no codes in quotes request"}
	}
	syms := make([]string, 0, len(codes))
	for _, code := range codes {
		syms = append(syms, toSinaSymbol(code))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.quoteURL+strings.Join(syms, ","), nil)
	if err != nil {
		return nil, &FormatError{Reason: "build request", Err: err}
	}
	req.Header.Set("Referer", sinaReferer)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if transportish(err) {
			return nil, &TransportError{Err: err}
		}
		return nil, &FormatError{Reason: "read body", Err: err}
	}

	var rows []record.RawRow
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		row, ok := parseSinaLine(line)
		if ok {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil, ErrEmptyResult
	}
	return rows, nil
}

// parseSinaLine splits one hq line into a raw row.
// Format: var hq_str_sh600584="name,open,preclose,price,high,low,...,volume,amount,...,bid1,...,ask1,...";
func parseSinaLine(line string) (record.RawRow, bool) {
	parts := strings.SplitN(line, "=", 2)
	if len(parts) < 2 {
		return nil, false
	}
	sym := strings.TrimPrefix(strings.TrimSpace(parts[0]), "var hq_str_")
	payload := strings.Trim(strings.Trim(parts[1], ";"), "\"")
	if payload == "" {
		return nil, false
	}
	fields := strings.Split(payload, ",")
	if len(fields) < 22 {
		return nil, false
	}
	price, err := strconv.ParseFloat(fields[3], 64)
	if err != nil || price <= 0 {
		return nil, false
	}
	row := record.RawRow{
		"code":   strings.TrimLeft(strings.ToLower(sym), "shz"),
		"name":   fields[0],
		"open":   fields[1],
		"price":  fields[3],
		"high":   fields[4],
		"low":    fields[5],
		"volume": fields[8],
		"amount": fields[9],
		"bid":    fields[11],
		"ask":    fields[21],
	}
	// the line carries preclose, not change pct; derive it here so the
	// row shape matches the mapping
	if preclose, err := strconv.ParseFloat(fields[2], 64); err == nil && preclose > 0 {
		row["change_pct"] = strconv.FormatFloat((price-preclose)/preclose*100, 'f', 2, 64)
	}
	return row, true
}

func (p *Sina) fetchNews(ctx context.Context) ([]record.RawRow, error) {
	q := url.Values{}
	q.Set("pageid", "153")
	q.Set("lid", "2516")
	q.Set("num", "50")
	q.Set("page", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.newsURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &FormatError{Reason: "build request", Err: err}
	}
	req.Header.Set("Referer", sinaReferer)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if transportish(err) {
			return nil, &TransportError{Err: err}
		}
		return nil, &FormatError{Reason: "read body", Err: err}
	}
	if !gjson.ValidBytes(body) {
		return nil, &FormatError{Reason: "news response is not json"}
	}
	list := gjson.GetBytes(body, "result.data")
	if !list.Exists() {
		return nil, &FormatError{Reason: "news response missing result.data"}
	}
	items := list.Array()
	if len(items) == 0 {
		return nil, ErrEmptyResult
	}

	rows := make([]record.RawRow, 0, len(items))
	for _, item := range items {
		row := record.RawRow{
			"title": item.Get("title").String(),
			"url":   item.Get("url").String(),
			"intro": item.Get("intro").String(),
		}
		// ctime is unix seconds; emit the normalizer's canonical layout
		if ts := item.Get("ctime").Int(); ts > 0 {
			row["ctime"] = time.Unix(ts, 0).In(p.loc).Format("2006-01-02 15:04:05")
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// toSinaSymbol prefixes a bare code with its exchange the way the hq
// endpoint expects: 6xxxxx is Shanghai, the rest Shenzhen.
func toSinaSymbol(code string) string {
	s := strings.ToLower(strings.TrimSpace(code))
	if strings.HasPrefix(s, "sh") || strings.HasPrefix(s, "sz") {
		return s
	}
	if strings.HasPrefix(s, "6") {
		return "sh" + s
	}
	return "sz" + s
}

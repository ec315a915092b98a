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
	eastmoneyQuoteURL = "https://push2.eastmoney.com/api/qt/ulist.np/get"
	eastmoneyBoardURL = "https://push2.eastmoney.com/api/qt/clist/get"
	eastmoneyNewsURL  = "https://np-listapi.eastmoney.com/comm/web/getNewsByCode"
	eastmoneyDataURL  = "https://datacenter-web.eastmoney.com/api/data/v1/get"

	// datacenter report holding the daily billboard of unusual activity
	eastmoneyBillboardReport = "RPT_DAILYBILLBOARD_DETAILS"

	// quote fields: f12 code, f14 name, f2 price, f3 change pct,
	// f5 volume, f6 turnover
	eastmoneyQuoteFields = "f12,f14,f2,f3,f5,f6"
	// board fields: f12 board code, f14 board name, f3 change pct,
	// f128 leading stock, f136 leading stock change pct
	eastmoneyBoardFields = "f12,f14,f3,f128,f136"

	eastmoneyUA      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	eastmoneyReferer = "https://quote.eastmoney.com/"

	defaultSectorTopN = 20
)

// Eastmoney fetches quotes, per-stock news, sector board rankings, and
// the daily billboard list from the eastmoney endpoints. Primary source.
type Eastmoney struct {
	quoteURL string
	boardURL string
	newsURL  string
	dataURL  string
	client   *http.Client
	loc      *time.Location
}

func NewEastmoney(timeout time.Duration) *Eastmoney {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	return &Eastmoney{
		quoteURL: eastmoneyQuoteURL,
		boardURL: eastmoneyBoardURL,
		newsURL:  eastmoneyNewsURL,
		dataURL:  eastmoneyDataURL,
		client:   &http.Client{Timeout: timeout},
		loc:      loc,
	}
}

func (p *Eastmoney) ID() string { return "eastmoney" }

func (p *Eastmoney) Mapping(kind record.Kind) (record.FieldMapping, bool) {
	switch kind {
	case record.KindQuotes:
		return record.FieldMapping{
			Columns: map[string]string{
				record.FieldCode:      "f12",
				record.FieldName:      "f14",
				record.FieldPrice:     "f2",
				record.FieldChangePct: "f3",
				record.FieldVolume:    "f5",
				record.FieldTurnover:  "f6",
			},
			Required: []string{record.FieldCode, record.FieldPrice},
		}, true
	case record.KindNews:
		return record.FieldMapping{
			Columns: map[string]string{
				record.FieldTitle:       "Art_Title",
				record.FieldURL:         "Art_Url",
				record.FieldPublishedAt: "Art_ShowTime",
				record.FieldSummary:     "Art_Content",
			},
			Required: []string{record.FieldTitle},
		}, true
	case record.KindSectors:
		return record.FieldMapping{
			Columns: map[string]string{
				record.FieldSectorName:    "f14",
				record.FieldChangePct:     "f3",
				record.FieldLeadStock:     "f128",
				record.FieldLeadChangePct: "f136",
			},
			Required: []string{record.FieldSectorName},
		}, true
	case record.KindDragonTiger:
		return record.FieldMapping{
			Columns: map[string]string{
				record.FieldCode:         "SECURITY_CODE",
				record.FieldName:         "SECURITY_NAME_ABBR",
				record.FieldTradeDate:    "TRADE_DATE",
				record.FieldReason:       "BILLBOARD_REASON_NAME",
				record.FieldExplanation:  "EXPLANATION",
				record.FieldClosePrice:   "CLOSE_PRICE",
				record.FieldChangePct:    "PCT_CHANGE",
				record.FieldTurnoverRate: "TURNOVERRATE",
				record.FieldNetBuy:       "NET_BUY_AMT",
				record.FieldTotalBuy:     "BUY_AMT",
				record.FieldTotalSell:    "SELL_AMT",
			},
			Required: []string{record.FieldCode, record.FieldTradeDate},
		}, true
	}
	return record.FieldMapping{}, false
}

func (p *Eastmoney) Fetch(ctx context.Context, req Request) ([]record.RawRow, error) {
	switch req.Kind {
	case record.KindQuotes:
		return p.fetchQuotes(ctx, req.Codes)
	case record.KindNews:
		if len(req.Codes) != 1 {
			return nil, &FormatError{Reason: fmt.Sprintf("news request wants exactly one code, got %d", len(req.Codes))}
		}
		return p.fetchNews(ctx, req.Codes[0])
	case record.KindSectors:
		return p.fetchSectors(ctx, req.SectorType, req.TopN)
	case record.KindDragonTiger:
		return p.fetchDragonTiger(ctx, req.Date)
	}
	return nil, ErrUnsupported
}

func (p *Eastmoney) fetchQuotes(ctx context.Context, codes []string) ([]record.RawRow, error) {
	if len(codes) == 0 {
		return nil, &FormatError{Reason: "no codes in quotes request"}
	}
	secids := make([]string, 0, len(codes))
	for _, code := range codes {
		id, err := toSecID(code)
		if err != nil {
			return nil, &FormatError{Reason: "bad instrument code", Err: err}
		}
		secids = append(secids, id)
	}

	q := url.Values{}
	q.Set("secids", strings.Join(secids, ","))
	q.Set("fields", eastmoneyQuoteFields)
	q.Set("fltt", "2")
	q.Set("invt", "2")

	body, err := p.get(ctx, p.quoteURL, q)
	if err != nil {
		return nil, err
	}
	return parsePushRows(body, "data.diff")
}

func (p *Eastmoney) fetchNews(ctx context.Context, code string) ([]record.RawRow, error) {
	q := url.Values{}
	q.Set("code", strings.TrimLeft(strings.ToLower(code), "shz"))
	q.Set("pageSize", "50")
	q.Set("pageIndex", "1")

	body, err := p.get(ctx, p.newsURL, q)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, &FormatError{Reason: "news response is not json"}
	}
	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return nil, &FormatError{Reason: "news response missing data"}
	}
	list := data.Get("list")
	// the endpoint answers "no articles" with an explicit null, not an
	// empty array
	if data.Type == gjson.Null || (list.Exists() && list.Type == gjson.Null) {
		return nil, ErrEmptyResult
	}
	if !list.Exists() {
		return nil, &FormatError{Reason: "news response missing data.list"}
	}
	items := list.Array()
	if len(items) == 0 {
		return nil, ErrEmptyResult
	}
	rows := make([]record.RawRow, 0, len(items))
	for _, item := range items {
		row := record.RawRow{}
		item.ForEach(func(key, value gjson.Result) bool {
			row[key.String()] = value.String()
			return true
		})
		rows = append(rows, row)
	}
	return rows, nil
}

func (p *Eastmoney) fetchSectors(ctx context.Context, typ record.SectorType, topN int) ([]record.RawRow, error) {
	if topN <= 0 {
		topN = defaultSectorTopN
	}
	// m:90 t:3 concept boards, m:90 t:2 industry boards; po=1 fid=f3
	// sorts by change pct descending so row order is the ranking
	fs := "m:90+t:3"
	if typ == record.SectorIndustry {
		fs = "m:90+t:2"
	}
	q := url.Values{}
	q.Set("fs", fs)
	q.Set("fields", eastmoneyBoardFields)
	q.Set("po", "1")
	q.Set("fid", "f3")
	q.Set("pn", "1")
	q.Set("pz", strconv.Itoa(topN))
	q.Set("fltt", "2")

	body, err := p.get(ctx, p.boardURL, q)
	if err != nil {
		return nil, err
	}
	return parsePushRows(body, "data.diff")
}

// fetchDragonTiger pulls one trading day's billboard list from the
// datacenter report API. date is YYYY-MM-DD; empty means today in
// Shanghai. Non-trading days simply come back empty.
func (p *Eastmoney) fetchDragonTiger(ctx context.Context, date string) ([]record.RawRow, error) {
	if date == "" {
		date = time.Now().In(p.loc).Format("2006-01-02")
	}
	day, err := time.ParseInLocation("2006-01-02", date, p.loc)
	if err != nil {
		return nil, &FormatError{Reason: "bad trade date", Err: err}
	}

	q := url.Values{}
	q.Set("reportName", eastmoneyBillboardReport)
	q.Set("columns", "ALL")
	q.Set("filter", fmt.Sprintf("(TRADE_DATE=%q)", day.Format("20060102")))
	q.Set("sortColumns", "SECURITY_CODE,TRADE_DATE")
	q.Set("sortTypes", "1,1")
	q.Set("pageSize", "500")
	q.Set("pageNumber", "1")

	body, err := p.get(ctx, p.dataURL, q)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, &FormatError{Reason: "billboard response is not json"}
	}
	result := gjson.GetBytes(body, "result")
	if !result.Exists() {
		return nil, &FormatError{Reason: "billboard response missing result"}
	}
	// no-data days answer with {"result": null}
	data := result.Get("data")
	if result.Type == gjson.Null || data.Type == gjson.Null {
		return nil, ErrEmptyResult
	}
	items := data.Array()
	if len(items) == 0 {
		return nil, ErrEmptyResult
	}
	rows := make([]record.RawRow, 0, len(items))
	for _, item := range items {
		row := record.RawRow{}
		item.ForEach(func(key, value gjson.Result) bool {
			row[key.String()] = value.String()
			return true
		})
		rows = append(rows, row)
	}
	return rows, nil
}

// parsePushRows extracts the row array of a push2-style response into
// raw rows keyed by the fNN field codes.
func parsePushRows(body []byte, path string) ([]record.RawRow, error) {
	if !gjson.ValidBytes(body) {
		return nil, &FormatError{Reason: "response is not json"}
	}
	data := gjson.GetBytes(body, path)
	if !data.Exists() || data.Type == gjson.Null {
		return nil, &FormatError{Reason: "response missing " + path}
	}
	items := data.Array()
	if len(items) == 0 {
		return nil, ErrEmptyResult
	}
	rows := make([]record.RawRow, 0, len(items))
	for _, item := range items {
		row := record.RawRow{}
		item.ForEach(func(key, value gjson.Result) bool {
			row[key.String()] = value.String()
			return true
		})
		rows = append(rows, row)
	}
	return rows, nil
}

func (p *Eastmoney) get(ctx context.Context, rawURL string, q url.Values) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FormatError{Reason: "invalid base url", Err: err}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FormatError{Reason: "build request", Err: err}
	}
	req.Header.Set("User-Agent", eastmoneyUA)
	req.Header.Set("Referer", eastmoneyReferer)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransportError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FormatError{Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if transportish(err) {
			return nil, &TransportError{Err: err}
		}
		return nil, &FormatError{Reason: "read body", Err: err}
	}
	return body, nil
}

// toSecID converts an exchange-qualified or bare A-share code to the
// eastmoney secid form: 1.600584 for Shanghai, 0.000001 for Shenzhen.
// Bare codes starting with 6 are Shanghai, everything else Shenzhen.
func toSecID(code string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(code))
	switch {
	case strings.HasPrefix(s, "sh"):
		return "1." + strings.TrimPrefix(s, "sh"), nil
	case strings.HasPrefix(s, "sz"):
		return "0." + strings.TrimPrefix(s, "sz"), nil
	case len(s) == 6:
		if strings.HasPrefix(s, "6") {
			return "1." + s, nil
		}
		return "0." + s, nil
	}
	return "", fmt.Errorf("invalid code: %q", code)
}

package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/record"
)

const sinaQuoteLine = `var hq_str_sh600584="长电科技,36.10,35.80,36.50,36.80,35.90,36.49,36.50,12345678,450321000.5,100,36.49,200,36.48,300,36.47,400,36.46,500,36.45,600,36.51,700,36.52,800,36.53,900,36.54,1000,36.55,2026-08-28,15:00:00,00";`

func TestParseSinaLine(t *testing.T) {
	row, ok := parseSinaLine(sinaQuoteLine)
	require.True(t, ok)
	assert.Equal(t, "600584", row["code"])
	assert.Equal(t, "长电科技", row["name"])
	assert.Equal(t, "36.50", row["price"])
	assert.Equal(t, "12345678", row["volume"])
	assert.Equal(t, "450321000.5", row["amount"])
	// change pct derived from preclose 35.80
	assert.Equal(t, "1.96", row["change_pct"])
}

func TestParseSinaLineRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"",
		"no equals sign",
		`var hq_str_sh600584="";`,
		`var hq_str_sh600584="too,few,fields";`,
		`var hq_str_sh688000="名称,1.0,1.0,0.00,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1";`, // halted, price 0
	} {
		_, ok := parseSinaLine(line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestToSinaSymbol(t *testing.T) {
	cases := map[string]string{
		"600584":   "sh600584",
		"000001":   "sz000001",
		"sh600584": "sh600584",
		"SZ000001": "sz000001",
		"300750":   "sz300750",
	}
	for in, want := range cases {
		assert.Equal(t, want, toSinaSymbol(in), "code %q", in)
	}
}

func TestSinaFetchQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.String(), "sh600584")
		_, _ = w.Write([]byte(sinaQuoteLine + "\n"))
	}))
	defer srv.Close()

	p := NewSina(time.Second)
	p.quoteURL = srv.URL + "/list="

	rows, err := p.Fetch(context.Background(), Request{Kind: record.KindQuotes, Codes: []string{"600584"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "600584", rows[0]["code"])
}

func TestSinaFetchQuotesAllHalted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`var hq_str_sz000000="";` + "\n"))
	}))
	defer srv.Close()

	p := NewSina(time.Second)
	p.quoteURL = srv.URL + "/list="

	_, err := p.Fetch(context.Background(), Request{Kind: record.KindQuotes, Codes: []string{"000000"}})
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestSinaFetchNews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "153", r.URL.Query().Get("pageid"))
		_, _ = w.Write([]byte(`{"result":{"data":[
			{"title":"A股放量上涨","url":"https://example.com/n/1","intro":"综述","ctime":"1787000000"},
			{"title":"无时间戳","url":"https://example.com/n/2","intro":""}
		]}}`))
	}))
	defer srv.Close()

	p := NewSina(time.Second)
	p.newsURL = srv.URL

	rows, err := p.Fetch(context.Background(), Request{Kind: record.KindNews})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A股放量上涨", rows[0]["title"])
	// unix ctime rendered in the canonical layout
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, rows[0]["ctime"])
	_, hasCtime := rows[1]["ctime"]
	assert.False(t, hasCtime)
}

func TestSinaSectorsUnsupported(t *testing.T) {
	p := NewSina(time.Second)
	_, err := p.Fetch(context.Background(), Request{Kind: record.KindSectors, SectorType: record.SectorConcept})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, ok := p.Mapping(record.KindSectors)
	assert.False(t, ok)
	assert.False(t, Retryable(err))
}

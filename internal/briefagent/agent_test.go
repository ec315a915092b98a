package briefagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/record"
)

func TestDisabledAgentFallsBack(t *testing.T) {
	a := New(Config{Enabled: false})
	news := []record.NewsRecord{
		{Title: "标题一"}, {Title: "标题二"}, {Title: "标题三"},
		{Title: "标题四"}, {Title: "标题五"}, {Title: "标题六"},
	}
	b, err := a.Summarize(context.Background(), "2026-08-29", news)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-29", b.Date)
	assert.Equal(t, "neutral", b.MarketTone)
	// fallback keeps the first five headlines
	require.Len(t, b.Highlights, 5)
	assert.Equal(t, "标题一", b.Highlights[0])
}

func TestNilAgentFallsBack(t *testing.T) {
	var a *Agent
	b, err := a.Summarize(context.Background(), "2026-08-29", []record.NewsRecord{{Title: "标题一"}})
	require.NoError(t, err)
	assert.Equal(t, "2026-08-29", b.Date)
	assert.Equal(t, "neutral", b.MarketTone)
	require.Len(t, b.Highlights, 1)
}

func TestNewWithoutCredentialsDisables(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_MODEL", "")
	a := New(Config{Enabled: true})
	assert.False(t, a.enabled)
	assert.NotEmpty(t, a.disabledReason)
}

func TestParseBrief(t *testing.T) {
	raw := `{"date":"2026-08-29","market_tone":"bullish","highlights":["半导体领涨"],"watch_list":["600584"]}`
	b, err := parseBrief(raw)
	require.NoError(t, err)
	assert.Equal(t, "bullish", b.MarketTone)
	assert.Equal(t, []string{"半导体领涨"}, b.Highlights)
}

func TestParseBriefWithSurroundingProse(t *testing.T) {
	raw := "Here is the summary:\n```json\n{\"market_tone\":\"bearish\",\"highlights\":[]}\n```\nDone."
	b, err := parseBrief(raw)
	require.NoError(t, err)
	assert.Equal(t, "bearish", b.MarketTone)
}

func TestParseBriefNoJSON(t *testing.T) {
	_, err := parseBrief("no structured content at all")
	assert.Error(t, err)
}

func TestExtractFirstJSONObject(t *testing.T) {
	assert.Equal(t, `{"a":{"b":1}}`, extractFirstJSONObject(`x {"a":{"b":1}} y`))
	assert.Empty(t, extractFirstJSONObject("no braces"))
	assert.Empty(t, extractFirstJSONObject("{unclosed"))
}

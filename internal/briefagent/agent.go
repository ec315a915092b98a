// Package briefagent turns a day's collected headlines into a short
// market brief via an LLM. Entirely optional: when unconfigured it
// degrades to a static summary and never affects collection outcomes.
package briefagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"

	"stockpulse/internal/record"
)

type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ByAzure    bool   `yaml:"by_azure"`
	APIVersion string `yaml:"api_version"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

// Brief is the structured daily summary.
type Brief struct {
	Date       string   `json:"date"`
	MarketTone string   `json:"market_tone"`
	Highlights []string `json:"highlights"`
	WatchList  []string `json:"watch_list"`
}

type Input struct {
	Date      string   `json:"date"`
	Headlines []string `json:"headlines"`
}

type Agent struct {
	enabled        bool
	model          *openai.ChatModel
	modelName      string
	disabledReason string
}

func New(cfg Config) *Agent {
	if !cfg.Enabled {
		return &Agent{enabled: false, disabledReason: "disabled by config"}
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if cfg.APIKey == "" || cfg.Model == "" {
		log.Printf("briefagent disabled: missing api key or model")
		return &Agent{enabled: false, disabledReason: "api_key or model missing"}
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	model, err := openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		ByAzure:    cfg.ByAzure,
		APIVersion: cfg.APIVersion,
		Timeout:    timeout,
	})
	if err != nil {
		log.Printf("briefagent init error: %v", err)
		return &Agent{enabled: false, disabledReason: "init failed"}
	}
	return &Agent{enabled: true, model: model, modelName: cfg.Model}
}

// Summarize builds a brief from the day's news records. Falls back to a
// static brief on any model failure. Safe on a nil receiver, which acts
// like a disabled agent.
func (a *Agent) Summarize(ctx context.Context, date string, news []record.NewsRecord) (Brief, error) {
	in := Input{Date: date}
	for _, n := range news {
		in.Headlines = append(in.Headlines, n.Title)
	}
	if a == nil || !a.enabled || a.model == nil {
		return fallbackBrief(in), nil
	}

	payload, _ := json.Marshal(in)

	system := `You are a market news summarizer. Output ONLY valid JSON.
Must include keys: date, market_tone, highlights (array of strings), watch_list (array of strings).
Keep highlights to at most 5 items. No extra text.`

	messages := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(fmt.Sprintf("Input: %s", string(payload))),
	}

	resp, err := a.model.Generate(ctx, messages)
	if err != nil {
		logLLMError(err)
		return fallbackBrief(in), err
	}

	brief, err := parseBrief(strings.TrimSpace(resp.Content))
	if err != nil {
		return fallbackBrief(in), err
	}
	if brief.Date == "" {
		brief.Date = in.Date
	}
	return brief, nil
}

func fallbackBrief(in Input) Brief {
	b := Brief{
		Date:       in.Date,
		MarketTone: "neutral",
		Highlights: []string{},
		WatchList:  []string{},
	}
	for i, h := range in.Headlines {
		if i >= 5 {
			break
		}
		b.Highlights = append(b.Highlights, h)
	}
	return b
}

func parseBrief(text string) (Brief, error) {
	var out Brief
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	jsonStr := extractFirstJSONObject(text)
	if jsonStr == "" {
		return Brief{}, fmt.Errorf("no json object found")
	}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return Brief{}, fmt.Errorf("parse brief: %w", err)
	}
	return out, nil
}

func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func logLLMError(err error) {
	apiErr := &openai.APIError{}
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		log.Printf("briefagent api error: status=%d message=%s", apiErr.HTTPStatusCode, msg)
		return
	}
	log.Printf("briefagent error: %v", err)
}

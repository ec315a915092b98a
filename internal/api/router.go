package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stockpulse/internal/briefagent"
	"stockpulse/internal/collector"
	"stockpulse/internal/record"
	"stockpulse/internal/source"
	"stockpulse/internal/store"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
)

type CollectRequest struct {
	Kind       string   `json:"kind"`
	Codes      []string `json:"codes"`
	SectorType string   `json:"sector_type"`
	TopN       int      `json:"top_n"`
	Date       string   `json:"date"`
}

func RegisterRoutes(h *server.Hertz, sink store.Sink, svc *collector.Service, brief *briefagent.Agent, log *slog.Logger) {
	h.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		c.JSON(200, map[string]bool{"ok": true})
	})

	h.GET("/api/v1/quotes", func(ctx context.Context, c *app.RequestContext) {
		if sink == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "store not configured",
			})
			return
		}
		code := string(c.Query("code"))
		from, to, err := parseTimeRange(string(c.Query("from")), string(c.Query("to")))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		items, err := sink.QueryQuotes(ctx, code, from, to, limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/v1/news", func(ctx context.Context, c *app.RequestContext) {
		if sink == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "store not configured",
			})
			return
		}
		code := string(c.Query("code"))
		from, to, err := parseTimeRange(string(c.Query("from")), string(c.Query("to")))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		items, err := sink.QueryNews(ctx, code, from, to, limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/v1/sectors", func(ctx context.Context, c *app.RequestContext) {
		if sink == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "store not configured",
			})
			return
		}
		typ, err := parseSectorType(string(c.Query("type")))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		from, to, err := parseTimeRange(string(c.Query("from")), string(c.Query("to")))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		items, err := sink.QuerySectors(ctx, typ, from, to, limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/v1/dragon-tiger", func(ctx context.Context, c *app.RequestContext) {
		if sink == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "store not configured",
			})
			return
		}
		code := string(c.Query("code"))
		date := string(c.Query("date"))
		if date != "" {
			if _, err := time.ParseInLocation("2006-01-02", date, chinaLoc()); err != nil {
				c.JSON(http.StatusBadRequest, map[string]any{
					"ok":    false,
					"error": "invalid date format (YYYY-MM-DD)",
				})
				return
			}
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		items, err := sink.QueryDragonTiger(ctx, code, date, limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/v1/attempts", func(ctx context.Context, c *app.RequestContext) {
		if sink == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "store not configured",
			})
			return
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		items, err := sink.QueryAttempts(ctx, limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.POST("/api/v1/collect", func(ctx context.Context, c *app.RequestContext) {
		if svc == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "collector not configured",
			})
			return
		}
		var req CollectRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": "invalid json body",
			})
			return
		}
		sreq, err := buildRequest(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		res, err := svc.Collect(ctx, sreq)
		if err != nil {
			var asf *collector.AllSourcesFailedError
			if errors.As(err, &asf) {
				c.JSON(http.StatusBadGateway, map[string]any{
					"ok":      false,
					"error":   asf.Error(),
					"attempt": res.Attempt,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":      true,
			"source":  res.Source,
			"report":  res.Report,
			"attempt": res.Attempt,
		})
	})

	h.GET("/api/v1/brief", func(ctx context.Context, c *app.RequestContext) {
		if sink == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "store not configured",
			})
			return
		}
		if brief == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "brief agent not configured",
			})
			return
		}
		date := string(c.Query("date"))
		if date == "" {
			date = chinaToday()
		}
		day, err := time.ParseInLocation("2006-01-02", date, chinaLoc())
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": "invalid date format (YYYY-MM-DD)",
			})
			return
		}
		news, err := sink.QueryNews(ctx, "", day, day.Add(24*time.Hour), 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		mode := "llm"
		b, err := brief.Summarize(ctx, date, news)
		if err != nil {
			log.Warn("brief generation degraded", "error", err)
			mode = "fallback"
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"mode":  mode,
			"brief": b,
		})
	})
}

func buildRequest(req CollectRequest) (source.Request, error) {
	out := source.Request{Codes: cleanCodes(req.Codes), TopN: req.TopN}
	switch record.Kind(req.Kind) {
	case record.KindQuotes:
		out.Kind = record.KindQuotes
		if len(out.Codes) == 0 {
			return out, fmt.Errorf("codes is required for quotes")
		}
	case record.KindNews:
		out.Kind = record.KindNews
		if len(out.Codes) > 1 {
			return out, fmt.Errorf("news takes at most one code per request")
		}
	case record.KindSectors:
		out.Kind = record.KindSectors
		typ, err := parseSectorType(req.SectorType)
		if err != nil {
			return out, err
		}
		if typ == "" {
			typ = record.SectorConcept
		}
		out.SectorType = typ
	case record.KindDragonTiger:
		out.Kind = record.KindDragonTiger
		if req.Date != "" {
			if _, err := time.ParseInLocation("2006-01-02", req.Date, chinaLoc()); err != nil {
				return out, fmt.Errorf("invalid date %q (YYYY-MM-DD)", req.Date)
			}
			out.Date = req.Date
		}
	default:
		return out, fmt.Errorf("invalid kind %q (quotes|news|sectors|dragon_tiger)", req.Kind)
	}
	return out, nil
}

func cleanCodes(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func parseSectorType(raw string) (record.SectorType, error) {
	switch record.SectorType(raw) {
	case "", record.SectorConcept, record.SectorIndustry:
		return record.SectorType(raw), nil
	}
	return "", fmt.Errorf("invalid sector type %q (concept|industry)", raw)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	return v, nil
}

// parseTimeRange accepts RFC3339 or YYYY-MM-DD bounds; zero values mean
// an open end.
func parseTimeRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	from, err := parseTimeParam(fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeParam(toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
	}
	return from, to, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, chinaLoc())
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}

func chinaLoc() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.Local
	}
	return loc
}

func chinaToday() string {
	return time.Now().In(chinaLoc()).Format("2006-01-02")
}

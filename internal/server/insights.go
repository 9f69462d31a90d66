package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/insight"
)

type InsightsHandler struct {
	Store *insight.Store
}

func (h *InsightsHandler) Register(api *echo.Group) {
	api.GET("/insights", h.list)
}

// list returns stored insights. With a q parameter it runs a relevance
// search, which also counts as a retrieval for the ranked hits.
func (h *InsightsHandler) list(c echo.Context) error {
	if h.Store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "insight memory disabled")
	}
	typeFilter := strings.TrimSpace(c.QueryParam("type"))
	topK := 10
	if val := strings.TrimSpace(c.QueryParam("k")); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 && n <= 100 {
			topK = n
		}
	}

	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		hits, err := h.Store.Search(c.Request().Context(), q, topK, typeFilter)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, toInsightList(hits))
	}

	all := h.Store.All()
	filtered := all[:0:0]
	for _, in := range all {
		if typeFilter == "" || in.Type == typeFilter {
			filtered = append(filtered, in)
		}
	}
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return c.JSON(http.StatusOK, toInsightList(filtered))
}

func toInsightList(items []insight.Insight) insightListResponse {
	resp := insightListResponse{Total: len(items), Insights: make([]insightItem, 0, len(items))}
	for _, in := range items {
		resp.Insights = append(resp.Insights, insightItem{
			ID:           in.ID,
			Type:         in.Type,
			Content:      in.Content,
			Metadata:     in.Metadata,
			Timestamp:    in.Timestamp,
			UsageCount:   in.UsageCount,
			LastAccessed: in.LastAccessed,
		})
	}
	return resp
}

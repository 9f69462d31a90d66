package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	core "github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
)

// AssistHandler serves the single-stage question answering and teaching
// endpoints. Both run synchronously, they have no collection loop.
type AssistHandler struct {
	Engine  Analyzer
	Timeout time.Duration
}

func (h *AssistHandler) Register(api *echo.Group) {
	api.POST("/assist", h.assist)
	api.POST("/learn", h.learn)
}

func (h *AssistHandler) assist(c echo.Context) error {
	var req AssistRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()
	result, err := h.Engine.Assist(ctx, query, core.NopSink{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *AssistHandler) learn(c echo.Context) error {
	var req LearnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}
	ctx, cancel := h.requestContext(c)
	defer cancel()
	result, err := h.Engine.Learn(ctx, topic, core.NopSink{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *AssistHandler) requestContext(c echo.Context) (ctx context.Context, cancel context.CancelFunc) {
	timeout := h.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return context.WithTimeout(c.Request().Context(), timeout)
}

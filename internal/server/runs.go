package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	core "github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
)

// Analyzer is the engine surface the HTTP layer needs.
type Analyzer interface {
	RunAs(ctx context.Context, runID, query string, sink core.ProgressSink) (core.RunResult, error)
	Assist(ctx context.Context, query string, sink core.ProgressSink) (core.RunResult, error)
	Learn(ctx context.Context, query string, sink core.ProgressSink) (core.RunResult, error)
}

type RunsHandler struct {
	Engine  Analyzer
	Storage core.Storage
	Tracker *runTracker
	Timeout time.Duration
	Logger  *log.Logger
}

func (h *RunsHandler) Register(api *echo.Group) {
	api.POST("/analyze", h.analyze)
	api.GET("/runs", h.listRuns)
	api.GET("/runs/:id", h.getRun)
	api.GET("/runs/:id/events", h.streamEvents)
}

// analyze starts a pipeline run in the background and returns its id
// immediately. Progress is available on /runs/:id/events.
func (h *RunsHandler) analyze(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	runID := uuid.New().String()
	live := h.Tracker.start(runID, query)
	timeout := h.Timeout
	if timeout == 0 {
		timeout = 15 * time.Minute
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := h.Engine.RunAs(ctx, runID, query, live)
		if err != nil {
			h.Logger.Printf("run %s: %v", runID, err)
		}
		h.Tracker.finish(live, err == nil)
	}()

	return c.JSON(http.StatusAccepted, AnalyzeResponse{RunID: runID, Status: runStatusRunning})
}

func (h *RunsHandler) listRuns(c echo.Context) error {
	limit := 20
	if val := strings.TrimSpace(c.QueryParam("limit")); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	runs, err := h.Storage.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runListResponse{Runs: runs})
}

func (h *RunsHandler) getRun(c echo.Context) error {
	id := c.Param("id")
	result, err := h.Storage.GetRun(c.Request().Context(), id)
	if err == nil {
		return c.JSON(http.StatusOK, result)
	}
	if !errors.Is(err, core.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if live, ok := h.Tracker.get(id); ok {
		return c.JSON(http.StatusOK, live.snapshot())
	}
	return echo.NewHTTPError(http.StatusNotFound, "run not found")
}

// streamEvents streams the run's progress timeline via Server-Sent Events.
// Buffered events are replayed first, then live ones until the run ends.
func (h *RunsHandler) streamEvents(c echo.Context) error {
	id := c.Param("id")
	live, ok := h.Tracker.get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found or expired")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	send := func(ev core.ProgressEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: progress\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	replay, ch := live.subscribe()
	for _, ev := range replay {
		if err := send(ev); err != nil {
			if ch != nil {
				live.unsubscribe(ch)
			}
			return nil
		}
	}
	if ch == nil {
		_, _ = resp.Write([]byte("event: done\ndata: {}\n\n"))
		flusher.Flush()
		return nil
	}
	defer live.unsubscribe(ch)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-ch:
			if !open {
				_, _ = resp.Write([]byte("event: done\ndata: {}\n\n"))
				flusher.Flush()
				return nil
			}
			if err := send(ev); err != nil {
				return nil
			}
		}
	}
}

package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	core "github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/insight"
)

// Options carries the wired dependencies for the HTTP API.
type Options struct {
	Config   *config.Config
	Engine   Analyzer
	Storage  core.Storage
	Insights *insight.Store
	Gatherer prometheus.Gatherer
}

// Run builds the echo application and serves it until the listener fails.
func Run(opts Options) error {
	e, err := newEcho(opts)
	if err != nil {
		return err
	}
	addr := opts.Config.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	return e.Start(addr)
}

func newEcho(opts Options) (*echo.Echo, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("server: storage is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	} else {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")

	// Auth is optional. Without a configured secret the API is open, which
	// is the local single-user setup.
	secret := opts.Config.Server.JWTSecret
	if secret != "" {
		auth := &AuthHandler{Storage: opts.Storage, Secret: []byte(secret)}
		auth.Register(api.Group("/auth"))
		api.Use(skipAuthRoutes(authMiddleware([]byte(secret))))
	}

	tracker := newRunTracker()
	runs := &RunsHandler{
		Engine:  opts.Engine,
		Storage: opts.Storage,
		Tracker: tracker,
		Timeout: opts.Config.General.MaxProcessingTime,
		Logger:  log.New(log.Writer(), "[RUNS] ", log.LstdFlags),
	}
	runs.Register(api)

	assist := &AssistHandler{Engine: opts.Engine, Timeout: opts.Config.General.MaxProcessingTime}
	assist.Register(api)

	insights := &InsightsHandler{Store: opts.Insights}
	insights.Register(api)

	return e, nil
}

// skipAuthRoutes exempts the auth endpoints themselves from the JWT check.
func skipAuthRoutes(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		wrapped := mw(next)
		return func(c echo.Context) error {
			path := c.Path()
			if len(path) >= len("/api/auth") && path[:len("/api/auth")] == "/api/auth" {
				return next(c)
			}
			return wrapped(c)
		}
	}
}

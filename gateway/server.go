// Package gateway implements the HTTP surface of the orchestration core:
// the single-task API with idempotent reuse, the file operations endpoints,
// and the monitoring views over the GPU lock and heartbeats.
package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/wionch/yivideo/config"
)

// NewEchoServer creates the Echo instance with the standard middleware
// stack.
func NewEchoServer(cfg config.ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
		},
	}))
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	return e
}

// RegisterRoutes attaches every endpoint of the gateway.
func (g *Gateway) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")
	v1.POST("/tasks", g.handleCreateTask)
	v1.GET("/tasks/:task_id/status", g.handleTaskStatus)
	v1.GET("/tasks/:task_id/result", g.handleTaskStatus)

	v1.POST("/files/upload", g.handleFileUpload)
	v1.GET("/files/download/*", g.handleFileDownload)
	v1.DELETE("/files/directories", g.handleDeleteDirectory)
	v1.DELETE("/files/*", g.handleFileDelete)

	mon := e.Group("/api/v1/monitoring")
	mon.GET("/gpu-lock/status", g.handleLockStatus)
	mon.POST("/release-lock", g.handleReleaseLock)
	mon.GET("/heartbeat/all", g.handleHeartbeats)
	mon.GET("/statistics", g.handleStatistics)

	e.GET("/healthz", g.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// handleHealth reports process liveness plus backend reachability.
func (g *Gateway) handleHealth(c echo.Context) error {
	details := map[string]interface{}{}
	status := http.StatusOK
	if err := g.store.Ping(c.Request().Context()); err != nil {
		details["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{"status": "healthy"}
	if status != http.StatusOK {
		body["status"] = "degraded"
		body["details"] = details
	}
	return c.JSON(status, body)
}

// Package api exposes the northbound HTTP surface: a per-device command
// endpoint, a WebSocket event stream, health, and metrics.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openastro/starbridge/pkg/config"
	"github.com/openastro/starbridge/pkg/device"
	"github.com/openastro/starbridge/pkg/events"
	"github.com/openastro/starbridge/pkg/scheduler"
)

// Server is the HTTP server for the bridge.
type Server struct {
	cfg         *config.Config
	devices     *device.Manager
	schedulers  *scheduler.Manager
	connManager *events.ConnectionManager

	echo *echo.Echo
	http *http.Server
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg *config.Config, devices *device.Manager, schedulers *scheduler.Manager, connManager *events.ConnectionManager) *Server {
	s := &Server{
		cfg:         cfg,
		devices:     devices,
		schedulers:  schedulers,
		connManager: connManager,
	}
	s.echo = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	metrics := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	api := e.Group("/api")
	api.GET("/devices", s.listDevicesHandler)
	api.POST("/devices/:device/command", s.commandHandler)

	return e
}

// Start runs the HTTP server. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

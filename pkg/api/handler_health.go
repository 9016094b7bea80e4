package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/openastro/starbridge/pkg/version"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthHandler handles GET /health. The bridge is degraded, not unhealthy,
// when devices are unreachable: the control surface still works and the
// sessions keep reconnecting on their own.
func (s *Server) healthHandler(c *echo.Context) error {
	status := healthStatusHealthy
	checks := make(map[string]HealthCheck)

	for _, sess := range s.devices.Sessions() {
		if sess.Connected() {
			checks[sess.Name()] = HealthCheck{Status: healthStatusHealthy}
		} else {
			status = healthStatusDegraded
			checks[sess.Name()] = HealthCheck{Status: healthStatusDegraded, Message: "device socket is not connected"}
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":  status,
		"version": version.Full(),
		"checks":  checks,
	})
}

// listDevicesHandler handles GET /api/devices.
func (s *Server) listDevicesHandler(c *echo.Context) error {
	out := make([]map[string]any, 0)
	for _, sess := range s.devices.Sessions() {
		ra, dec := sess.Coordinates()
		entry := map[string]any{
			"name":       sess.Name(),
			"device_num": sess.DeviceNum(),
			"connected":  sess.Connected(),
			"ra":         ra,
			"dec":        dec,
		}
		if sc, err := s.schedulers.Scheduler(sess.Name()); err == nil {
			entry["scheduler_state"] = string(sc.State())
		}
		out = append(out, entry)
	}
	return c.JSON(http.StatusOK, map[string]any{"devices": out})
}

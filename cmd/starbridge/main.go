// Starbridge telescope bridge — maintains device sessions, runs the
// scheduler, and exposes the HTTP/WebSocket control surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/openastro/starbridge/pkg/api"
	"github.com/openastro/starbridge/pkg/astro"
	"github.com/openastro/starbridge/pkg/config"
	"github.com/openastro/starbridge/pkg/device"
	"github.com/openastro/starbridge/pkg/events"
	"github.com/openastro/starbridge/pkg/scheduler"
	"github.com/openastro/starbridge/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting starbridge",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Start device sessions. Sessions that cannot connect keep retrying
	// in the background, so a powered-off telescope does not block startup.
	clock := clockwork.NewRealClock()
	devices := device.NewManager(cfg, clock)
	devices.StartAll()
	slog.Info("Device sessions started", "count", len(devices.Sessions()))

	// 3. Per-device schedulers
	locator := &astro.IPLocator{}
	schedulers := scheduler.NewManager(devices, cfg, locator, clock)

	// 4. WebSocket streaming
	connManager := events.NewConnectionManager(devices, 10*time.Second)

	// 5. Create HTTP server
	httpServer := api.NewServer(cfg, devices, schedulers, connManager)

	// 6. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop accepting requests, then close sessions.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	devices.StopAll()
	slog.Info("Shutdown complete")
}

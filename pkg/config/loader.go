package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFileName is the main configuration file inside the config directory.
const configFileName = "starbridge.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read starbridge.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge defaults for unset fields
//  5. Validate all configuration
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg := &Config{configDir: configDir}
	if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, defaults()); err != nil {
		return nil, fmt.Errorf("failed to apply configuration defaults: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully", "devices", len(cfg.Devices))
	return cfg, nil
}

// defaults returns the built-in configuration merged under user values.
func defaults() Config {
	return Config{
		Site: SiteConfig{
			SocketTimeout: 10 * time.Second,
			ScopeAimLat:   60.0,
			ScopeAimLon:   20.0,
		},
		Imaging: ImagingConfig{
			ExpoStackMs:    10000,
			ExpoPreviewMs:  500,
			DitherPixels:   50,
			DitherInterval: 5,
			DitherEnabled:  true,
			Gain:           80,
		},
	}
}

// validate rejects configurations that cannot produce a working session.
func validate(cfg *Config) error {
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}
	seen := make(map[string]bool, len(cfg.Devices))
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("device %d: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		if d.Host == "" {
			return fmt.Errorf("device %q: host is required", d.Name)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("device %q: port %d is out of range", d.Name, d.Port)
		}
	}
	if cfg.Site.Latitude < -90 || cfg.Site.Latitude > 90 {
		return fmt.Errorf("site latitude %f is out of range", cfg.Site.Latitude)
	}
	if cfg.Site.Longitude < -180 || cfg.Site.Longitude > 360 {
		return fmt.Errorf("site longitude %f is out of range", cfg.Site.Longitude)
	}
	if cfg.Site.SocketTimeout <= 0 {
		return fmt.Errorf("socket_timeout must be positive")
	}
	return nil
}

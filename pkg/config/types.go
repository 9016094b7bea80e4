package config

import (
	"fmt"
	"time"
)

// DeviceConfig describes one physical telescope to bridge.
type DeviceConfig struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	DeviceNum int    `yaml:"device_num"`
	// EQMode enables the below-horizon declination-offset workaround for
	// mounts operated in equatorial mode.
	EQMode bool `yaml:"eq_mode"`
	// Per-device override of the startup "clear patch of sky" aim point.
	ScopeAimLat *float64 `yaml:"scope_aim_lat,omitempty"`
	ScopeAimLon *float64 `yaml:"scope_aim_lon,omitempty"`
}

// SiteConfig holds observing-site defaults shared by all devices.
type SiteConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Elevation float64 `yaml:"elevation"`
	// SocketTimeout bounds a single connect or read on the device socket.
	SocketTimeout time.Duration `yaml:"socket_timeout"`
	// ScopeAimLat/Lon is the default horizontal aim point used by the
	// startup sequence before polar alignment.
	ScopeAimLat float64 `yaml:"scope_aim_lat"`
	ScopeAimLon float64 `yaml:"scope_aim_lon"`
}

// ImagingConfig holds default capture settings pushed to the device during
// the startup sequence.
type ImagingConfig struct {
	ExpoStackMs      int      `yaml:"expo_stack_ms"`
	ExpoPreviewMs    int      `yaml:"expo_preview_ms"`
	DitherPixels     int      `yaml:"dither_pixels"`
	DitherInterval   int      `yaml:"dither_interval"`
	DitherEnabled    bool     `yaml:"dither_enabled"`
	Gain             int      `yaml:"gain"`
	ActivateLPFilter bool     `yaml:"activate_lp_filter"`
	DewHeaterPower   int      `yaml:"dew_heater_power"`
	SaveGoodFrames   bool     `yaml:"save_good_frames"`
	SaveAllFrames    bool     `yaml:"save_all_frames"`
	LogEventsAtInfo  bool     `yaml:"log_events_at_info"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// Config is the umbrella configuration object returned by Initialize().
type Config struct {
	configDir string

	Site    SiteConfig     `yaml:"site"`
	Imaging ImagingConfig  `yaml:"imaging"`
	Devices []DeviceConfig `yaml:"devices"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Device retrieves a device configuration by name.
func (c *Config) Device(name string) (*DeviceConfig, error) {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], nil
		}
	}
	return nil, fmt.Errorf("device %q is not configured", name)
}

// AimPoint resolves the startup aim point for a device, preferring the
// per-device override.
func (c *Config) AimPoint(d *DeviceConfig) (lat, lon float64) {
	lat, lon = c.Site.ScopeAimLat, c.Site.ScopeAimLon
	if d.ScopeAimLat != nil {
		lat = *d.ScopeAimLat
	}
	if d.ScopeAimLon != nil {
		lon = *d.ScopeAimLon
	}
	return lat, lon
}

package astro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Locator resolves the site's geographic position when no coordinates are
// configured. Implemented by IPLocator; tests substitute fixed coordinates.
type Locator interface {
	CurrentLocation(ctx context.Context) (lat, lon float64, err error)
}

// IPLocator estimates the site position from the host's public IP address.
type IPLocator struct {
	// Endpoint overrides the default geolocation service URL (tests).
	Endpoint string
	// Client overrides the default HTTP client.
	Client *http.Client
}

const defaultGeoEndpoint = "http://ip-api.com/json"

// CurrentLocation queries the geolocation service.
func (l *IPLocator) CurrentLocation(ctx context.Context) (float64, float64, error) {
	endpoint := l.Endpoint
	if endpoint == "" {
		endpoint = defaultGeoEndpoint
	}
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build geolocation request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("geolocation request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("geolocation service returned %s", resp.Status)
	}

	var body struct {
		Status string  `json:"status"`
		Lat    float64 `json:"lat"`
		Lon    float64 `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, fmt.Errorf("failed to decode geolocation response: %w", err)
	}
	if body.Status != "" && body.Status != "success" {
		return 0, 0, fmt.Errorf("geolocation lookup unsuccessful: %s", body.Status)
	}
	return body.Lat, body.Lon, nil
}

// Package scheduler runs ordered observation plans against one device
// session: mosaic and spectra captures, autofocus, timed waits, the startup
// sequence, and shutdown. Each device gets its own Scheduler; the runner
// goroutine is the single owner of schedule state while a plan executes.
package scheduler

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/openastro/starbridge/pkg/astro"
)

// State is the schedule lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateWorking  State = "working"
	StateStopping State = "stopping"
	StateComplete State = "complete"
)

// Item actions. Any other action string is forwarded verbatim to the device
// as a raw method call.
const (
	ActionStartMosaic  = "start_mosaic"
	ActionStartSpectra = "start_spectra"
	ActionAutoFocus    = "auto_focus"
	ActionWaitFor      = "wait_for"
	ActionWaitUntil    = "wait_until"
	ActionShutdown     = "shutdown"
	ActionStartUp      = "start_up_sequence"
)

// Item is one schedule entry. Params stay as the raw request object and are
// decoded per action when the item runs, so unknown actions can pass through
// untouched.
type Item struct {
	ID     string         `json:"schedule_item_id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// MosaicParams drives one mosaic capture item.
type MosaicParams struct {
	TargetName          string  `json:"target_name"`
	RA                  any     `json:"ra"`
	Dec                 any     `json:"dec"`
	IsJ2000             bool    `json:"is_j2000"`
	UseLPFilter         bool    `json:"is_use_lp_filter"`
	SessionTimeSec      int     `json:"session_time_sec"`
	RANum               int     `json:"ra_num"`
	DecNum              int     `json:"dec_num"`
	PanelOverlapPercent float64 `json:"panel_overlap_percent"`
	Gain                int     `json:"gain"`
	UseAutoFocus        bool    `json:"is_use_autofocus"`
	SelectedPanels      string  `json:"selected_panels"`
	NumTries            int     `json:"num_tries"`
	RetryWaitSec        int     `json:"retry_wait_s"`
}

// SpectraParams drives one spectra capture item.
type SpectraParams struct {
	TargetName     string `json:"target_name"`
	RA             any    `json:"ra"`
	Dec            any    `json:"dec"`
	IsJ2000        bool   `json:"is_j2000"`
	SessionTimeSec int    `json:"session_time_sec"`
	Gain           int    `json:"gain"`
}

// StartupParams selects the optional startup steps. Lat/Lon zero means "use
// the configured site, falling back to IP geolocation".
type StartupParams struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	AutoFocus  bool    `json:"auto_focus"`
	PolarAlign bool    `json:"3ppa"`
	DarkFrames bool    `json:"dark_frames"`
}

// AutoFocusParams drives an auto_focus item.
type AutoFocusParams struct {
	TryCount int `json:"try_count"`
}

// WaitForParams drives a wait_for item.
type WaitForParams struct {
	TimerSec int `json:"timer_sec"`
}

// WaitUntilParams drives a wait_until item; LocalTime is "HH:MM".
type WaitUntilParams struct {
	LocalTime string `json:"local_time"`
}

// decodeParams converts a raw params object into its typed form.
func decodeParams[T any](raw map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("invalid item params: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("invalid item params: %w", err)
	}
	return out, nil
}

// newItem assigns an id and normalizes coordinate params the way the request
// layer expects them echoed back: sexagesimal seconds trimmed to one decimal,
// float coordinates rounded to four places.
func newItem(action string, params map[string]any) *Item {
	if action == ActionStartMosaic || action == ActionStartSpectra {
		normalizeCoordParams(params)
	}
	return &Item{ID: uuid.NewString(), Action: action, Params: params}
}

func normalizeCoordParams(params map[string]any) {
	switch ra := params["ra"].(type) {
	case string:
		params["ra"] = astro.TrimSeconds(ra)
		if dec, ok := params["dec"].(string); ok {
			params["dec"] = astro.TrimSeconds(dec)
		}
	case float64:
		params["ra"] = roundPlaces(ra, 4)
		if dec, ok := params["dec"].(float64); ok {
			params["dec"] = roundPlaces(dec, 4)
		}
	}
}

func roundPlaces(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

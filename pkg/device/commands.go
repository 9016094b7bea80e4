package device

import (
	"context"
	"fmt"
	"time"

	"github.com/openastro/starbridge/pkg/astro"
	"github.com/openastro/starbridge/pkg/protocol"
)

// SyncTo aligns the mount model on the given sky position. Syncing is
// rejected while the declination offset is active or a goto is still in
// flight, because it would bake the temporary pointing error into the model.
func (s *Session) SyncTo(ctx context.Context, raHours, decDeg float64) error {
	s.mu.RLock()
	offsetActive := s.horizonOffset != 0
	s.mu.RUnlock()
	if offsetActive {
		return fmt.Errorf("cannot sync while declination offset is active")
	}
	if s.IsGoto() && !s.IsGotoCompletedOK() {
		return fmt.Errorf("cannot sync while goto is in progress")
	}
	resp, err := s.CallSync(ctx, "scope_sync", []float64{raHours, decDeg})
	if err != nil {
		return err
	}
	return resp.Err()
}

// GetEquCoord fetches the current pointing directly from the mount. The
// cached coordinates are refreshed by the dispatcher as a side effect.
func (s *Session) GetEquCoord(ctx context.Context) (ra, dec float64, err error) {
	resp, err := s.CallSync(ctx, "scope_get_equ_coord", nil)
	if err != nil {
		return 0, 0, err
	}
	if err := resp.Err(); err != nil {
		return 0, 0, err
	}
	ra, dec = s.Coordinates()
	return ra, dec, nil
}

// GetHorizCoord fetches the current altitude/azimuth pair.
func (s *Session) GetHorizCoord(ctx context.Context) (alt, az float64, err error) {
	resp, err := s.CallSync(ctx, "scope_get_horiz_coord", nil)
	if err != nil {
		return 0, 0, err
	}
	if err := resp.Err(); err != nil {
		return 0, 0, err
	}
	pair, ok := resp.Result.([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("unexpected horiz coord payload: %v", resp.Result)
	}
	alt, okAlt := pair[0].(float64)
	az, okAz := pair[1].(float64)
	if !okAlt || !okAz {
		return 0, 0, fmt.Errorf("unexpected horiz coord payload: %v", resp.Result)
	}
	return alt, az, nil
}

// StartStack begins (or restarts) stacking on the current target with the
// given gain. Gain zero leaves the device's current value alone.
func (s *Session) StartStack(ctx context.Context, gain int, restart bool) error {
	resp, err := s.CallSync(ctx, "iscope_start_stack", map[string]any{"restart": restart})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if gain > 0 {
		if _, err := s.CallSync(ctx, "set_control_value", []any{"gain", gain}); err != nil {
			s.log.Warn("Could not set stacking gain", "gain", gain, "error", err)
		}
	}
	return nil
}

// StopStack ends the stacking stage of the current view.
func (s *Session) StopStack(ctx context.Context) error {
	resp, err := s.CallSync(ctx, "iscope_stop_view", map[string]any{"stage": "Stack"})
	if err != nil {
		return err
	}
	return resp.Err()
}

// SetLPFilter moves the light-pollution filter wheel. The wheel is slow, so
// a short settle follows a successful change.
func (s *Session) SetLPFilter(ctx context.Context, enabled bool) error {
	resp, err := s.CallSync(ctx, "set_setting", map[string]any{"stack_lenhance": enabled})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	s.sleepInterruptible(2 * time.Second)
	return nil
}

// SetSetting forwards an arbitrary set_setting payload.
func (s *Session) SetSetting(ctx context.Context, params any) error {
	resp, err := s.CallSync(ctx, "set_setting", params)
	if err != nil {
		return err
	}
	return resp.Err()
}

// SetTargetName names the capture group for the frames that follow.
func (s *Session) SetTargetName(ctx context.Context, name string) error {
	resp, err := s.CallSync(ctx, "set_sequence_setting", []map[string]any{{"group_name": name}})
	if err != nil {
		return err
	}
	return resp.Err()
}

// TryAutoFocus runs the device autofocus up to tries times, returning true
// on the first success.
func (s *Session) TryAutoFocus(ctx context.Context, tries int) bool {
	for i := 0; i < tries; i++ {
		if i > 0 && !s.sleepInterruptible(5*time.Second) {
			return false
		}
		s.SeedEventState("AutoFocus", "working")
		// The device API spells it this way.
		if _, err := s.CallSync(ctx, "start_auto_focuse", nil); err != nil {
			s.log.Warn("Autofocus request failed", "attempt", i+1, "error", err)
			continue
		}
		if s.WaitEventTerminal(ctx, "AutoFocus", 5*time.Minute) {
			s.log.Info("Autofocus complete", "attempt", i+1)
			return true
		}
		s.log.Warn("Autofocus did not complete", "attempt", i+1)
	}
	return false
}

// TryPolarAlign runs the three-point polar alignment up to tries times.
// Devices without the 3PPA firmware setting get the stacking fallback, which
// produces the same plate-solve progression under the 3PPA event.
func (s *Session) TryPolarAlign(ctx context.Context, tries int, gain int) bool {
	for attempt := 1; attempt <= tries; attempt++ {
		if attempt > 1 && !s.sleepInterruptible(5*time.Second) {
			return false
		}
		s.SeedEventState("3PPA", "working")

		state, err := s.CallSync(ctx, "get_device_state", nil)
		if err != nil || state.Err() != nil {
			s.log.Warn("Could not read device state for polar alignment", "error", err)
			continue
		}
		setting, _ := state.ResultMap()["setting"].(map[string]any)
		native := has(setting, "offset_deg_3ppa")

		var startErr error
		if native {
			_, startErr = s.CallSync(ctx, "start_polar_align", nil)
		} else {
			startErr = s.StartStack(ctx, gain, true)
		}
		if startErr != nil {
			s.log.Warn("Could not start polar alignment", "attempt", attempt, "error", startErr)
			continue
		}

		if s.watchPolarAlign(ctx, native) {
			s.sleepInterruptible(2 * time.Second)
			return true
		}
	}
	return false
}

// watchPolarAlign follows 3PPA progress events. Past 99.9% the device would
// slew back to its origin and discard the alignment, so the routine is
// stopped explicitly at that point and counted as success.
func (s *Session) watchPolarAlign(ctx context.Context, native bool) bool {
	deadline := s.clock.NewTimer(15 * time.Minute)
	defer deadline.Stop()
	for {
		changed := s.eventChanged("3PPA")
		e, ok := s.EventState("3PPA")
		if ok {
			if pct, hasPct := e.Percent(); hasPct && pct > 99.9 {
				if native {
					_, _ = s.CallSync(ctx, "stop_polar_align", nil)
				} else {
					_, _ = s.CallSync(ctx, "iscope_stop_view", map[string]any{"stage": "AutoGoto"})
				}
				return true
			}
			switch e.State() {
			case "fail", "cancel":
				if !native {
					_, _ = s.CallSync(ctx, "iscope_stop_view", map[string]any{"stage": "AutoGoto"})
				}
				return false
			}
		}
		select {
		case <-changed:
		case <-deadline.Chan():
			s.log.Warn("Polar alignment made no progress in time")
			return false
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		}
	}
}

// LastSolveResult fetches the device's most recent plate-solve position.
func (s *Session) LastSolveResult(ctx context.Context) (ra, dec float64, err error) {
	resp, err := s.CallSync(ctx, "get_last_solve_result", nil)
	if err != nil {
		return 0, 0, err
	}
	if err := resp.Err(); err != nil {
		return 0, 0, err
	}
	pair, ok := resp.ResultMap()["ra_dec"].([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("unexpected solve result payload: %v", resp.Result)
	}
	ra, ok1 := pair[0].(float64)
	dec, ok2 := pair[1].(float64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected solve result payload: %v", resp.Result)
	}
	return ra, dec, nil
}

// TryDarkFrame builds the dark-frame library and stops the residual stack
// view afterwards.
func (s *Session) TryDarkFrame(ctx context.Context) bool {
	s.SeedEventState("DarkLibrary", "working")
	if _, err := s.CallSync(ctx, "start_create_dark", nil); err != nil {
		s.log.Warn("Dark library request failed", "error", err)
		return false
	}
	ok := s.WaitEventTerminal(ctx, "DarkLibrary", 10*time.Minute)
	if _, err := s.CallSync(ctx, "iscope_stop_view", map[string]any{"stage": "Stack"}); err != nil {
		s.log.Debug("Could not stop view after dark library", "error", err)
	}
	return ok
}

// MoveScope drives the mount at a fixed speed and angle for the given
// duration. Angle 0 is toward increasing azimuth; 90 toward increasing
// altitude.
func (s *Session) MoveScope(ctx context.Context, angleDeg int, speed int, durationSec int) error {
	resp, err := s.CallSync(ctx, "scope_speed_move", map[string]any{
		"speed":   speed,
		"angle":   angleDeg,
		"dur_sec": durationSec,
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

// PlaySound triggers one of the device's audio cues. Fire and forget.
func (s *Session) PlaySound(_ context.Context, num int) {
	if _, err := s.CallAsync("play_sound", map[string]any{"num": num}); err != nil {
		s.log.Debug("Could not play sound", "num", num, "error", err)
	}
}

// SetDewHeater sets the dew heater output. Zero turns it off.
func (s *Session) SetDewHeater(ctx context.Context, power int) error {
	resp, err := s.CallSync(ctx, "pi_output_set2", map[string]any{
		"heater": map[string]any{"state": power > 0, "value": power},
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

// GetLastImage returns the album path and filename of the most recently
// saved image, derived from the device's album listing.
func (s *Session) GetLastImage(ctx context.Context) (map[string]any, error) {
	resp, err := s.CallSync(ctx, "get_albums", nil)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	result := resp.ResultMap()
	path, _ := result["path"].(string)
	groups, _ := result["list"].([]any)
	if len(groups) == 0 {
		return nil, fmt.Errorf("no albums on device")
	}
	group, _ := groups[0].(map[string]any)
	files, _ := group["files"].([]any)
	if len(files) == 0 {
		return nil, fmt.Errorf("album has no files")
	}
	last, _ := files[len(files)-1].(map[string]any)
	name, _ := last["name"].(string)
	return map[string]any{
		"album_path": path,
		"filename":   name,
		"thumbnail":  last["thn"],
	}, nil
}

// AdjustMagDeclination rotates the compass calibration matrix by the local
// magnetic declination (when requested) plus a caller-supplied fudge angle.
func (s *Session) AdjustMagDeclination(ctx context.Context, adjustMagDec bool, fudgeDeg float64) (map[string]any, error) {
	lat, lon := s.SiteLocation()
	total := fudgeDeg
	declination := 0.0
	if adjustMagDec {
		declination = astro.GeomagDeclination(lat, lon)
		total += declination
	}

	resp, err := s.CallSync(ctx, "get_sensor_calibration", nil)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	compass, ok := resp.ResultMap()["compassSensor"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("calibration payload has no compassSensor")
	}
	x11, ok1 := compass["x11"].(float64)
	x12, ok2 := compass["x12"].(float64)
	y11, ok3 := compass["y11"].(float64)
	y12, ok4 := compass["y12"].(float64)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("calibration payload is incomplete: %v", compass)
	}

	rx11, rx12, ry11, ry12 := astro.RotateMatrix2x2(x11, x12, y11, y12, total)
	setResp, err := s.CallSync(ctx, "set_sensor_calibration", map[string]any{
		"compassSensor": map[string]any{
			"x11": rx11, "x12": rx12, "y11": ry11, "y12": ry12,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := setResp.Err(); err != nil {
		return nil, err
	}
	s.log.Info("Compass calibration rotated",
		"declination", declination, "fudge", fudgeDeg, "total", total)
	return map[string]any{
		"declination":   declination,
		"fudge_angle":   fudgeDeg,
		"total_angle":   total,
		"compassSensor": map[string]any{"x11": rx11, "x12": rx12, "y11": ry11, "y12": ry12},
	}, nil
}

// RawCommand forwards an arbitrary device method, preserving the device's
// reply envelope for the caller.
func (s *Session) RawCommand(ctx context.Context, method string, params any) (*protocol.Response, error) {
	return s.CallSync(ctx, method, params)
}

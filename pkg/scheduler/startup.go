package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openastro/starbridge/pkg/device"
)

// Arm-aim move parameters: repeated fixed-speed nudges until the scope
// points within tolerance of the requested horizontal position.
const (
	aimMoveSpeed       = 1000
	aimMoveDurationSec = 10
	aimToleranceDeg    = 5.0
	aimMaxLatitudeDeg  = 80.0
)

// StartStartup creates a single-item container schedule around the startup
// sequence and runs it, so progress reporting and stop handling work the
// same way as any other plan.
func (sc *Scheduler) StartStartup(params map[string]any) (int, error) {
	sc.mu.Lock()
	if sc.schedule.State != StateStopped && sc.schedule.State != StateComplete {
		sc.mu.Unlock()
		return CodeBusy, fmt.Errorf("device is busy, try later")
	}
	sc.mu.Unlock()
	if _, err := sc.Create(""); err != nil {
		return CodeBusy, err
	}
	if _, err := sc.Add(ActionStartUp, params); err != nil {
		return CodeBusy, err
	}
	return sc.Start("")
}

// runStartup initializes the device for a night's work: clock, location,
// capture settings, park, arm aim, and the optional focus / polar-align /
// dark-frame calibrations.
func (sc *Scheduler) runStartup(ctx context.Context, p StartupParams) error {
	sc.log.Info("Startup sequence begins")
	sc.publishState("set configurations", nil)

	if _, err := sc.session.CallSync(ctx, "pi_is_verified", nil); err != nil {
		sc.log.Debug("pi_is_verified failed", "error", err)
	}
	if err := sc.setDeviceTime(ctx); err != nil {
		sc.log.Warn("Could not set device time", "error", err)
	}
	if err := sc.setDeviceLocation(ctx, p.Lat, p.Lon); err != nil {
		sc.log.Warn("Could not set device location", "error", err)
	}
	if err := sc.session.SetSetting(ctx, map[string]any{"lang": "en"}); err != nil {
		sc.log.Debug("Could not set device language", "error", err)
	}
	sc.applyImagingDefaults(ctx)

	// Park for a known reference orientation before aiming the arm.
	sc.publishState("park scope for a reference start point", nil)
	sc.session.SeedEventState("ScopeHome", "working")
	resp, err := sc.session.CallSync(ctx, "scope_park", nil)
	if err != nil || resp.Err() != nil {
		return fmt.Errorf("failed to park scope: %w", errOrResp(err, resp.Err()))
	}
	if !sc.session.WaitEventTerminal(ctx, "ScopeHome", 2*time.Minute) {
		sc.log.Warn("Scope park did not confirm, continuing anyway")
	}

	if err := sc.aimArm(ctx); err != nil {
		sc.log.Warn("Arm aim incomplete", "error", err)
	}
	if sc.stopping() {
		return nil
	}

	if p.AutoFocus {
		sc.publishState("auto focus", nil)
		if !sc.session.TryAutoFocus(ctx, 2) {
			return fmt.Errorf("startup autofocus failed")
		}
	}
	if sc.stopping() {
		return nil
	}

	if p.PolarAlign {
		sc.publishState("3 point polar alignment", nil)
		if !sc.session.TryPolarAlign(ctx, 1, sc.imaging.Gain) {
			return fmt.Errorf("startup polar alignment failed")
		}
	}
	if sc.stopping() {
		return nil
	}

	if p.DarkFrames {
		sc.publishState("dark frame measurement", nil)
		if !sc.session.TryDarkFrame(ctx) {
			return fmt.Errorf("startup dark frame measurement failed")
		}
	}
	if sc.stopping() {
		return nil
	}

	if p.PolarAlign {
		// A short confirmation goto seeds the sky model near the last solve.
		sc.publishState("confirmation goto to seed the sky model", nil)
		if err := sc.confirmationGoto(ctx); err != nil {
			sc.log.Warn("Confirmation goto failed", "error", err)
		}
	}

	sc.log.Info("Startup sequence complete")
	sc.publishState("complete", nil)
	return nil
}

// setDeviceTime pushes the local wall clock and timezone to the device.
func (sc *Scheduler) setDeviceTime(ctx context.Context) error {
	now := sc.clock.Now().Local()
	zone, _ := now.Zone()
	resp, err := sc.session.CallSync(ctx, "pi_set_time", []map[string]any{{
		"year":      now.Year(),
		"mon":       int(now.Month()),
		"day":       now.Day(),
		"hour":      now.Hour(),
		"min":       now.Minute(),
		"sec":       now.Second(),
		"time_zone": zone,
	}})
	if err != nil {
		return err
	}
	return resp.Err()
}

// setDeviceLocation resolves the observing site (explicit params, configured
// site, then IP geolocation) and pushes it to the device.
func (sc *Scheduler) setDeviceLocation(ctx context.Context, lat, lon float64) error {
	if lat <= 0 && lon <= 0 {
		lat, lon = sc.site.Latitude, sc.site.Longitude
		if lat <= 0 && lon <= 0 && sc.locator != nil {
			gLat, gLon, err := sc.locator.CurrentLocation(ctx)
			if err != nil {
				sc.log.Warn("Geolocation lookup failed", "error", err)
			} else {
				sc.log.Info("Resolved site location by IP", "lat", gLat, "lon", gLon)
				lat, lon = gLat, gLon
			}
		}
	}
	sc.session.SetSiteLocation(lat, lon)
	sc.publishState(fmt.Sprintf("setting location to %.4f, %.4f", lat, lon), nil)
	resp, err := sc.session.CallSync(ctx, "set_user_location", map[string]any{
		"lat": lat, "lon": lon, "force": true,
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

// applyImagingDefaults pushes the configured exposure, dither, filter,
// heater, and frame-saving settings.
func (sc *Scheduler) applyImagingDefaults(ctx context.Context) {
	img := sc.imaging
	if err := sc.session.SetSetting(ctx, map[string]any{
		"exp_ms": map[string]any{
			"stack_l":    img.ExpoStackMs,
			"continuous": img.ExpoPreviewMs,
		},
		"stack_dither": map[string]any{
			"pix":      img.DitherPixels,
			"interval": img.DitherInterval,
			"enable":   img.DitherEnabled,
		},
		"stack_lenhance": img.ActivateLPFilter,
	}); err != nil {
		sc.log.Warn("Could not apply imaging settings", "error", err)
	}
	if err := sc.session.SetDewHeater(ctx, img.DewHeaterPower); err != nil {
		sc.log.Warn("Could not set dew heater", "error", err)
	}
	if _, err := sc.session.CallSync(ctx, "set_stack_setting", map[string]any{
		"save_discrete_ok_frame": img.SaveGoodFrames,
		"save_discrete_frame":    img.SaveAllFrames,
	}); err != nil {
		sc.log.Warn("Could not apply frame saving settings", "error", err)
	}
}

// aimArm nudges the scope toward the configured clear patch of sky, first in
// altitude then in azimuth, using repeated fixed-speed moves until each axis
// is within tolerance.
func (sc *Scheduler) aimArm(ctx context.Context) error {
	lat, lon := sc.aimLat, sc.aimLon
	if lon < 0 {
		lon += 360
	}
	if lat > aimMaxLatitudeDeg {
		sc.log.Warn("Aim latitude capped", "requested", lat, "max", aimMaxLatitudeDeg)
		lat = aimMaxLatitudeDeg
	}

	alt, az, err := sc.session.GetHorizCoord(ctx)
	if err != nil {
		return err
	}
	sc.publishState(fmt.Sprintf("aiming scope from %.1f, %.1f to %.1f, %.1f", alt, az, lat, lon), nil)

	for !sc.stopping() {
		delta := lat - alt
		if math.Abs(delta) < aimToleranceDeg {
			break
		}
		direction := 90
		if delta < 0 {
			direction = -90
		}
		if err := sc.session.MoveScope(ctx, direction, aimMoveSpeed, aimMoveDurationSec); err != nil {
			return err
		}
		if alt, az, err = sc.session.GetHorizCoord(ctx); err != nil {
			return err
		}
	}
	if err := sc.session.MoveScope(ctx, 0, 0, 0); err != nil {
		sc.log.Debug("Stop move failed", "error", err)
	}

	for !sc.stopping() {
		delta := lon - az
		if math.Abs(delta) < aimToleranceDeg {
			break
		}
		direction := 0
		if delta <= 0 && delta >= -180 {
			direction = 180
		}
		if err := sc.session.MoveScope(ctx, direction, aimMoveSpeed, aimMoveDurationSec); err != nil {
			return err
		}
		if alt, az, err = sc.session.GetHorizCoord(ctx); err != nil {
			return err
		}
	}
	if err := sc.session.MoveScope(ctx, 0, 0, 0); err != nil {
		sc.log.Debug("Stop move failed", "error", err)
	}

	sc.log.Info("Arm aim finished", "alt", alt, "az", az)
	return nil
}

// confirmationGoto slews a small RA step away from the last plate solve to
// exercise the freshly aligned sky model.
func (sc *Scheduler) confirmationGoto(ctx context.Context) error {
	ra, dec, err := sc.session.LastSolveResult(ctx)
	if err != nil {
		return err
	}
	if err := sc.session.GotoTarget(ctx, device.GotoRequest{RA: ra + 0.1, Dec: dec}); err != nil {
		return err
	}
	if !sc.session.WaitEventTerminal(ctx, "goto_target", 5*time.Minute) {
		return fmt.Errorf("confirmation goto did not complete")
	}
	return nil
}

func errOrResp(sendErr, respErr error) error {
	if sendErr != nil {
		return sendErr
	}
	return respErr
}

package device

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openastro/starbridge/pkg/astro"
)

// Declination ceiling for applying an offset without first moving the mount
// to a safe position; beyond it the offset slew risks crossing the pole.
const offsetDecCeiling = 70.0

// Auto-center loop bounds.
const (
	autoCenterMaxSolveFails = 5
	autoCenterMaxAttempts   = 7
	autoCenterToleranceSq   = 1e-3
)

// GotoRequest describes one goto_target operation. RA accepts float hours or
// a sexagesimal string; Dec float degrees or a sexagesimal string.
type GotoRequest struct {
	TargetName string
	RA         any
	Dec        any
	IsJ2000    bool
}

// GotoTarget starts a slew to the requested target and returns once the
// motion is initiated. In equatorial mode, targets below the safe
// declination trigger the below-horizon workaround: a declination offset is
// synced into the mount model, the slew happens in the offset frame, and a
// plate-solve loop refines the pointing afterwards. Callers observe
// completion through WaitEventTerminal("goto_target").
func (s *Session) GotoTarget(ctx context.Context, req GotoRequest) error {
	ra, dec, err := astro.ParseCoordinate(req.IsJ2000, req.RA, req.Dec)
	if err != nil {
		return fmt.Errorf("invalid goto coordinates: %w", err)
	}
	s.log.Info("Goto target", "name", req.TargetName, "ra", ra, "dec", dec)

	if !s.eqMode {
		return s.startStandardGoto(ctx, req.TargetName, ra, dec)
	}

	lat := s.SiteLatitude()
	if dec < -lat {
		return fmt.Errorf("target declination %.2f never rises above the horizon at latitude %.2f", dec, lat)
	}

	// A previous below-horizon goto may have left an offset behind; clear it
	// before a normal target, or grow it for a deeper one.
	if s.HorizonOffset() > 0 && dec > safeDecDegrees {
		if err := s.resetBelowHorizonOffset(ctx); err != nil {
			return fmt.Errorf("failed to clear declination offset: %w", err)
		}
	}
	if required := -dec + safeDecDegrees; required > s.HorizonOffset() {
		if err := s.setBelowHorizonOffset(ctx, required, dec); err != nil {
			return fmt.Errorf("failed to apply declination offset: %w", err)
		}
	}

	if s.HorizonOffset() > 0 {
		return s.startBelowHorizonGoto(ctx, req.TargetName, ra, dec)
	}
	return s.startStandardGoto(ctx, req.TargetName, ra, dec)
}

// startStandardGoto delegates slewing and centering to the device's own
// auto-goto, which plate-solves on arrival by itself.
func (s *Session) startStandardGoto(ctx context.Context, name string, ra, dec float64) error {
	s.markGotoStart(false)
	resp, err := s.CallSync(ctx, "iscope_start_view", map[string]any{
		"mode":          "star",
		"target_ra_dec": []float64{ra, dec},
		"target_name":   name,
		"lp_filter":     false,
	})
	if err != nil {
		return err
	}
	return resp.Err()
}

// startBelowHorizonGoto slews in the offset frame and then runs the
// auto-center loop in the background, since the device's own centering would
// solve against the true sky and fight the offset.
func (s *Session) startBelowHorizonGoto(ctx context.Context, name string, ra, dec float64) error {
	s.markGotoStart(true)

	if err := s.SlewTo(ctx, ra, dec); err != nil {
		s.setCustomGotoState(customGotoFail)
		return err
	}
	if err := s.SetTargetName(ctx, name); err != nil {
		s.log.Warn("Could not set target name", "name", name, "error", err)
	}

	go s.autoCenter(context.Background(), ra, dec)
	return nil
}

// markGotoStart records which goto flavor is running and seeds its progress
// state so waiters see a fresh operation.
func (s *Session) markGotoStart(belowHorizon bool) {
	s.mu.Lock()
	s.belowHorizonGoto = belowHorizon
	s.mu.Unlock()
	if belowHorizon {
		s.setCustomGotoState(customGotoStart)
	} else {
		s.SeedEventState("AutoGoto", "start")
	}
}

func (s *Session) setCustomGotoState(state string) {
	s.mu.Lock()
	s.customGotoState = state
	s.mu.Unlock()
	// Mirror into the event-state map so waiters get woken like any event.
	s.setEventState("goto_target", map[string]any{"Event": "goto_target", "state": state})
}

// CustomGotoState returns the auto-center lifecycle state.
func (s *Session) CustomGotoState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.customGotoState
}

// IsGoto reports whether a goto (of either flavor) is still running.
func (s *Session) IsGoto() bool {
	s.mu.RLock()
	below := s.belowHorizonGoto
	state := s.customGotoState
	s.mu.RUnlock()
	if below {
		return state == customGotoStart || state == customGotoWorking || state == customGotoStopping
	}
	e, ok := s.EventState("AutoGoto")
	if !ok {
		return false
	}
	st := e.State()
	return st == "start" || st == "working"
}

// IsGotoCompletedOK reports whether the last goto finished on target.
func (s *Session) IsGotoCompletedOK() bool {
	s.mu.RLock()
	below := s.belowHorizonGoto
	state := s.customGotoState
	s.mu.RUnlock()
	if below {
		return state == customGotoComplete
	}
	e, ok := s.EventState("AutoGoto")
	return ok && e.State() == "complete"
}

// StopGoto aborts the running goto. The standard flavor is stopped on the
// device; the below-horizon flavor is asked to stop at its next checkpoint.
func (s *Session) StopGoto(ctx context.Context) error {
	s.mu.RLock()
	below := s.belowHorizonGoto
	s.mu.RUnlock()
	if below {
		if s.IsGoto() {
			s.setCustomGotoState(customGotoStopping)
		}
		return nil
	}
	resp, err := s.CallSync(ctx, "iscope_stop_view", map[string]any{"stage": "AutoGoto"})
	if err != nil {
		return err
	}
	return resp.Err()
}

// waitGotoDone blocks until the composite goto operation reaches a terminal
// state, returning true only when it centered successfully.
func (s *Session) waitGotoDone(ctx context.Context, timeout time.Duration) bool {
	deadline := s.clock.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.RLock()
		below := s.belowHorizonGoto
		s.mu.RUnlock()
		watched := "AutoGoto"
		if below {
			watched = "goto_target"
		}
		changed := s.eventChanged(watched)
		if !s.IsGoto() {
			return s.IsGotoCompletedOK()
		}
		select {
		case <-changed:
		case <-deadline.Chan():
			s.log.Warn("Timed out waiting for goto to finish")
			return false
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		}
	}
}

// SlewTo slews the mount to a true-sky position and waits for the motion to
// finish. The declination goes out shifted up by the active below-horizon
// offset, so callers never deal in the device frame.
func (s *Session) SlewTo(ctx context.Context, raHours, decDeg float64) error {
	if err := s.slewDeviceFrame(ctx, raHours, decDeg+s.HorizonOffset()); err != nil {
		return err
	}
	if !s.waitGotoDeviceSlew(ctx) {
		return fmt.Errorf("slew did not complete")
	}
	return nil
}

// slewDeviceFrame sends a raw mount slew with coordinates expressed in the
// device's (possibly offset) frame.
func (s *Session) slewDeviceFrame(ctx context.Context, ra, dec float64) error {
	s.SeedEventState("ScopeGoto", "working")
	resp, err := s.CallSync(ctx, "scope_goto", []float64{ra, dec})
	if err != nil {
		return err
	}
	return resp.Err()
}

// waitGotoDeviceSlew waits for the raw mount slew (ScopeGoto) to finish.
func (s *Session) waitGotoDeviceSlew(ctx context.Context) bool {
	return s.WaitEventTerminal(ctx, "ScopeGoto", 2*time.Minute)
}

// syncDeviceFrame sends a raw mount sync in the device frame, bypassing the
// offset guard that protects external SyncTo callers.
func (s *Session) syncDeviceFrame(ctx context.Context, ra, dec float64) error {
	resp, err := s.CallSync(ctx, "scope_sync", []float64{ra, dec})
	if err != nil {
		return err
	}
	return resp.Err()
}

// setBelowHorizonOffset applies a declination offset to the mount model, or
// grows an active one when a deeper target needs more bias. Targets whose
// offset sync would push the model near the pole first get moved down to the
// safe declination.
func (s *Session) setBelowHorizonOffset(ctx context.Context, offset, targetDec float64) error {
	if offset <= 0 {
		return fmt.Errorf("declination offset must be positive, got %.2f", offset)
	}
	lat := s.SiteLatitude()
	s.mu.RLock()
	current := s.horizonOffset
	ra, dec := s.ra, s.dec
	s.mu.RUnlock()
	if current == 0 && offset > 90-lat {
		return fmt.Errorf("declination offset %.2f exceeds the limit %.2f for latitude %.2f", offset, 90-lat, lat)
	}

	// The model cannot be faked too close to the pole; bring the mount down
	// to a clean state first and recompute the offset from there.
	if dec+offset > offsetDecCeiling {
		if current > 0 {
			if err := s.resetBelowHorizonOffset(ctx); err != nil {
				return err
			}
		} else if err := s.moveToSafeDec(ctx); err != nil {
			return err
		}
		offset = -targetDec + safeDecDegrees
		s.mu.RLock()
		ra, dec = s.ra, s.dec
		s.mu.RUnlock()
	}

	s.mu.Lock()
	s.horizonOffset = offset
	s.mu.Unlock()
	if err := s.syncDeviceFrame(ctx, ra, dec+offset); err != nil {
		// Sync failed: the mount model was not shifted, so forget the offset.
		s.mu.Lock()
		s.horizonOffset = 0
		s.mu.Unlock()
		return err
	}
	s.log.Info("Applied below-horizon declination offset", "offset", offset)
	return nil
}

// ResetHorizonOffset clears the below-horizon declination offset, slewing
// back to the safe declination first when one is active.
func (s *Session) ResetHorizonOffset(ctx context.Context) error {
	return s.resetBelowHorizonOffset(ctx)
}

// resetBelowHorizonOffset moves the mount back above the horizon and clears
// the offset from the model. Clearing an already-zero offset is a no-op.
func (s *Session) resetBelowHorizonOffset(ctx context.Context) error {
	s.mu.RLock()
	offset := s.horizonOffset
	s.mu.RUnlock()
	if offset == 0 {
		return nil
	}

	if err := s.moveToSafeDec(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	ra := s.ra
	s.horizonOffset = 0
	s.mu.Unlock()
	if err := s.syncDeviceFrame(ctx, ra, safeDecDegrees); err != nil {
		return err
	}
	// Let the mount settle before the next motion.
	s.sleepInterruptible(2 * time.Second)
	s.log.Info("Cleared below-horizon declination offset")
	return nil
}

// moveToSafeDec slews to the safe declination at the current RA. Any active
// offset still applies, so the motion lands at the true safe declination.
func (s *Session) moveToSafeDec(ctx context.Context) error {
	s.mu.RLock()
	ra := s.ra
	s.mu.RUnlock()
	return s.SlewTo(ctx, ra, safeDecDegrees)
}

// autoCenter iteratively plate-solves and re-slews until the pointing error
// is within tolerance. It is the completion authority for a below-horizon
// goto: the goto_target state goes terminal only here.
func (s *Session) autoCenter(ctx context.Context, targetRA, targetDec float64) {
	s.setCustomGotoState(customGotoWorking)
	s.log.Info("Auto-center started", "ra", targetRA, "dec", targetDec)

	solveFails := 0
	attempts := 0
	for {
		if s.CustomGotoState() == customGotoStopping {
			s.setCustomGotoState(customGotoStopped)
			return
		}
		if !s.watching.Load() {
			s.setCustomGotoState(customGotoFail)
			return
		}

		solvedRA, solvedDec, ok := s.solveCurrentPosition(ctx)
		if !ok {
			s.setCustomGotoState(customGotoFail)
			return
		}
		if solvedRA == 0 && solvedDec == 0 {
			solveFails++
			s.log.Warn("Plate solve failed", "failures", solveFails)
			if solveFails > autoCenterMaxSolveFails {
				s.setCustomGotoState(customGotoFail)
				return
			}
			continue
		}
		solveFails = 0

		// The solver reports the true sky regardless of the offset bias.
		distSq := (solvedRA-targetRA)*(solvedRA-targetRA) + (solvedDec-targetDec)*(solvedDec-targetDec)
		if distSq < autoCenterToleranceSq {
			s.log.Info("Auto-center complete", "attempts", attempts, "distance_sq", distSq)
			s.setCustomGotoState(customGotoComplete)
			return
		}

		attempts++
		if attempts > autoCenterMaxAttempts {
			s.log.Warn("Auto-center gave up", "attempts", attempts)
			s.setCustomGotoState(customGotoFail)
			return
		}

		// Teach the mount where it really is, then slew again. The sync goes
		// out in the device frame, so the solved position gets the bias back.
		if err := s.syncDeviceFrame(ctx, solvedRA, solvedDec+s.HorizonOffset()); err != nil {
			s.log.Warn("Sync of solved position failed", "error", err)
			s.setCustomGotoState(customGotoFail)
			return
		}
		if err := s.SlewTo(ctx, targetRA, targetDec); err != nil {
			s.setCustomGotoState(customGotoFail)
			return
		}
	}
}

// solveCurrentPosition clears the last solve, kicks off a plate solve, and
// waits for the dispatcher to record a result. A failed solve is reported as
// (0, 0, true); false means the request or wait itself failed.
func (s *Session) solveCurrentPosition(ctx context.Context) (ra, dec float64, ok bool) {
	s.mu.Lock()
	s.curSolveRA, s.curSolveDec = solveSentinel, solveSentinel
	s.mu.Unlock()

	if _, err := s.CallAsync("start_solve", nil); err != nil {
		s.log.Warn("Could not start plate solve", "error", err)
		return 0, 0, false
	}

	deadline := s.clock.NewTimer(time.Minute)
	defer deadline.Stop()
	for {
		changed := s.eventChanged("PlateSolve")
		s.mu.RLock()
		ra, dec = s.curSolveRA, s.curSolveDec
		s.mu.RUnlock()
		if ra != solveSentinel && !math.IsNaN(ra) {
			return ra, dec, true
		}
		select {
		case <-changed:
		case <-deadline.Chan():
			s.log.Warn("Plate solve produced no result in time")
			return 0, 0, false
		case <-ctx.Done():
			return 0, 0, false
		case <-s.stopCh:
			return 0, 0, false
		}
	}
}

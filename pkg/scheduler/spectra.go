package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openastro/starbridge/pkg/astro"
)

// Declination offsets (degrees) of the spectral segments relative to the
// reference star, and whether the LP filter is in for each segment. The
// grating smears the spectrum along declination, so each segment is a fixed
// motor move rather than a plate-solved goto.
var (
	spectraSpacingDeg = []float64{5.3, 6.2, 6.5, 7.1, 8.0, 8.9, 9.2, 9.8}
	spectraUseLP      = []bool{false, false, true, false, false, false, true, false}
)

// spectraStarTimeSec is spent on the reference star before the segments.
const spectraStarTimeSec = 60

// runSpectra captures a reference star followed by its spectral segments.
// Plate solving cannot find stars in a smeared spectrum, so all movement
// after the initial slew is dead reckoning.
func (sc *Scheduler) runSpectra(ctx context.Context, item *Item, p SpectraParams) error {
	segments := len(spectraSpacingDeg)
	segmentTimeSec := int(math.Round(float64(p.SessionTimeSec-spectraStarTimeSec) / float64(segments)))
	if segmentTimeSec <= 0 {
		return fmt.Errorf("session_time_sec %d leaves no time for spectra segments", p.SessionTimeSec)
	}

	sc.publishItemProgress(item, "slew to target", map[string]any{
		"target_name":           p.TargetName,
		"item_total_time_s":     p.SessionTimeSec,
		"item_remaining_time_s": p.SessionTimeSec,
	})

	var centerRA, centerDec float64
	if ra, ok := p.RA.(float64); ok && ra < 0 {
		centerRA, centerDec = sc.session.Coordinates()
	} else {
		var err error
		centerRA, centerDec, err = astro.ParseCoordinate(p.IsJ2000, p.RA, p.Dec)
		if err != nil {
			return fmt.Errorf("invalid spectra coordinates: %w", err)
		}
		if err := sc.slewDirect(ctx, centerRA, centerDec); err != nil {
			return err
		}
	}

	if sc.stopping() {
		return nil
	}

	// Reference star exposure.
	if err := sc.session.SetTargetName(ctx, p.TargetName+"_star"); err != nil {
		sc.log.Debug("Could not set star target name", "error", err)
	}
	if err := sc.session.StartStack(ctx, p.Gain, true); err != nil {
		return fmt.Errorf("could not start reference star stack: %w", err)
	}
	sc.publishItemProgress(item, "stack reference star for 60 seconds", map[string]any{
		"target_name": p.TargetName,
	})
	remaining := p.SessionTimeSec
	if !sc.stackCountdown(ctx, item, p.TargetName, spectraStarTimeSec, &remaining) {
		return nil
	}
	if err := sc.session.StopStack(ctx); err != nil {
		sc.log.Debug("Stop stack failed", "error", err)
	}

	// Spectral segments.
	for i := 0; i < segments; i++ {
		if sc.stopping() {
			return nil
		}
		segDec := centerDec + spectraSpacingDeg[i]
		if err := sc.session.SetSetting(ctx, map[string]any{"stack_lenhance": spectraUseLP[i]}); err != nil {
			sc.log.Debug("Could not apply segment filter setting", "segment", i+1, "error", err)
		}
		if err := sc.slewDirect(ctx, centerRA, segDec); err != nil {
			sc.log.Warn("Segment slew failed", "segment", i+1, "error", err)
			continue
		}
		name := fmt.Sprintf("%s_spec_%d", p.TargetName, i+1)
		if err := sc.session.SetTargetName(ctx, name); err != nil {
			sc.log.Debug("Could not set segment target name", "error", err)
		}
		if err := sc.session.StartStack(ctx, p.Gain, true); err != nil {
			return fmt.Errorf("could not start segment stack: %w", err)
		}
		sc.publishItemProgress(item, fmt.Sprintf("stack spectra segment %d", i+1), map[string]any{
			"target_name": p.TargetName,
		})
		if !sc.stackCountdown(ctx, item, p.TargetName, segmentTimeSec, &remaining) {
			return nil
		}
		if err := sc.session.StopStack(ctx); err != nil {
			sc.log.Debug("Stop stack failed", "error", err)
		}
	}

	sc.log.Info("Spectra capture finished", "target", p.TargetName)
	sc.publishItemProgress(item, "complete", map[string]any{
		"target_name":           p.TargetName,
		"item_remaining_time_s": 0,
	})
	return nil
}

// slewDirect moves the mount without the goto decision tree or plate solving.
// It still goes through the session so an active declination offset is
// applied to the outgoing coordinates.
func (sc *Scheduler) slewDirect(ctx context.Context, ra, dec float64) error {
	return sc.session.SlewTo(ctx, ra, dec)
}

// stackCountdown waits out one exposure in 10 second steps, stopping the
// stack early on a plan stop. Returns false when the plan was stopped.
func (sc *Scheduler) stackCountdown(ctx context.Context, item *Item, target string, seconds int, remaining *int) bool {
	for elapsed := 0; elapsed < seconds; elapsed += 10 {
		if sc.stopping() {
			if err := sc.session.StopStack(ctx); err != nil {
				sc.log.Debug("Stop stack failed", "error", err)
			}
			return false
		}
		sc.sleepStep(10 * time.Second)
		*remaining -= 10
		sc.publishItemProgress(item, "stacking", map[string]any{
			"target_name":           target,
			"item_remaining_time_s": *remaining,
		})
	}
	return true
}

package scheduler

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/openastro/starbridge/pkg/astro"
	"github.com/openastro/starbridge/pkg/device"
)

const defaultRetryWaitSec = 300

// runMosaic captures an RA×Dec grid of panels centered on the target. Panel
// spacing is derived from the field of view and overlap, recomputed per
// declination row since RA spacing widens away from the celestial equator.
func (sc *Scheduler) runMosaic(ctx context.Context, item *Item, p MosaicParams) error {
	if p.RANum < 1 || p.DecNum < 1 {
		sc.log.Warn("Mosaic grid is invalid, skipping item", "ra_num", p.RANum, "dec_num", p.DecNum)
		return nil
	}
	if p.NumTries < 1 {
		p.NumTries = 1
	}
	if p.RetryWaitSec <= 0 {
		p.RetryWaitSec = defaultRetryWaitSec
	}

	// RA of -1 means "image wherever the scope is pointing".
	if ra, ok := p.RA.(float64); ok && ra == -1 {
		curRA, curDec := sc.session.Coordinates()
		p.RA, p.Dec, p.IsJ2000 = curRA, curDec, false
	}
	centerRA, centerDec, err := astro.ParseCoordinate(p.IsJ2000, p.RA, p.Dec)
	if err != nil {
		return fmt.Errorf("invalid mosaic coordinates: %w", err)
	}

	deltaRA, deltaDec := astro.NextCenterSpacing(centerRA, centerDec, p.PanelOverlapPercent)

	selected := map[string]bool{}
	numPanels := p.RANum * p.DecNum
	if p.SelectedPanels != "" {
		for _, code := range strings.Split(p.SelectedPanels, ";") {
			selected[code] = true
		}
		numPanels = len(selected)
	}

	// Center an even grid between its two middle panels.
	if p.RANum%2 == 0 {
		centerRA += deltaRA / 2
	}
	if p.DecNum%2 == 0 {
		centerDec += deltaDec / 2
	}

	panelTimeSec := int(math.Round(float64(p.SessionTimeSec) / float64(p.RANum) / float64(p.DecNum)))
	remainingSec := panelTimeSec * numPanels

	sc.log.Info("Mosaic started",
		"target", p.TargetName, "ra", centerRA, "dec", centerDec,
		"grid", fmt.Sprintf("%dx%d", p.RANum, p.DecNum),
		"panel_time_s", panelTimeSec, "panels", numPanels)
	sc.publishItemProgress(item, "start", map[string]any{
		"target_name":           p.TargetName,
		"item_total_time_s":     remainingSec,
		"item_remaining_time_s": remainingSec,
	})

	curDec := centerDec - float64(p.DecNum/2)*deltaDec
	for iDec := 0; iDec < p.DecNum; iDec++ {
		deltaRA, _ = astro.NextCenterSpacing(centerRA, curDec, p.PanelOverlapPercent)
		curRA := centerRA - float64(p.RANum/2)*deltaRA
		for iRA := 0; iRA < p.RANum; iRA++ {
			if sc.stopping() {
				sc.log.Info("Mosaic stopped on request")
				return nil
			}

			code := strconv.Itoa(iRA+1) + strconv.Itoa(iDec+1)
			if len(selected) > 0 && !selected[code] {
				curRA += deltaRA
				continue
			}

			saveName := p.TargetName
			if p.RANum != 1 || p.DecNum != 1 {
				saveName = p.TargetName + "_" + code
			}
			sc.log.Info("Mosaic panel", "panel", code, "name", saveName, "ra", curRA, "dec", curDec)
			sc.publishItemProgress(item, fmt.Sprintf("slewing to panel %s", code), map[string]any{
				"target_name":           p.TargetName,
				"cur_ra_panel_num":      iRA + 1,
				"cur_dec_panel_num":     iDec + 1,
				"item_remaining_time_s": remainingSec,
			})

			// Filter stays out during goto so plate solving sees stars.
			if err := sc.session.SetSetting(ctx, map[string]any{"stack_lenhance": false}); err != nil {
				sc.log.Debug("Could not clear filter before panel goto", "error", err)
			}

			centered := false
			for try := 1; try <= p.NumTries; try++ {
				if sc.stopping() {
					return nil
				}
				if sc.gotoPanel(ctx, saveName, curRA, curDec, p.UseLPFilter, p.UseAutoFocus) {
					centered = true
					break
				}
				sc.log.Warn("Panel goto failed", "panel", code, "attempt", try)
				if try < p.NumTries {
					sc.sleepStep(time.Duration(p.RetryWaitSec) * time.Second)
				}
			}
			if !centered {
				sc.log.Warn("Stacking panel without confirmed centering", "panel", code)
			}

			sc.publishItemProgress(item, fmt.Sprintf("stacking panel %s for %d seconds", code, panelTimeSec), map[string]any{
				"target_name":            p.TargetName,
				"cur_ra_panel_num":       iRA + 1,
				"cur_dec_panel_num":      iDec + 1,
				"panel_remaining_time_s": panelTimeSec,
				"item_remaining_time_s":  remainingSec,
			})
			if err := sc.session.StartStack(ctx, p.Gain, true); err != nil {
				sc.log.Error("Could not start stacking, abandoning mosaic", "panel", code, "error", err)
				return nil
			}

			panelRemaining := panelTimeSec
			steps := int(math.Round(float64(panelTimeSec) / 5.0))
			for i := 0; i < steps; i++ {
				if sc.stopping() {
					sc.log.Info("Mosaic stopped while stacking, stopping stack")
					if err := sc.session.StopStack(ctx); err != nil {
						sc.log.Debug("Stop stack failed", "error", err)
					}
					return nil
				}
				sc.sleepStep(5 * time.Second)
				panelRemaining -= 5
				remainingSec -= 5
				sc.publishItemProgress(item, fmt.Sprintf("stacking panel %s", code), map[string]any{
					"target_name":            p.TargetName,
					"panel_remaining_time_s": panelRemaining,
					"item_remaining_time_s":  remainingSec,
				})
			}
			if err := sc.session.StopStack(ctx); err != nil {
				sc.log.Debug("Stop stack failed", "error", err)
			}
			sc.log.Info("Mosaic panel finished", "panel", code, "name", saveName)
			curRA += deltaRA
		}
		curDec += deltaDec
	}

	sc.log.Info("Mosaic finished", "target", p.TargetName)
	sc.publishItemProgress(item, "complete", map[string]any{
		"target_name":           p.TargetName,
		"item_remaining_time_s": 0,
	})
	return nil
}

// gotoPanel slews to one panel center and prepares it for stacking: wait for
// the goto (including the auto-center loop below the horizon), restore the
// filter choice, and optionally autofocus. Autofocus failure is not fatal.
func (sc *Scheduler) gotoPanel(ctx context.Context, saveName string, ra, dec float64, useLP, useAF bool) bool {
	err := sc.session.GotoTarget(ctx, device.GotoRequest{
		TargetName: saveName,
		RA:         ra,
		Dec:        dec,
		IsJ2000:    false,
	})
	if err != nil {
		sc.log.Warn("Panel goto request failed", "error", err)
		return false
	}
	if !sc.session.WaitEventTerminal(ctx, "goto_target", 10*time.Minute) {
		return false
	}
	sc.sleepStep(3 * time.Second)

	if err := sc.session.SetSetting(ctx, map[string]any{"stack_lenhance": useLP}); err != nil {
		sc.log.Debug("Could not apply filter setting", "error", err)
	}
	if useAF && !sc.session.TryAutoFocus(ctx, 2) {
		sc.log.Info("Autofocus failed, continuing with panel anyway")
	}
	return true
}

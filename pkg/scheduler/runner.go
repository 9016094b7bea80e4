package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Audio cues played on the device speaker around plan execution.
const (
	soundScheduleStart = 80
	soundScheduleEnd   = 82
	soundScheduleStop  = 83
)

// Start launches the runner for the current plan. A non-empty scheduleID
// must match the current plan; a mismatch is a no-op so stale UI requests
// cannot start someone else's schedule.
func (sc *Scheduler) Start(scheduleID string) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if scheduleID != "" && scheduleID != sc.schedule.ID {
		return CodeOK, fmt.Errorf("schedule %q does not match the active schedule; no action taken", scheduleID)
	}
	if sc.schedule.State != StateStopped && sc.schedule.State != StateComplete {
		return CodeBusy, fmt.Errorf("an existing schedule is active")
	}
	sc.schedule.State = StateWorking
	sc.runWG.Add(1)
	go sc.run()
	return CodeOK, nil
}

// Stop asks the runner to halt after the current checkpoint and aborts any
// in-flight slew or stack. Mismatched ids are ignored.
func (sc *Scheduler) Stop(ctx context.Context, scheduleID string) (int, string) {
	sc.mu.Lock()
	if scheduleID != "" && scheduleID != sc.schedule.ID {
		sc.mu.Unlock()
		return CodeOK, fmt.Sprintf("schedule %q does not match the active schedule; no action taken", scheduleID)
	}
	switch sc.schedule.State {
	case StateWorking:
		sc.schedule.State = StateStopping
		sc.mu.Unlock()
		if err := sc.session.StopGoto(ctx); err != nil {
			sc.log.Debug("Could not abort slew during stop", "error", err)
		}
		if err := sc.session.StopStack(ctx); err != nil {
			sc.log.Debug("Could not stop stacking during stop", "error", err)
		}
		sc.session.PlaySound(ctx, soundScheduleStop)
		return CodeOK, "Scheduler stopped successfully."
	case StateStopped:
		sc.mu.Unlock()
		return CodeNotRunning, "Scheduler is not running while trying to stop!"
	default:
		sc.mu.Unlock()
		return CodeAlreadyStopping, "Scheduler has already been requested to stop"
	}
}

// Wait blocks until the runner goroutine exits. Test helper.
func (sc *Scheduler) Wait() { sc.runWG.Wait() }

// stopping reports whether the plan should halt at the next checkpoint.
func (sc *Scheduler) stopping() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.schedule.State != StateWorking
}

// run executes plan items in order. It is the single writer of schedule
// state for the duration of the run.
func (sc *Scheduler) run() {
	defer sc.runWG.Done()
	ctx := context.Background()

	sc.session.PlaySound(ctx, soundScheduleStart)
	sc.log.Info("Schedule started")
	sc.publishState("start", nil)

	issueShutdown := false
	index := 0
	for {
		sc.mu.Lock()
		if sc.schedule.State != StateWorking || index >= len(sc.schedule.Items) {
			sc.mu.Unlock()
			break
		}
		item := sc.schedule.Items[index]
		sc.schedule.CurrentItemID = item.ID
		sc.schedule.ItemNumber = index + 1
		sc.mu.Unlock()

		sc.log.Info("Running schedule item", "number", index+1, "action", item.Action)
		if item.Action == ActionShutdown {
			sc.setState(StateStopped)
			issueShutdown = true
			sc.publishState("shut down", item)
			break
		}
		if err := sc.runItem(ctx, item); err != nil {
			sc.log.Error("Schedule item failed", "action", item.Action, "error", err)
		}
		index++
	}

	// Leave the mount in a sane frame whatever happened during the run.
	if err := sc.session.ResetHorizonOffset(ctx); err != nil {
		sc.log.Warn("Could not clear declination offset after run", "error", err)
	}

	sc.mu.Lock()
	switch sc.schedule.State {
	case StateStopping:
		sc.schedule.State = StateStopped
	case StateStopped:
	default:
		sc.schedule.State = StateComplete
	}
	sc.schedule.CurrentItemID = ""
	sc.schedule.ItemNumber = 0
	sc.mu.Unlock()

	sc.log.Info("Schedule finished")
	sc.publishState("complete", nil)
	sc.session.PlaySound(ctx, soundScheduleEnd)
	if issueShutdown {
		if _, err := sc.session.CallSync(ctx, "pi_shutdown", nil); err != nil {
			sc.log.Error("Shutdown request failed", "error", err)
		}
	}
}

func (sc *Scheduler) setState(state State) {
	sc.mu.Lock()
	sc.schedule.State = state
	sc.mu.Unlock()
}

func (sc *Scheduler) runItem(ctx context.Context, item *Item) error {
	switch item.Action {
	case ActionStartMosaic:
		params, err := decodeParams[MosaicParams](item.Params)
		if err != nil {
			return err
		}
		return sc.runMosaic(ctx, item, params)
	case ActionStartSpectra:
		params, err := decodeParams[SpectraParams](item.Params)
		if err != nil {
			return err
		}
		return sc.runSpectra(ctx, item, params)
	case ActionAutoFocus:
		params, err := decodeParams[AutoFocusParams](item.Params)
		if err != nil {
			return err
		}
		if params.TryCount < 1 {
			params.TryCount = 1
		}
		sc.publishState("auto focus", item)
		sc.session.TryAutoFocus(ctx, params.TryCount)
		return nil
	case ActionWaitFor:
		params, err := decodeParams[WaitForParams](item.Params)
		if err != nil {
			return err
		}
		return sc.runWaitFor(item, params.TimerSec)
	case ActionWaitUntil:
		params, err := decodeParams[WaitUntilParams](item.Params)
		if err != nil {
			return err
		}
		return sc.runWaitUntil(item, params.LocalTime)
	case ActionStartUp:
		params, err := decodeParams[StartupParams](item.Params)
		if err != nil {
			return err
		}
		return sc.runStartup(ctx, params)
	default:
		// Unknown actions pass straight through to the device.
		sc.publishState(item.Action, item)
		resp, err := sc.session.RawCommand(ctx, item.Action, item.Params)
		if err != nil {
			return err
		}
		return resp.Err()
	}
}

// runWaitFor idles for the given seconds in short steps so a stop request
// takes effect promptly.
func (sc *Scheduler) runWaitFor(item *Item, seconds int) error {
	sc.publishState(fmt.Sprintf("wait for %d seconds", seconds), item)
	elapsed := 0
	for elapsed < seconds && !sc.stopping() {
		if !sc.sleepStep(5 * time.Second) {
			return nil
		}
		elapsed += 5
	}
	return nil
}

// runWaitUntil idles until the local wall clock reaches HH:MM.
func (sc *Scheduler) runWaitUntil(item *Item, localTime string) error {
	var hour, minute int
	if _, err := fmt.Sscanf(localTime, "%d:%d", &hour, &minute); err != nil {
		return fmt.Errorf("invalid local_time %q: %w", localTime, err)
	}
	sc.publishState(fmt.Sprintf("wait until local time %s", localTime), item)
	for !sc.stopping() {
		now := sc.clock.Now().Local()
		if now.Hour() == hour && now.Minute() == minute {
			return nil
		}
		if !sc.sleepStep(5 * time.Second) {
			return nil
		}
	}
	return nil
}

// sleepStep waits d on the scheduler clock.
func (sc *Scheduler) sleepStep(d time.Duration) bool {
	<-sc.clock.After(d)
	return true
}

package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openastro/starbridge/pkg/protocol"
)

// targetNameOf extracts target_name from an iscope_start_view request.
func targetNameOf(req protocol.Request) string {
	params, ok := req.Params.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := params["target_name"].(string)
	return name
}

// markWorking puts the plan in the running state so the engines do not treat
// the idle state as a stop request.
func markWorking(sc *Scheduler) {
	sc.mu.Lock()
	sc.schedule.State = StateWorking
	sc.mu.Unlock()
}

// mosaicScope preconfigures the fake so gotos auto-complete.
func mosaicScope(t *testing.T) *testScope {
	f := newTestScope(t)
	f.setReply("iscope_start_view", replyThenEvent(map[string]any{
		"Event": "AutoGoto", "Timestamp": "1.0", "state": "complete",
	}))
	return f
}

func TestRunMosaic_Grid2x1(t *testing.T) {
	f := mosaicScope(t)
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartMosaic, nil)
	err := sc.runMosaic(context.Background(), item, MosaicParams{
		TargetName:     "barnard",
		RA:             5.0,
		Dec:            0.0,
		SessionTimeSec: 2,
		RANum:          2,
		DecNum:         1,
		Gain:           90,
		NumTries:       1,
	})
	require.NoError(t, err)

	views := f.requestsFor("iscope_start_view")
	require.Len(t, views, 2)
	assert.Equal(t, "barnard_11", targetNameOf(views[0]))
	assert.Equal(t, "barnard_21", targetNameOf(views[1]))

	// Panels straddle the requested center, half a spacing to each side.
	p0 := views[0].Params.(map[string]any)["target_ra_dec"].([]any)
	p1 := views[1].Params.(map[string]any)["target_ra_dec"].([]any)
	assert.InDelta(t, 4.975, p0[0].(float64), 1e-9)
	assert.InDelta(t, 5.025, p1[0].(float64), 1e-9)
	assert.InDelta(t, 0.0, p0[1].(float64), 1e-9)

	// Each panel stacks, with the configured gain pushed after the stack starts.
	assert.Len(t, f.requestsFor("iscope_start_stack"), 2)
	gains := f.requestsFor("set_control_value")
	require.Len(t, gains, 2)
	assert.Equal(t, []any{"gain", 90.0}, gains[0].Params)

	assert.Len(t, f.requestsFor("iscope_stop_view"), 2)
}

func TestRunMosaic_SinglePanelKeepsPlainName(t *testing.T) {
	f := mosaicScope(t)
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartMosaic, nil)
	err := sc.runMosaic(context.Background(), item, MosaicParams{
		TargetName:     "M51",
		RA:             13.5,
		Dec:            47.2,
		SessionTimeSec: 1,
		RANum:          1,
		DecNum:         1,
	})
	require.NoError(t, err)

	views := f.requestsFor("iscope_start_view")
	require.Len(t, views, 1)
	assert.Equal(t, "M51", targetNameOf(views[0]))
}

func TestRunMosaic_SelectedPanels(t *testing.T) {
	f := mosaicScope(t)
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartMosaic, nil)
	err := sc.runMosaic(context.Background(), item, MosaicParams{
		TargetName:     "veil",
		RA:             20.75,
		Dec:            30.7,
		SessionTimeSec: 4,
		RANum:          2,
		DecNum:         2,
		SelectedPanels: "12;22",
	})
	require.NoError(t, err)

	views := f.requestsFor("iscope_start_view")
	require.Len(t, views, 2)
	assert.Equal(t, "veil_12", targetNameOf(views[0]))
	assert.Equal(t, "veil_22", targetNameOf(views[1]))
}

func TestRunMosaic_InvalidGridSkipsItem(t *testing.T) {
	f := mosaicScope(t)
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartMosaic, nil)
	err := sc.runMosaic(context.Background(), item, MosaicParams{
		TargetName: "nothing", RA: 1.0, Dec: 1.0, RANum: 0, DecNum: 3,
	})
	require.NoError(t, err)
	assert.Empty(t, f.requestsFor("iscope_start_view"))
}

func TestRunMosaic_FilterStaysOutDuringGoto(t *testing.T) {
	f := mosaicScope(t)
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartMosaic, nil)
	err := sc.runMosaic(context.Background(), item, MosaicParams{
		TargetName:     "rosette",
		RA:             6.5,
		Dec:            5.0,
		SessionTimeSec: 1,
		RANum:          1,
		DecNum:         1,
		UseLPFilter:    true,
	})
	require.NoError(t, err)

	settings := f.requestsFor("set_setting")
	require.Len(t, settings, 2)
	// Cleared before the slew so plate solving sees stars, restored after.
	first := settings[0].Params.(map[string]any)
	second := settings[1].Params.(map[string]any)
	assert.Equal(t, false, first["stack_lenhance"])
	assert.Equal(t, true, second["stack_lenhance"])
}

func TestRunMosaic_StacksEvenWhenGotoNeverCenters(t *testing.T) {
	f := newTestScope(t)
	// The goto fails outright; the panel is still exposed at whatever
	// pointing the mount reached.
	f.setReply("iscope_start_view", replyThenEvent(map[string]any{
		"Event": "AutoGoto", "Timestamp": "1.0", "state": "fail",
	}))
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartMosaic, nil)
	err := sc.runMosaic(context.Background(), item, MosaicParams{
		TargetName:     "stubborn",
		RA:             3.0,
		Dec:            20.0,
		SessionTimeSec: 1,
		RANum:          1,
		DecNum:         1,
		NumTries:       2,
		RetryWaitSec:   1,
	})
	require.NoError(t, err)

	assert.Len(t, f.requestsFor("iscope_start_view"), 2)
	assert.Len(t, f.requestsFor("iscope_start_stack"), 1)
}

func TestRunMosaic_ImageWherePointing(t *testing.T) {
	f := mosaicScope(t)
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	// RA −1 means "use the current pointing", which is still (0, 0) here.
	item := newItem(ActionStartMosaic, nil)
	err := sc.runMosaic(context.Background(), item, MosaicParams{
		TargetName:     "here",
		RA:             -1.0,
		Dec:            99.0,
		SessionTimeSec: 1,
		RANum:          1,
		DecNum:         1,
	})
	require.NoError(t, err)

	views := f.requestsFor("iscope_start_view")
	require.Len(t, views, 1)
	coords := views[0].Params.(map[string]any)["target_ra_dec"].([]any)
	assert.Equal(t, 0.0, coords[0])
	assert.Equal(t, 0.0, coords[1])
}

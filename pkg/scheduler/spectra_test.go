package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openastro/starbridge/pkg/device"
	"github.com/openastro/starbridge/pkg/protocol"
)

// groupNameOf extracts the save name from a set_sequence_setting request.
func groupNameOf(req protocol.Request) string {
	list, ok := req.Params.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	entry, ok := list[0].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := entry["group_name"].(string)
	return name
}

func spectraScope(t *testing.T) *testScope {
	f := newTestScope(t)
	f.setReply("scope_goto", replyThenEvent(map[string]any{
		"Event": "ScopeGoto", "Timestamp": "1.0", "state": "complete",
	}))
	return f
}

func TestRunSpectra_SegmentsAndNames(t *testing.T) {
	f := spectraScope(t)
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartSpectra, nil)
	err := sc.runSpectra(context.Background(), item, SpectraParams{
		TargetName:     "vega",
		RA:             18.615,
		Dec:            38.78,
		SessionTimeSec: 140, // 60s star + 8 × 10s segments
		Gain:           80,
	})
	require.NoError(t, err)

	// One slew to the star, then one dead-reckoning slew per segment.
	slews := f.requestsFor("scope_goto")
	require.Len(t, slews, 1+len(spectraSpacingDeg))
	first := slews[0].Params.([]any)
	assert.InDelta(t, 18.615, first[0].(float64), 1e-9)
	assert.InDelta(t, 38.78, first[1].(float64), 1e-9)

	// Segments step down the spectrum in declination at constant RA.
	second := slews[1].Params.([]any)
	assert.InDelta(t, 18.615, second[0].(float64), 1e-9)
	assert.InDelta(t, 38.78+spectraSpacingDeg[0], second[1].(float64), 1e-9)
	last := slews[len(slews)-1].Params.([]any)
	assert.InDelta(t, 38.78+spectraSpacingDeg[len(spectraSpacingDeg)-1], last[1].(float64), 1e-9)

	// Save names: the reference star, then numbered segments.
	names := f.requestsFor("set_sequence_setting")
	require.Len(t, names, 1+len(spectraSpacingDeg))
	assert.Equal(t, "vega_star", groupNameOf(names[0]))
	assert.Equal(t, "vega_spec_1", groupNameOf(names[1]))
	assert.Equal(t, fmt.Sprintf("vega_spec_%d", len(spectraSpacingDeg)), groupNameOf(names[len(names)-1]))

	// Every exposure is stacked and stopped.
	assert.Len(t, f.requestsFor("iscope_start_stack"), 1+len(spectraSpacingDeg))

	// The LP filter goes in only for the designated segments.
	var filters []bool
	for _, r := range f.requestsFor("set_setting") {
		if params, ok := r.Params.(map[string]any); ok {
			if v, ok := params["stack_lenhance"].(bool); ok {
				filters = append(filters, v)
			}
		}
	}
	assert.Equal(t, spectraUseLP, filters)
}

func TestRunSpectra_SessionTooShort(t *testing.T) {
	f := spectraScope(t)
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartSpectra, nil)
	err := sc.runSpectra(context.Background(), item, SpectraParams{
		TargetName:     "vega",
		RA:             18.615,
		Dec:            38.78,
		SessionTimeSec: 60, // nothing left after the reference star
	})
	assert.Error(t, err)
}

func TestRunSpectra_AppliesActiveHorizonOffset(t *testing.T) {
	f := spectraScope(t)
	f.setReply("start_solve", replyThenEvent(map[string]any{
		"Event":     "PlateSolve",
		"Timestamp": "1.0",
		"state":     "complete",
		"result":    map[string]any{"ra_dec": []any{18.615, -20.0}},
	}))

	// An equatorial-mode session with a below-horizon offset in effect.
	cfg := testConfig(t.Name(), f.port(), true)
	sess := device.NewSession(&cfg.Devices[0], cfg.Site, cfg.Imaging, clockwork.NewRealClock())
	sess.StartWatch()
	t.Cleanup(sess.EndWatch)
	require.Eventually(t, sess.Connected, 5*time.Second, 10*time.Millisecond)

	err := sess.GotoTarget(context.Background(), device.GotoRequest{
		TargetName: "deep", RA: 18.615, Dec: -20.0,
	})
	require.NoError(t, err)
	require.True(t, sess.WaitEventTerminal(context.Background(), "goto_target", 10*time.Second))
	require.Equal(t, 30.0, sess.HorizonOffset())

	sc := New(sess, cfg, fixedLocator{48.85, 2.35}, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartSpectra, nil)
	err = sc.runSpectra(context.Background(), item, SpectraParams{
		TargetName:     "deep",
		RA:             -1.0, // already on target from the goto
		Dec:            0.0,
		SessionTimeSec: 140,
	})
	require.NoError(t, err)

	// The goto's own slew, then one per segment. Every segment declination
	// goes out shifted up by the offset, never as a raw sky coordinate.
	slews := f.requestsFor("scope_goto")
	require.Len(t, slews, 1+len(spectraSpacingDeg))
	for i, spacing := range spectraSpacingDeg {
		params := slews[1+i].Params.([]any)
		assert.InDelta(t, spacing+30.0, params[1].(float64), 1e-9, "segment %d", i+1)
	}
}

func TestRunSpectra_NegativeRAUsesCurrentPointing(t *testing.T) {
	f := spectraScope(t)
	sc := newTestScheduler(t, f, pumpedClock(t))
	markWorking(sc)

	item := newItem(ActionStartSpectra, nil)
	err := sc.runSpectra(context.Background(), item, SpectraParams{
		TargetName:     "here",
		RA:             -1.0,
		Dec:            0.0,
		SessionTimeSec: 140,
	})
	require.NoError(t, err)

	// No initial slew: the mount is already on target. Only segment slews.
	slews := f.requestsFor("scope_goto")
	assert.Len(t, slews, len(spectraSpacingDeg))
}

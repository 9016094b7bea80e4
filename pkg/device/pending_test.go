package device

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openastro/starbridge/pkg/protocol"
)

func TestPendingResponses_RegisterThenFulfill(t *testing.T) {
	p := newPendingResponses()

	ch := p.Register(10000)
	p.Fulfill(10000, &protocol.Response{ID: 10000, Method: "scope_park"})

	resp := <-ch
	require.NotNil(t, resp)
	assert.Equal(t, "scope_park", resp.Method)

	p.Remove(10000)
	assert.Equal(t, 0, p.Len())
}

func TestPendingResponses_DuplicateKeepsFirst(t *testing.T) {
	p := newPendingResponses()

	ch := p.Register(1)
	p.Fulfill(1, &protocol.Response{ID: 1, Method: "first"})
	p.Fulfill(1, &protocol.Response{ID: 1, Method: "second"})

	resp := <-ch
	assert.Equal(t, "first", resp.Method)
}

func TestPendingResponses_UnsolicitedGetsSlot(t *testing.T) {
	p := newPendingResponses()

	p.Fulfill(420, &protocol.Response{ID: 420, Method: "scope_get_equ_coord"})
	assert.Equal(t, 1, p.Len())
}

func TestPendingResponses_FIFOEviction(t *testing.T) {
	p := newPendingResponses()

	for id := int64(0); id < pendingLimit; id++ {
		p.Register(id)
	}
	assert.Equal(t, pendingLimit, p.Len())

	// One more pushes out the oldest slot.
	p.Register(int64(pendingLimit))
	assert.Equal(t, pendingLimit, p.Len())

	// Fulfilling the evicted id re-creates a slot, evicting the next oldest.
	p.Fulfill(0, &protocol.Response{ID: 0})
	assert.Equal(t, pendingLimit, p.Len())
}

func TestPendingResponses_RemoveUnknownID(t *testing.T) {
	p := newPendingResponses()
	p.Remove(12345)
	assert.Equal(t, 0, p.Len())
}

func TestEventRing_Overflow(t *testing.T) {
	var r eventRing
	for i := 0; i < eventRingCapacity+5; i++ {
		r.Push(protocol.Event{"Event": fmt.Sprintf("e%d", i)})
	}

	assert.Equal(t, eventRingCapacity, r.Len())

	snap := r.Snapshot()
	require.Len(t, snap, eventRingCapacity)
	// Oldest entries were dropped; the snapshot starts at e5.
	assert.Equal(t, "e5", snap[0].Name())
	assert.Equal(t, fmt.Sprintf("e%d", eventRingCapacity+4), snap[len(snap)-1].Name())
}

func TestEventRing_SnapshotIsACopy(t *testing.T) {
	var r eventRing
	r.Push(protocol.Event{"Event": "one"})

	snap := r.Snapshot()
	r.Push(protocol.Event{"Event": "two"})
	assert.Len(t, snap, 1)
}

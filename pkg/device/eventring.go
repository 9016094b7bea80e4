package device

import (
	"sync"

	"github.com/openastro/starbridge/pkg/protocol"
)

// eventRingCapacity bounds the raw event buffer used for streaming catch-up.
const eventRingCapacity = 20

// eventRing is a bounded FIFO of raw device events. Overflow drops the
// oldest entry; new WebSocket subscribers replay the ring before going live.
type eventRing struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *eventRing) Push(e protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) >= eventRingCapacity {
		r.events = r.events[1:]
	}
	r.events = append(r.events, e)
}

// Snapshot returns the buffered events oldest-first.
func (r *eventRing) Snapshot() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

package device

import (
	"sync"

	"github.com/openastro/starbridge/pkg/protocol"
)

// pendingLimit bounds the response map. Callers that never collect their
// response are garbage-collected by FIFO eviction.
const pendingLimit = 100

// pendingResponses correlates request ids to their eventual responses.
// The dispatcher is the single writer of results; each caller reads (and
// removes) exactly its own id. A response is delivered through a buffered
// channel so the dispatcher never blocks on a slow caller.
type pendingResponses struct {
	mu      sync.Mutex
	order   []int64
	entries map[int64]chan *protocol.Response
}

func newPendingResponses() *pendingResponses {
	return &pendingResponses{entries: make(map[int64]chan *protocol.Response)}
}

// Register creates the waiter slot for an id about to be sent.
// Must be called before the request hits the wire so the response cannot
// race past the waiter.
func (p *pendingResponses) Register(id int64) <-chan *protocol.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *protocol.Response, 1)
	p.insertLocked(id, ch)
	return ch
}

// Fulfill records a response arriving from the device. Unsolicited ids
// (heartbeat sentinel, evicted callers) still get a slot so late readers can
// observe them until eviction.
func (p *pendingResponses) Fulfill(id int64, resp *protocol.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.entries[id]
	if !ok {
		ch = make(chan *protocol.Response, 1)
		p.insertLocked(id, ch)
	}
	select {
	case ch <- resp:
	default: // duplicate response for the same id; keep the first
	}
}

// Remove drops an id after its caller has read the response.
func (p *pendingResponses) Remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		return
	}
	delete(p.entries, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of live slots.
func (p *pendingResponses) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *pendingResponses) insertLocked(id int64, ch chan *protocol.Response) {
	if _, exists := p.entries[id]; exists {
		return
	}
	if len(p.entries) >= pendingLimit {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.entries, oldest)
	}
	p.entries[id] = ch
	p.order = append(p.order, id)
}

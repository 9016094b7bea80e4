package device

import (
	"github.com/openastro/starbridge/pkg/protocol"
)

// solveSentinel marks the plate-solve result as "not yet received" for the
// auto-center loop. A genuine solve never produces this value.
const solveSentinel = -9999.0

// handleFrame classifies one decoded frame and routes it. Responses update
// cached telescope state and wake the waiting caller; events feed the ring,
// live subscribers, the named event-state map, and its waiters.
func (s *Session) handleFrame(frame []byte) error {
	resp, event, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	switch {
	case resp != nil:
		s.handleResponse(resp)
	case event != nil:
		s.handleEvent(event)
	default:
		s.log.Warn("Ignoring frame that is neither response nor event", "frame", string(frame))
	}
	return nil
}

func (s *Session) handleResponse(resp *protocol.Response) {
	switch resp.Method {
	case "scope_get_equ_coord":
		s.updateEquCoord(resp)
	case "get_view_state":
		s.updateViewState(resp)
	}
	s.pending.Fulfill(resp.ID, resp)
}

// updateEquCoord caches the reported pointing with the below-horizon offset
// removed, so every reader sees true sky coordinates.
func (s *Session) updateEquCoord(resp *protocol.Response) {
	result := resp.ResultMap()
	if result == nil {
		return
	}
	ra, okRA := result["ra"].(float64)
	dec, okDec := result["dec"].(float64)
	if !okRA || !okDec {
		return
	}
	s.mu.Lock()
	s.ra = ra
	s.dec = dec - s.horizonOffset
	s.mu.Unlock()
}

func (s *Session) updateViewState(resp *protocol.Response) {
	result := resp.ResultMap()
	view, ok := result["View"].(map[string]any)
	if !ok {
		return
	}
	s.mu.Lock()
	s.viewState = view
	s.mu.Unlock()
}

func (s *Session) handleEvent(event protocol.Event) {
	eventsReceived.WithLabelValues(s.name).Inc()
	name := event.Name()
	if name == "" {
		s.log.Warn("Ignoring event without a name", "event", event)
		return
	}

	if s.imaging.LogEventsAtInfo {
		s.log.Info("Device event", "event", name, "state", event.State())
	} else {
		s.log.Debug("Device event", "event", name, "state", event.State())
	}

	s.ring.Push(event)
	s.publish(event)

	switch name {
	case "PiStatus":
		// PiStatus multiplexes unrelated payloads; split them by shape so
		// state waiters can target one kind without the others clobbering it.
		switch {
		case has(event, "temp"):
			s.setEventState("PiStatus_temperature", event)
		case has(event, "battery_capacity"):
			s.setEventState("PiStatus_battery", event)
		default:
			s.setEventState("PiStatus_other", event)
		}
	case "PlateSolve":
		s.recordPlateSolve(event)
		s.setEventState(name, event)
	default:
		s.setEventState(name, event)
	}
}

// recordPlateSolve captures the solved center for the auto-center loop.
// A failed solve is recorded as (0, 0) so the loop can count failures.
func (s *Session) recordPlateSolve(event protocol.Event) {
	if event.State() == "fail" {
		s.mu.Lock()
		s.curSolveRA, s.curSolveDec = 0, 0
		s.mu.Unlock()
		return
	}
	ra, dec, ok := event.SolveRADec()
	if !ok {
		return
	}
	s.mu.Lock()
	s.curSolveRA, s.curSolveDec = ra, dec
	s.mu.Unlock()
}

// publish delivers the event to live subscribers without blocking; a full
// subscriber buffer drops the event for that subscriber only.
func (s *Session) publish(event protocol.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func has(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

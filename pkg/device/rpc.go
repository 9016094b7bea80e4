package device

import (
	"context"
	"fmt"
	"time"

	"github.com/openastro/starbridge/pkg/protocol"
)

const (
	// slowResponseThreshold is how long a synchronous call waits before
	// logging that the device is being slow.
	slowResponseThreshold = 2 * time.Second
	// syncResponseCeiling is the hard wait limit for a synchronous call.
	syncResponseCeiling = 10 * time.Second
)

const syncTimeoutReason = "Error: Exceeded alloted wait time for result"

// sendRequest frames and sends one request with the given id.
func (s *Session) sendRequest(id int64, method string, params any) error {
	frame, err := protocol.EncodeFrame(&protocol.Request{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := s.conn.Send(frame); err != nil {
		return fmt.Errorf("failed to send %q: %w", method, err)
	}
	return nil
}

// CallAsync sends a request without waiting for its response. The returned
// id can be collected later from the pending map by the dispatcher's
// bookkeeping, or simply ignored for fire-and-forget commands.
func (s *Session) CallAsync(method string, params any) (int64, error) {
	id := s.nextCommandID()
	if err := s.sendRequest(id, method, params); err != nil {
		return 0, err
	}
	return id, nil
}

// CallSync sends a request and waits for the correlated response. The wait
// is bounded by syncResponseCeiling; a timeout yields a synthetic error
// response so the caller always has an envelope to report.
//
// pi_shutdown and pi_reboot are special: the scope must be parked before the
// computer goes away, so the actual send happens in the background after the
// park completes and the caller gets an immediate acknowledgment.
func (s *Session) CallSync(ctx context.Context, method string, params any) (*protocol.Response, error) {
	if method == "pi_shutdown" || method == "pi_reboot" {
		go s.parkThenSend(method, params)
		return &protocol.Response{Method: method, Result: "Sent"}, nil
	}

	id := s.nextCommandID()
	ch := s.pending.Register(id)
	defer s.pending.Remove(id)

	if err := s.sendRequest(id, method, params); err != nil {
		return protocol.SyntheticError(method, err.Error()), err
	}

	slow := s.clock.NewTimer(slowResponseThreshold)
	defer slow.Stop()
	deadline := s.clock.NewTimer(syncResponseCeiling)
	defer deadline.Stop()

	for {
		select {
		case resp := <-ch:
			return resp, nil
		case <-slow.Chan():
			s.log.Warn("Device is slow to respond", "method", method, "id", id)
		case <-deadline.Chan():
			rpcTimeouts.WithLabelValues(s.name).Inc()
			s.log.Error("No response before wait ceiling", "method", method, "id", id)
			return protocol.SyntheticError(method, syncTimeoutReason),
				fmt.Errorf("timed out waiting for response to %q", method)
		case <-ctx.Done():
			return protocol.SyntheticError(method, ctx.Err().Error()), ctx.Err()
		case <-s.stopCh:
			return protocol.SyntheticError(method, "session stopped"),
				fmt.Errorf("session stopped while waiting for %q", method)
		}
	}
}

// parkThenSend parks the mount, waits for it to reach home, then issues the
// deferred power command.
func (s *Session) parkThenSend(method string, params any) {
	ctx := context.Background()
	s.PlaySound(ctx, 13)
	if err := s.resetBelowHorizonOffset(ctx); err != nil {
		s.log.Warn("Could not clear declination offset before park", "error", err)
	}
	s.SeedEventState("ScopeHome", "working")
	if _, err := s.CallSync(ctx, "scope_park", nil); err != nil {
		s.log.Error("Park before power command failed", "error", err)
	} else {
		s.WaitEventTerminal(ctx, "ScopeHome", time.Minute)
	}
	if _, err := s.CallAsync(method, params); err != nil {
		s.log.Error("Power command failed to send", "method", method, "error", err)
	}
}

// WaitEventTerminal blocks until the named event reaches a terminal state
// ("complete" returns true, "fail"/"cancel" false) or the wait expires.
// The special name "goto_target" tracks the composite goto operation, which
// spans different underlying events depending on the goto flavor.
func (s *Session) WaitEventTerminal(ctx context.Context, name string, timeout time.Duration) bool {
	if name == "goto_target" {
		return s.waitGotoDone(ctx, timeout)
	}

	if _, ok := s.EventState(name); !ok {
		s.SeedEventState(name, "stopped")
	}

	deadline := s.clock.NewTimer(timeout)
	defer deadline.Stop()

	for {
		changed := s.eventChanged(name)
		e, _ := s.EventState(name)
		switch e.State() {
		case "complete":
			return true
		case "fail", "cancel":
			return false
		}
		select {
		case <-changed:
		case <-deadline.Chan():
			s.log.Warn("Timed out waiting for event to finish", "event", name)
			return false
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		}
	}
}

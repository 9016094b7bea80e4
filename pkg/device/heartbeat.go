package device

import (
	"time"
)

const (
	heartbeatInterval = 3 * time.Second
	// heartbeatID is a fixed out-of-band request id; its responses double as
	// pointing updates and are never awaited by a caller.
	heartbeatID = 420

	reconnectRetryDelay = 5 * time.Second
)

// heartbeatLoop keeps the link warm and is the sole owner of steady-state
// reconnection. While connected it requests the mount position every tick,
// which both proves liveness and refreshes the cached coordinates.
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()

	for s.watching.Load() {
		if !s.conn.Connected() {
			if err := s.conn.Connect(); err != nil {
				s.log.Debug("Reconnect attempt failed", "error", err)
				if !s.sleepInterruptible(reconnectRetryDelay) {
					return
				}
				continue
			}
			s.log.Info("Reconnected to device")
		}

		if err := s.sendRequest(heartbeatID, "scope_get_equ_coord", nil); err != nil {
			s.log.Debug("Heartbeat send failed", "error", err)
		}

		if !s.sleepInterruptible(heartbeatInterval) {
			return
		}
	}
}

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errNotConnected is returned by reads and writes attempted while the
// socket is down and reconnection is not possible.
var errNotConnected = errors.New("device socket is not connected")

// transport maintains the single outbound TCP stream to the device.
// Sends are serialized by the write mutex; the receive loop is the only
// reader. Reconnection is attempted when the owning session is watching.
type transport struct {
	addr    string
	timeout time.Duration
	log     *slog.Logger

	// watching reports whether a closed socket should be reopened.
	watching func() bool

	mu        sync.Mutex // guards conn and connected
	writeMu   sync.Mutex // serializes whole-frame writes
	conn      net.Conn
	connected bool

	onReconnect func() // metrics hook, may be nil
}

func newTransport(host string, port int, timeout time.Duration, watching func() bool, log *slog.Logger) *transport {
	return &transport{
		addr:     net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		timeout:  timeout,
		watching: watching,
		log:      log,
	}
}

// Connected reports the link state.
func (t *transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect dials the device. Idempotent when already connected.
// A failed dial sleeps briefly so callers in a loop do not hammer the
// device's single control port.
func (t *transport) Connect() error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closeLocked()
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", t.addr, t.timeout)
	if err != nil {
		time.Sleep(time.Second)
		return fmt.Errorf("failed to connect to %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()
	if t.onReconnect != nil {
		t.onReconnect()
	}
	return nil
}

// ConnectWithRetry attempts the initial connection a few times with
// exponential pacing. Used at session start; steady-state reconnection is
// the heartbeat's job.
func (t *transport) ConnectWithRetry(attempts uint64) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(5*time.Second),
	), attempts)
	return backoff.Retry(t.Connect, policy)
}

// Disconnect closes the socket and marks the link down.
func (t *transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

func (t *transport) closeLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.connected = false
}

// Send writes one already-framed payload. On a socket error the link is
// closed and, if the session is still watching, reconnected and the send
// retried exactly once.
func (t *transport) Send(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.write(frame); err != nil {
		t.log.Debug("Send socket error", "error", err)
		t.Disconnect()
		if !t.watching() {
			return err
		}
		if err := t.Connect(); err != nil {
			return err
		}
		return t.write(frame)
	}
	return nil
}

func (t *transport) write(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return errNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

// Read fills buf from the socket. A read deadline timeout returns (0, nil)
// so the receive loop can re-check liveness without treating it as failure.
// Other errors close the socket and, while watching, trigger one reconnect
// and retry.
func (t *transport) Read(buf []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return 0, errNotConnected
	}

	if err := conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		t.log.Debug("Read socket error", "error", err)
		t.Disconnect()
		if !t.watching() {
			return 0, err
		}
		if cerr := t.Connect(); cerr != nil {
			return 0, err
		}
		return t.Read(buf)
	}
	return n, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

package events

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openastro/starbridge/pkg/config"
	"github.com/openastro/starbridge/pkg/device"
	"github.com/openastro/starbridge/pkg/protocol"
)

// fakeDevice answers every control-port request with a code-0 reply and can
// inject unsolicited event frames into the stream.
type fakeDevice struct {
	t  *testing.T
	ln net.Listener

	mu   sync.Mutex
	conn net.Conn
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeDevice{t: t, ln: ln}
	go f.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeDevice) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func (f *fakeDevice) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.serve(conn)
	}
}

func (f *fakeDevice) serve(conn net.Conn) {
	var splitter protocol.Splitter
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		splitter.Push(buf[:n])
		for {
			frame, ok := splitter.Next()
			if !ok {
				break
			}
			var req protocol.Request
			if err := json.Unmarshal(frame, &req); err != nil {
				continue
			}
			f.writeFrame(map[string]any{
				"jsonrpc": "2.0",
				"method":  req.Method,
				"code":    0,
				"id":      req.ID,
				"result":  map[string]any{},
			})
		}
	}
}

func (f *fakeDevice) writeFrame(v map[string]any) {
	data, err := json.Marshal(v)
	require.NoError(f.t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_, _ = f.conn.Write(append(data, '\r', '\n'))
	}
}

func (f *fakeDevice) sendEvent(name, state string) {
	f.writeFrame(map[string]any{
		"Event": name, "Timestamp": "100.0", "state": state,
	})
}

func setupTestManager(t *testing.T) (*ConnectionManager, *device.Manager, *fakeDevice, *httptest.Server) {
	t.Helper()

	fake := newFakeDevice(t)
	cfg := &config.Config{
		Site: config.SiteConfig{
			Latitude:      40.0,
			Longitude:     -105.0,
			SocketTimeout: 2 * time.Second,
		},
		Devices: []config.DeviceConfig{
			{Name: "scope-1", Host: "127.0.0.1", Port: fake.port(), DeviceNum: 1},
		},
	}
	devices := device.NewManager(cfg, clockwork.NewRealClock())
	devices.StartAll()
	t.Cleanup(devices.StopAll)

	sess, err := devices.Session("scope-1")
	require.NoError(t, err)
	require.Eventually(t, sess.Connected, 5*time.Second, 10*time.Millisecond)

	manager := NewConnectionManager(devices, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	return manager, devices, fake, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, _, _, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManager_SubscribeConfirmed(t *testing.T) {
	manager, _, _, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "scope-1"})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "scope-1", msg["channel"])

	require.Eventually(t, func() bool {
		return manager.subscriberCount("scope-1") == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, manager.ActiveConnections())
}

func TestConnectionManager_SubscribeUnknownDevice(t *testing.T) {
	_, _, _, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "no-such-scope"})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.error", msg["type"])
	assert.Contains(t, msg["message"], "unknown channel")
}

func TestConnectionManager_EmptyChannelValidation(t *testing.T) {
	_, _, _, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe"})
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	// The connection survives the validation errors.
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg = readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_PingPong(t *testing.T) {
	_, _, _, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_LiveEventsReachSubscriber(t *testing.T) {
	manager, _, fake, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "scope-1"})
	readJSON(t, conn) // subscription.confirmed

	require.Eventually(t, func() bool {
		return manager.subscriberCount("scope-1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	fake.sendEvent("PlateSolve", "working")

	msg := readJSON(t, conn)
	assert.Equal(t, "PlateSolve", msg["Event"])
	assert.Equal(t, "working", msg["state"])
}

func TestConnectionManager_ReplayOnSubscribe(t *testing.T) {
	_, devices, fake, server := setupTestManager(t)

	// Events that arrive before anyone subscribes are buffered by the session.
	fake.sendEvent("AutoGoto", "start")
	fake.sendEvent("AutoGoto", "complete")

	sess, err := devices.Session("scope-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(sess.RecentEvents()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "scope-1"})
	readJSON(t, conn) // subscription.confirmed

	// Catch-up replay arrives oldest first, before any live traffic.
	first := readJSON(t, conn)
	second := readJSON(t, conn)
	assert.Equal(t, "AutoGoto", first["Event"])
	assert.Equal(t, "start", first["state"])
	assert.Equal(t, "complete", second["state"])
}

func TestConnectionManager_BroadcastToAllSubscribers(t *testing.T) {
	manager, _, fake, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1) // connection.established
	readJSON(t, conn2) // connection.established

	writeJSON(t, conn1, ClientMessage{Action: "subscribe", Channel: "scope-1"})
	readJSON(t, conn1) // subscription.confirmed
	writeJSON(t, conn2, ClientMessage{Action: "subscribe", Channel: "scope-1"})
	readJSON(t, conn2) // subscription.confirmed

	require.Eventually(t, func() bool {
		return manager.subscriberCount("scope-1") == 2
	}, 5*time.Second, 10*time.Millisecond)

	fake.sendEvent("Stack", "frame_complete")

	msg1 := readJSON(t, conn1)
	msg2 := readJSON(t, conn2)
	assert.Equal(t, "Stack", msg1["Event"])
	assert.Equal(t, "Stack", msg2["Event"])
}

func TestConnectionManager_UnsubscribeDetachesTap(t *testing.T) {
	manager, _, fake, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "scope-1"})
	readJSON(t, conn) // subscription.confirmed

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: "scope-1"})
	require.Eventually(t, func() bool {
		return manager.subscriberCount("scope-1") == 0
	}, 5*time.Second, 10*time.Millisecond)

	fake.sendEvent("Stack", "frame_complete")

	// Nothing should arrive after the unsubscribe.
	readCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err)
}

func TestConnectionManager_BroadcastToNonExistentChannel(t *testing.T) {
	manager, _, _, _ := setupTestManager(t)

	payload, _ := json.Marshal(map[string]string{"type": "test"})
	assert.NotPanics(t, func() {
		manager.Broadcast("nobody-listening", payload)
	})
}

func TestConnectionManager_CleanupOnDisconnect(t *testing.T) {
	manager, _, _, server := setupTestManager(t)

	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	_, _, err = conn.Read(ctx) // connection.established
	require.NoError(t, err)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "scope-1"})
	_, _, err = conn.Read(ctx) // subscription.confirmed
	require.NoError(t, err)
	assert.Equal(t, 1, manager.ActiveConnections())

	conn.Close(websocket.StatusNormalClosure, "")

	// Both the connection and its device tap are released.
	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return manager.subscriberCount("scope-1") == 0
	}, 5*time.Second, 10*time.Millisecond)
}

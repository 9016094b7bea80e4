package scheduler

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openastro/starbridge/pkg/config"
	"github.com/openastro/starbridge/pkg/device"
	"github.com/openastro/starbridge/pkg/protocol"
)

// testScope emulates the device control port: every request gets a code-0
// reply, with per-method overrides for tests that need richer behavior.
type testScope struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	conn     net.Conn
	requests []protocol.Request
	replies  map[string]func(req protocol.Request) []map[string]any
}

func newTestScope(t *testing.T) *testScope {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &testScope{
		t:       t,
		ln:      ln,
		replies: make(map[string]func(req protocol.Request) []map[string]any),
	}
	go f.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *testScope) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func (f *testScope) setReply(method string, fn func(req protocol.Request) []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = fn
}

func okReply(req protocol.Request) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  req.Method,
		"code":    0,
		"id":      req.ID,
		"result":  map[string]any{},
	}
}

// replyThenEvent answers the request and follows up with one event frame.
func replyThenEvent(event map[string]any) func(req protocol.Request) []map[string]any {
	return func(req protocol.Request) []map[string]any {
		return []map[string]any{okReply(req), event}
	}
}

func (f *testScope) acceptLoop() {
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

func (f *testScope) serve(conn net.Conn) {
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
			f.mu.Lock()
			f.requests = append(f.requests, req)
			fn := f.replies[req.Method]
			f.mu.Unlock()

			frames := []map[string]any{okReply(req)}
			if fn != nil {
				frames = fn(req)
			}
			for _, out := range frames {
				data, err := json.Marshal(out)
				require.NoError(f.t, err)
				f.mu.Lock()
				if f.conn != nil {
					_, _ = f.conn.Write(append(data, '\r', '\n'))
				}
				f.mu.Unlock()
			}
		}
	}
}

func (f *testScope) requestsFor(method string) []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Request
	for _, r := range f.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// soundsPlayed lists the play_sound tone numbers in order.
func (f *testScope) soundsPlayed() []int {
	var out []int
	for _, r := range f.requestsFor("play_sound") {
		if params, ok := r.Params.(map[string]any); ok {
			if num, ok := params["num"].(float64); ok {
				out = append(out, int(num))
			}
		}
	}
	return out
}

// fixedLocator stands in for IP geolocation.
type fixedLocator struct{ lat, lon float64 }

func (l fixedLocator) CurrentLocation(context.Context) (float64, float64, error) {
	return l.lat, l.lon, nil
}

// pumpedClock is a fake clock advanced continuously in the background, so
// plan sleeps pass in microseconds of real time.
func pumpedClock(t *testing.T) clockwork.Clock {
	t.Helper()
	fc := clockwork.NewFakeClock()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				fc.Advance(5 * time.Second)
				time.Sleep(time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() { close(stop) })
	return fc
}

func testConfig(name string, port int, eqMode bool) *config.Config {
	return &config.Config{
		Site: config.SiteConfig{
			Latitude:      40.0,
			Longitude:     -105.0,
			SocketTimeout: 2 * time.Second,
			ScopeAimLat:   60.0,
			ScopeAimLon:   20.0,
		},
		Imaging: config.ImagingConfig{
			ExpoStackMs:   10000,
			ExpoPreviewMs: 500,
			Gain:          80,
		},
		Devices: []config.DeviceConfig{
			{Name: name, Host: "127.0.0.1", Port: port, DeviceNum: 1, EQMode: eqMode},
		},
	}
}

// newTestScheduler wires a scheduler to a session watching the fake scope.
func newTestScheduler(t *testing.T, f *testScope, clock clockwork.Clock) *Scheduler {
	t.Helper()
	cfg := testConfig(t.Name(), f.port(), false)
	sess := device.NewSession(&cfg.Devices[0], cfg.Site, cfg.Imaging, clockwork.NewRealClock())
	sess.StartWatch()
	t.Cleanup(sess.EndWatch)
	require.Eventually(t, sess.Connected, 5*time.Second, 10*time.Millisecond)
	return New(sess, cfg, fixedLocator{48.85, 2.35}, clock)
}

// newOfflineScheduler builds a scheduler whose session never connects.
func newOfflineScheduler(t *testing.T) *Scheduler {
	t.Helper()
	cfg := testConfig(t.Name(), 1, false)
	sess := device.NewSession(&cfg.Devices[0], cfg.Site, cfg.Imaging, clockwork.NewRealClock())
	return New(sess, cfg, fixedLocator{48.85, 2.35}, clockwork.NewRealClock())
}

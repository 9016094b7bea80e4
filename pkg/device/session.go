// Package device implements the per-telescope Session: a supervised set of
// concurrent activities over one line-delimited JSON-RPC socket. A Session
// owns the transport (with reconnection), the dispatcher that correlates
// responses and fans out events, the heartbeat, the synchronous command API,
// and the goto controller with its below-horizon auto-center loop.
package device

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openastro/starbridge/pkg/config"
	"github.com/openastro/starbridge/pkg/protocol"
)

// Request ids start high so they never collide with the ids a UI might use
// when talking to the device directly.
const initialCommandID = 10000

// safeDecDegrees is the lower declination limit before the below-horizon
// offset logic kicks in, and the parking declination used when clearing it.
const safeDecDegrees = 10.0

// Custom goto (auto-center) lifecycle states.
const (
	customGotoStopped  = "stopped"
	customGotoStart    = "start"
	customGotoWorking  = "working"
	customGotoComplete = "complete"
	customGotoFail     = "fail"
	customGotoStopping = "stopping"
)

// Session is the control bridge for one physical device. All exported
// methods are safe for concurrent use.
type Session struct {
	name      string
	deviceNum int
	eqMode    bool
	imaging   config.ImagingConfig

	log   *slog.Logger
	clock clockwork.Clock
	conn  *transport

	cmdID    atomic.Int64
	watching atomic.Bool

	pending *pendingResponses
	ring    eventRing

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu            sync.RWMutex
	siteLatitude  float64
	siteLongitude float64
	ra            float64 // last known pointing, offset removed
	dec           float64
	viewState     map[string]any
	eventState    map[string]protocol.Event
	eventWaiters  map[string]chan struct{}
	subscribers   map[int]chan protocol.Event
	nextSubID     int

	// Horizon-offset and custom-goto state (§ goto controller).
	horizonOffset    float64
	belowHorizonGoto bool
	customGotoState  string
	curSolveRA       float64
	curSolveDec      float64
}

// NewSession builds a Session for one configured device. The session does
// not touch the network until StartWatch is called.
func NewSession(cfg *config.DeviceConfig, site config.SiteConfig, imaging config.ImagingConfig, clock clockwork.Clock) *Session {
	log := slog.With("device", cfg.Name)
	s := &Session{
		name:            cfg.Name,
		deviceNum:       cfg.DeviceNum,
		eqMode:          cfg.EQMode,
		imaging:         imaging,
		log:             log,
		clock:           clock,
		pending:         newPendingResponses(),
		stopCh:          make(chan struct{}),
		siteLatitude:    site.Latitude,
		siteLongitude:   site.Longitude,
		eventState:      make(map[string]protocol.Event),
		eventWaiters:    make(map[string]chan struct{}),
		subscribers:     make(map[int]chan protocol.Event),
		customGotoState: customGotoStopped,
		curSolveRA:      solveSentinel,
		curSolveDec:     solveSentinel,
	}
	s.cmdID.Store(initialCommandID)
	s.conn = newTransport(cfg.Host, cfg.Port, site.SocketTimeout, s.Watching, log)
	s.conn.onReconnect = func() { reconnects.WithLabelValues(cfg.Name).Inc() }
	return s
}

// Name returns the configured device name.
func (s *Session) Name() string { return s.name }

// DeviceNum returns the configured device number.
func (s *Session) DeviceNum() int { return s.deviceNum }

// EQMode reports whether the below-horizon workaround is enabled.
func (s *Session) EQMode() bool { return s.eqMode }

// Imaging returns the capture defaults for this device.
func (s *Session) Imaging() config.ImagingConfig { return s.imaging }

// Watching reports whether a closed socket should be reopened. When false,
// closure is final.
func (s *Session) Watching() bool { return s.watching.Load() }

// Connected reports the transport link state.
func (s *Session) Connected() bool { return s.conn.Connected() }

// StartWatch connects (best effort) and launches the receive and heartbeat
// loops. Idempotent: a watching session is left untouched. A failed initial
// connection is not fatal; the heartbeat keeps retrying.
func (s *Session) StartWatch() {
	if !s.watching.CompareAndSwap(false, true) {
		return
	}
	if err := s.conn.ConnectWithRetry(3); err != nil {
		s.log.Warn("Could not establish connection to device, starting in offline mode", "error", err)
	} else {
		s.log.Info("Connected to device")
	}

	s.wg.Add(2)
	go s.receiveLoop()
	go s.heartbeatLoop()
}

// EndWatch stops the loops and closes the socket.
func (s *Session) EndWatch() {
	if !s.watching.CompareAndSwap(true, false) {
		return
	}
	s.log.Info("Ending device watch")
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.conn.Disconnect()
	s.wg.Wait()
}

// nextCommandID returns a fresh strictly-increasing request id.
func (s *Session) nextCommandID() int64 {
	return s.cmdID.Add(1) - 1
}

// Coordinates returns the last known pointing with the horizon offset
// already removed.
func (s *Session) Coordinates() (ra, dec float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ra, s.dec
}

// SiteLatitude returns the configured or startup-resolved site latitude.
func (s *Session) SiteLatitude() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.siteLatitude
}

// SiteLocation returns the current site coordinates.
func (s *Session) SiteLocation() (lat, lon float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.siteLatitude, s.siteLongitude
}

// SetSiteLocation records the site coordinates applied during startup.
func (s *Session) SetSiteLocation(lat, lon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.siteLatitude, s.siteLongitude = lat, lon
}

// ViewState returns the latest device view state.
func (s *Session) ViewState() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewState
}

// HorizonOffset returns the current below-horizon declination offset.
func (s *Session) HorizonOffset() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.horizonOffset
}

// EventState returns the latest event recorded under name.
func (s *Session) EventState(name string) (protocol.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.eventState[name]
	return e, ok
}

// AllEventStates returns a shallow copy of the event-state map.
func (s *Session) AllEventStates() map[string]protocol.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]protocol.Event, len(s.eventState))
	for k, v := range s.eventState {
		out[k] = v
	}
	return out
}

// SeedEventState primes an event's state before an operation starts, so a
// terminal wait observes the fresh run rather than a stale completion.
func (s *Session) SeedEventState(name, state string) {
	s.setEventState(name, protocol.Event{"Event": name, "state": state})
}

func (s *Session) setEventState(name string, e protocol.Event) {
	s.mu.Lock()
	s.eventState[name] = e
	waiter, ok := s.eventWaiters[name]
	if ok {
		delete(s.eventWaiters, name)
	}
	s.mu.Unlock()
	if ok {
		close(waiter)
	}
}

// eventChanged returns a channel closed the next time the named event's
// state is replaced.
func (s *Session) eventChanged(name string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiter, ok := s.eventWaiters[name]
	if !ok {
		waiter = make(chan struct{})
		s.eventWaiters[name] = waiter
	}
	return waiter
}

// Subscribe registers a live event consumer. The returned channel is
// buffered; events are dropped for subscribers that fall behind.
func (s *Session) Subscribe() (id int, ch <-chan protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = s.nextSubID
	s.nextSubID++
	out := make(chan protocol.Event, 32)
	s.subscribers[id] = out
	return id, out
}

// Unsubscribe removes a consumer registered with Subscribe.
func (s *Session) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// PublishLocalEvent injects a locally generated pseudo-event (such as
// scheduler progress) into the same stream device events flow through, so
// stream consumers and state waiters see one unified feed.
func (s *Session) PublishLocalEvent(e protocol.Event) {
	name := e.Name()
	if name == "" {
		return
	}
	s.ring.Push(e)
	s.publish(e)
	s.setEventState(name, e)
}

// RecentEvents returns the buffered catch-up window, oldest first.
func (s *Session) RecentEvents() []protocol.Event {
	return s.ring.Snapshot()
}

// receiveLoop owns the socket read side: accumulate bytes, split frames,
// dispatch. Malformed JSON discards the rest of the current batch but keeps
// the splitter buffer intact for the next read.
func (s *Session) receiveLoop() {
	defer s.wg.Done()

	var splitter protocol.Splitter
	buf := make([]byte, protocol.ReadBufferSize)

	for s.watching.Load() {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			// Not connected and reconnect failed (or not watching);
			// wait for the heartbeat to restore the link.
			if !s.sleepInterruptible(time.Second) {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}

		splitter.Push(buf[:n])
		for {
			frame, ok := splitter.Next()
			if !ok {
				break
			}
			framesReceived.WithLabelValues(s.name).Inc()
			if err := s.handleFrame(frame); err != nil {
				framesMalformed.WithLabelValues(s.name).Inc()
				s.log.Error("Discarding malformed frame", "error", err)
				break
			}
		}
	}
}

// sleepInterruptible waits d or until EndWatch. Returns false on shutdown.
func (s *Session) sleepInterruptible(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-s.clock.After(d):
		return true
	}
}

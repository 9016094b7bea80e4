package device

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/openastro/starbridge/pkg/config"
)

// Manager owns the Session for every configured device.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds one Session per configured device. Sessions stay offline
// until StartAll.
func NewManager(cfg *config.Config, clock clockwork.Clock) *Manager {
	m := &Manager{sessions: make(map[string]*Session, len(cfg.Devices))}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		m.sessions[d.Name] = NewSession(d, cfg.Site, cfg.Imaging, clock)
	}
	return m
}

// Session looks up a device by name.
func (m *Manager) Session(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", name)
	}
	return s, nil
}

// Sessions returns all sessions in no particular order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// StartAll begins watching every device.
func (m *Manager) StartAll() {
	for _, s := range m.Sessions() {
		s.StartWatch()
	}
}

// StopAll ends every watch and waits for the loops to exit.
func (m *Manager) StopAll() {
	for _, s := range m.Sessions() {
		s.EndWatch()
	}
}

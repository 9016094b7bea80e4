package scheduler

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/openastro/starbridge/pkg/astro"
	"github.com/openastro/starbridge/pkg/config"
	"github.com/openastro/starbridge/pkg/device"
)

// Manager holds one Scheduler per configured device.
type Manager struct {
	mu         sync.RWMutex
	schedulers map[string]*Scheduler
}

// NewManager builds a Scheduler for every session the device manager owns.
func NewManager(devices *device.Manager, cfg *config.Config, locator astro.Locator, clock clockwork.Clock) *Manager {
	m := &Manager{schedulers: make(map[string]*Scheduler)}
	for _, s := range devices.Sessions() {
		m.schedulers[s.Name()] = New(s, cfg, locator, clock)
	}
	return m
}

// Scheduler looks up the scheduler for a device by name.
func (m *Manager) Scheduler(name string) (*Scheduler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.schedulers[name]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", name)
	}
	return sc, nil
}

package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/openastro/starbridge/pkg/astro"
	"github.com/openastro/starbridge/pkg/config"
	"github.com/openastro/starbridge/pkg/device"
)

// Stop result codes surfaced in the reply envelope.
const (
	CodeOK              = 0
	CodeBusy            = -1
	CodeNotRunning      = -3
	CodeAlreadyStopping = -4
)

// Schedule is the externally visible plan state.
type Schedule struct {
	ID            string  `json:"schedule_id"`
	State         State   `json:"state"`
	Items         []*Item `json:"list"`
	CurrentItemID string  `json:"current_item_id"`
	ItemNumber    int     `json:"item_number"`
}

// Scheduler owns the plan for one device. Edits are allowed while running,
// but only on items the runner has not reached yet.
type Scheduler struct {
	session *device.Session
	site    config.SiteConfig
	imaging config.ImagingConfig
	aimLat  float64
	aimLon  float64
	locator astro.Locator
	clock   clockwork.Clock
	log     *slog.Logger

	mu       sync.Mutex
	schedule Schedule
	runWG    sync.WaitGroup
}

// New builds an idle scheduler bound to one device session.
func New(s *device.Session, cfg *config.Config, locator astro.Locator, clock clockwork.Clock) *Scheduler {
	aimLat, aimLon := cfg.Site.ScopeAimLat, cfg.Site.ScopeAimLon
	if dev, err := cfg.Device(s.Name()); err == nil {
		aimLat, aimLon = cfg.AimPoint(dev)
	}
	return &Scheduler{
		session: s,
		site:    cfg.Site,
		imaging: cfg.Imaging,
		aimLat:  aimLat,
		aimLon:  aimLon,
		locator: locator,
		clock:   clock,
		log:     slog.With("device", s.Name(), "component", "scheduler"),
		schedule: Schedule{
			ID:    uuid.NewString(),
			State: StateStopped,
		},
	}
}

// Session exposes the underlying device session.
func (sc *Scheduler) Session() *device.Session { return sc.session }

// Snapshot returns a copy of the current schedule. An empty scheduleID
// matches any schedule; a non-empty mismatch returns nil, mirroring the
// device behavior of ignoring requests addressed to another plan.
func (sc *Scheduler) Snapshot(scheduleID string) *Schedule {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if scheduleID != "" && scheduleID != sc.schedule.ID {
		return nil
	}
	return sc.copyLocked()
}

func (sc *Scheduler) copyLocked() *Schedule {
	out := sc.schedule
	out.Items = make([]*Item, len(sc.schedule.Items))
	for i, it := range sc.schedule.Items {
		cp := *it
		out.Items[i] = &cp
	}
	return &out
}

// State returns the current lifecycle state.
func (sc *Scheduler) State() State {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.schedule.State
}

// Create resets the plan under a fresh (or caller-supplied) id. Rejected
// while the runner is active.
func (sc *Scheduler) Create(scheduleID string) (*Schedule, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.schedule.State == StateWorking {
		return nil, fmt.Errorf("scheduler is still active")
	}
	if sc.schedule.State == StateStopping {
		sc.schedule.State = StateStopped
	}
	if scheduleID == "" {
		scheduleID = uuid.NewString()
	}
	sc.schedule.ID = scheduleID
	sc.schedule.Items = nil
	sc.schedule.CurrentItemID = ""
	sc.schedule.ItemNumber = 0
	return sc.copyLocked(), nil
}

// Add appends an item to the plan.
func (sc *Scheduler) Add(action string, params map[string]any) (*Schedule, error) {
	item := newItem(action, params)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.schedule.Items = append(sc.schedule.Items, item)
	return sc.copyLocked(), nil
}

// InsertBefore places a new item ahead of the item with beforeID.
func (sc *Scheduler) InsertBefore(beforeID, action string, params map[string]any) (*Schedule, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.editableLocked(beforeID); err != nil {
		return nil, err
	}
	for i, it := range sc.schedule.Items {
		if it.ID == beforeID {
			item := newItem(action, params)
			sc.schedule.Items = append(sc.schedule.Items[:i],
				append([]*Item{item}, sc.schedule.Items[i:]...)...)
			return sc.copyLocked(), nil
		}
	}
	return nil, fmt.Errorf("schedule item %q not found", beforeID)
}

// Replace swaps the item with itemID for a new one.
func (sc *Scheduler) Replace(itemID, action string, params map[string]any) (*Schedule, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.editableLocked(itemID); err != nil {
		return nil, err
	}
	for i, it := range sc.schedule.Items {
		if it.ID == itemID {
			sc.schedule.Items[i] = newItem(action, params)
			return sc.copyLocked(), nil
		}
	}
	return nil, fmt.Errorf("schedule item %q not found", itemID)
}

// Remove deletes the item with itemID.
func (sc *Scheduler) Remove(itemID string) (*Schedule, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.editableLocked(itemID); err != nil {
		return nil, err
	}
	for i, it := range sc.schedule.Items {
		if it.ID == itemID {
			sc.schedule.Items = append(sc.schedule.Items[:i], sc.schedule.Items[i+1:]...)
			return sc.copyLocked(), nil
		}
	}
	return nil, fmt.Errorf("schedule item %q not found", itemID)
}

// editableLocked rejects edits targeting items the runner has already reached.
// While working, an item is frozen once the walk from the head encounters it
// at or before the currently executing item.
func (sc *Scheduler) editableLocked(targetID string) error {
	if sc.schedule.State != StateWorking {
		return nil
	}
	for _, it := range sc.schedule.Items {
		if it.ID == targetID {
			return fmt.Errorf("cannot modify a schedule item that has already been executed")
		}
		if it.ID == sc.schedule.CurrentItemID {
			return nil
		}
	}
	return nil
}

package scheduler

import (
	"github.com/openastro/starbridge/pkg/protocol"
)

// publishState emits a "scheduler" pseudo-event describing the plan and the
// currently executing item. Stream consumers receive it interleaved with
// real device events.
func (sc *Scheduler) publishState(action string, item *Item) {
	sc.mu.Lock()
	e := protocol.Event{
		"Event":       "scheduler",
		"schedule_id": sc.schedule.ID,
		"state":       string(sc.schedule.State),
		"item_number": sc.schedule.ItemNumber,
	}
	if item != nil {
		e["cur_scheduler_item"] = map[string]any{
			"schedule_item_id": item.ID,
			"type":             item.Action,
			"action":           action,
		}
	} else {
		e["cur_scheduler_item"] = map[string]any{"action": action}
	}
	sc.mu.Unlock()
	sc.session.PublishLocalEvent(e)
}

// publishItemProgress refreshes the pseudo-event with capture progress.
func (sc *Scheduler) publishItemProgress(item *Item, action string, extra map[string]any) {
	sc.mu.Lock()
	cur := map[string]any{
		"schedule_item_id": item.ID,
		"type":             item.Action,
		"action":           action,
	}
	for k, v := range extra {
		cur[k] = v
	}
	e := protocol.Event{
		"Event":              "scheduler",
		"schedule_id":        sc.schedule.ID,
		"state":              string(sc.schedule.State),
		"item_number":        sc.schedule.ItemNumber,
		"cur_scheduler_item": cur,
	}
	sc.mu.Unlock()
	sc.session.PublishLocalEvent(e)
}

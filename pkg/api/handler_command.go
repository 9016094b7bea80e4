package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/openastro/starbridge/pkg/astro"
	"github.com/openastro/starbridge/pkg/device"
	"github.com/openastro/starbridge/pkg/scheduler"
)

// CommandRequest is the body of POST /api/devices/:device/command.
type CommandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// envelope is the reply format shared by every command: the same shape the
// device uses for its own replies, so northbound clients handle one format.
func envelope(command string, code int, result any) map[string]any {
	return map[string]any{
		"jsonrpc":   "2.0",
		"TimeStamp": float64(time.Now().UnixNano()) / 1e9,
		"command":   command,
		"code":      code,
		"result":    result,
	}
}

// commandHandler handles POST /api/devices/:device/command. Known bridge
// commands (scheduling, goto, calibration) are handled here; anything else
// is forwarded to the device verbatim.
func (s *Server) commandHandler(c *echo.Context) error {
	deviceName := c.Param("device")
	sess, err := s.devices.Session(deviceName)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	sc, err := s.schedulers.Scheduler(deviceName)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Command == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command is required")
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	ctx := c.Request().Context()
	reply := s.dispatchCommand(ctx, sess, sc, &req)
	return c.JSON(http.StatusOK, reply)
}

func (s *Server) dispatchCommand(ctx context.Context, sess *device.Session, sc *scheduler.Scheduler, req *CommandRequest) map[string]any {
	cmd := req.Command
	p := req.Params

	switch cmd {
	case "start_up_sequence":
		code, err := sc.StartStartup(p)
		if err != nil {
			return envelope(cmd, code, err.Error())
		}
		return envelope(cmd, code, "Sequence started.")

	case "create_schedule":
		sched, err := sc.Create(stringParam(p, "schedule_id"))
		if err != nil {
			return envelope(cmd, scheduler.CodeBusy, err.Error())
		}
		return envelope(cmd, scheduler.CodeOK, sched)

	case "add_schedule_item":
		action := stringParam(p, "action")
		if action == "" {
			return envelope(cmd, scheduler.CodeBusy, "action is required")
		}
		sched, err := sc.Add(action, mapParam(p, "params"))
		if err != nil {
			return envelope(cmd, scheduler.CodeBusy, err.Error())
		}
		return envelope(cmd, scheduler.CodeOK, sched)

	case "insert_schedule_item_before":
		sched, err := sc.InsertBefore(stringParam(p, "before_id"), stringParam(p, "action"), mapParam(p, "params"))
		if err != nil {
			return envelope(cmd, scheduler.CodeBusy, err.Error())
		}
		return envelope(cmd, scheduler.CodeOK, sched)

	case "replace_schedule_item":
		sched, err := sc.Replace(stringParam(p, "item_id"), stringParam(p, "action"), mapParam(p, "params"))
		if err != nil {
			return envelope(cmd, scheduler.CodeBusy, err.Error())
		}
		return envelope(cmd, scheduler.CodeOK, sched)

	case "remove_schedule_item":
		sched, err := sc.Remove(stringParam(p, "schedule_item_id"))
		if err != nil {
			return envelope(cmd, scheduler.CodeBusy, err.Error())
		}
		return envelope(cmd, scheduler.CodeOK, sched)

	case "get_schedule":
		sched := sc.Snapshot(stringParam(p, "schedule_id"))
		if sched == nil {
			return envelope(cmd, scheduler.CodeOK, map[string]any{})
		}
		return envelope(cmd, scheduler.CodeOK, sched)

	case "start_scheduler":
		code, err := sc.Start(stringParam(p, "schedule_id"))
		if err != nil {
			return envelope(cmd, code, err.Error())
		}
		return envelope(cmd, code, sc.Snapshot(""))

	case "stop_scheduler":
		code, msg := sc.Stop(ctx, stringParam(p, "schedule_id"))
		return envelope(cmd, code, msg)

	case "start_mosaic":
		return s.startSingleItemPlan(ctx, sc, cmd, scheduler.ActionStartMosaic, p)

	case "start_spectra":
		return s.startSingleItemPlan(ctx, sc, cmd, scheduler.ActionStartSpectra, p)

	case "goto_target":
		gr := device.GotoRequest{
			TargetName: stringParam(p, "target_name"),
			RA:         p["ra"],
			Dec:        p["dec"],
			IsJ2000:    boolParam(p, "is_j2000"),
		}
		if err := sess.GotoTarget(ctx, gr); err != nil {
			return envelope(cmd, -1, err.Error())
		}
		return envelope(cmd, 0, "goto initiated")

	case "stop_goto_target":
		if err := sess.StopGoto(ctx); err != nil {
			return envelope(cmd, -1, err.Error())
		}
		return envelope(cmd, 0, "goto stopped")

	case "sync_target":
		if state := sc.State(); state != scheduler.StateStopped && state != scheduler.StateComplete {
			return envelope(cmd, -1, fmt.Sprintf("cannot sync target while scheduler is active: %s", state))
		}
		ra, dec, err := astro.ParseCoordinate(boolParam(p, "is_j2000"), p["ra"], p["dec"])
		if err != nil {
			return envelope(cmd, -1, err.Error())
		}
		if err := sess.SyncTo(ctx, ra, dec); err != nil {
			return envelope(cmd, -1, err.Error())
		}
		return envelope(cmd, 0, "sync complete")

	case "get_event_state":
		if name := stringParam(p, "event_name"); name != "" {
			e, ok := sess.EventState(name)
			if !ok {
				return envelope(cmd, 0, map[string]any{})
			}
			return envelope(cmd, 0, e)
		}
		return envelope(cmd, 0, sess.AllEventStates())

	case "adjust_mag_declination":
		result, err := sess.AdjustMagDeclination(ctx, boolParam(p, "adjust_mag_dec"), floatParam(p, "fudge_angle"))
		if err != nil {
			return envelope(cmd, -1, err.Error())
		}
		return envelope(cmd, 0, result)

	case "get_last_image":
		result, err := sess.GetLastImage(ctx)
		if err != nil {
			return envelope(cmd, -1, err.Error())
		}
		return envelope(cmd, 0, result)

	case "set_dew_heater":
		if err := sess.SetDewHeater(ctx, intParam(p, "heater")); err != nil {
			return envelope(cmd, -1, err.Error())
		}
		return envelope(cmd, 0, "dew heater set")

	default:
		// Raw device passthrough, preserving the device's own reply fields.
		resp, err := sess.RawCommand(ctx, cmd, paramsOrNil(p))
		if err != nil {
			return envelope(cmd, resp.Code, resp.Error)
		}
		return envelope(cmd, resp.Code, resp.Result)
	}
}

// startSingleItemPlan implements the one-shot capture commands: a fresh
// schedule holding just the capture item, started immediately.
func (s *Server) startSingleItemPlan(ctx context.Context, sc *scheduler.Scheduler, cmd, action string, p map[string]any) map[string]any {
	state := sc.State()
	if state != scheduler.StateStopped && state != scheduler.StateComplete {
		return envelope(cmd, scheduler.CodeBusy, "An existing schedule is active. Returned with no action.")
	}
	if _, err := sc.Create(""); err != nil {
		return envelope(cmd, scheduler.CodeBusy, err.Error())
	}
	if _, err := sc.Add(action, p); err != nil {
		return envelope(cmd, scheduler.CodeBusy, err.Error())
	}
	code, err := sc.Start("")
	if err != nil {
		return envelope(cmd, code, err.Error())
	}
	return envelope(cmd, code, sc.Snapshot(""))
}

func stringParam(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func boolParam(p map[string]any, key string) bool {
	v, _ := p[key].(bool)
	return v
}

func floatParam(p map[string]any, key string) float64 {
	v, _ := p[key].(float64)
	return v
}

func intParam(p map[string]any, key string) int {
	if v, ok := p[key].(float64); ok {
		return int(v)
	}
	return 0
}

func mapParam(p map[string]any, key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

func paramsOrNil(p map[string]any) any {
	if inner, ok := p["params"]; ok {
		return inner
	}
	if len(p) == 0 {
		return nil
	}
	return p
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rfidbridge/acquire"
	"rfidbridge/control"
	"rfidbridge/identity"
)

// Reply answers a control command.
type Reply struct {
	Action control.Action `json:"action"`
	Device string         `json:"device,omitempty"`
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Result any            `json:"result,omitempty"`
}

// handleControlJSON decodes, authenticates and runs one MQTT control
// message.
func (app *App) handleControlJSON(payload []byte) Reply {
	var cmd control.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Reply{Error: fmt.Sprintf("decode command: %v", err)}
	}
	if app.controlSecret == nil {
		return Reply{Action: cmd.Action, Device: cmd.Device, Error: "remote control disabled"}
	}
	if err := cmd.Verify(app.controlSecret, time.Now()); err != nil {
		app.log.Warn().Err(err).Str("action", string(cmd.Action)).Msg("rejected control command")
		return Reply{Action: cmd.Action, Device: cmd.Device, Error: err.Error()}
	}
	if err := cmd.Validate(); err != nil {
		return Reply{Action: cmd.Action, Device: cmd.Device, Error: err.Error()}
	}
	return app.dispatch(app.ctx, cmd)
}

// dispatch runs cmd against the orchestrator.
func (app *App) dispatch(ctx context.Context, cmd control.Command) Reply {
	reply := Reply{Action: cmd.Action, Device: cmd.Device}
	result, err := app.run(ctx, cmd)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	reply.Result = result
	return reply
}

func (app *App) run(ctx context.Context, cmd control.Command) (any, error) {
	switch cmd.Action {
	case control.ActionConnect:
		err := app.connect(ctx, cmd.Device)
		app.refreshIndicator()
		return nil, err

	case control.ActionDisconnect:
		err := app.orch.Disconnect(cmd.Device)
		app.refreshIndicator()
		return nil, err

	case control.ActionStart, control.ActionStop:
		err := app.forEachTarget(cmd.Device, func(id string) error {
			if cmd.Action == control.ActionStart {
				return app.orch.StartReading(id)
			}
			return app.orch.StopReading(id)
		})
		app.refreshIndicator()
		return nil, err

	case control.ActionTag:
		id := cmd.Device
		if id == "" {
			active := app.orch.Active()
			if len(active) != 1 {
				return nil, fmt.Errorf("tag: name a device, %d are connected", len(active))
			}
			id = active[0]
		}
		return nil, app.orch.Inject(id, cmd.Data)

	case control.ActionStatus:
		return statusResult{
			Devices: app.orch.Devices(),
			History: app.orch.History(),
		}, nil

	case control.ActionDiscover:
		res, err := app.discoverer.DiscoverAll(ctx)
		if err != nil {
			return nil, err
		}
		return res.Combined, nil

	case control.ActionReload:
		if app.resolver == nil {
			return nil, identity.ErrNoDirectory
		}
		return nil, app.resolver.Reload()
	}
	return nil, fmt.Errorf("unknown command: %s", cmd.Action)
}

type statusResult struct {
	Devices []acquire.Status    `json:"devices"`
	History []acquire.ReadEvent `json:"history"`
}

// forEachTarget applies fn to device, or to every active connection when
// device is empty or "all".
func (app *App) forEachTarget(device string, fn func(id string) error) error {
	if device != "" && device != control.AllDevices {
		return fn(device)
	}
	var errs []error
	for _, id := range app.orch.Active() {
		if err := fn(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

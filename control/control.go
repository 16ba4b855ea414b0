// Package control defines the remote commands a node accepts over its named
// pipe and MQTT control topic.
package control

import (
	"fmt"
	"strings"

	"rfidbridge/reader"
)

// Action is a control verb.
type Action string

const (
	ActionConnect    Action = "connect"
	ActionDisconnect Action = "disconnect"
	ActionStart      Action = "start"
	ActionStop       Action = "stop"
	ActionTag        Action = "tag"
	ActionStatus     Action = "status"
	ActionDiscover   Action = "discover"
	ActionReload     Action = "reload" // refresh the product directory
)

// AllDevices addresses every active connection in start and stop.
const AllDevices = "all"

// Command is one control request. Over MQTT it is sent as JSON.
type Command struct {
	Action Action `json:"action"`
	Device string `json:"device,omitempty"`
	Data   string `json:"data,omitempty"`

	// Remote commands are signed; see Sign.
	Timestamp uint64 `json:"timestamp,omitempty"` // unix seconds
	Signature string `json:"signature,omitempty"` // hex or base64 HMAC-SHA256
}

// Validate checks that the command carries what its action needs.
func (c Command) Validate() error {
	switch c.Action {
	case ActionConnect, ActionDisconnect:
		if c.Device == "" {
			return fmt.Errorf("%s requires a device id", c.Action)
		}
		if _, _, err := reader.ParseDeviceID(c.Device); err != nil {
			return err
		}
	case ActionStart, ActionStop:
		if c.Device != "" && c.Device != AllDevices {
			if _, _, err := reader.ParseDeviceID(c.Device); err != nil {
				return err
			}
		}
	case ActionTag:
		if c.Data == "" {
			return fmt.Errorf("tag requires data")
		}
	case ActionStatus, ActionDiscover, ActionReload:
	default:
		return fmt.Errorf("unknown command: %s", c.Action)
	}
	return nil
}

// ParseLine parses the text form of a command:
//
//	connect <device>
//	disconnect <device>
//	start [device|all]
//	stop [device|all]
//	tag [device] <chunk>
//	status
//	discover
//	reload
func ParseLine(line string) (Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}

	cmd := Command{Action: Action(strings.ToLower(parts[0]))}
	args := parts[1:]
	switch cmd.Action {
	case ActionConnect, ActionDisconnect:
		if len(args) < 1 {
			return Command{}, fmt.Errorf("%s requires a device id", cmd.Action)
		}
		cmd.Device = args[0]
	case ActionStart, ActionStop:
		if len(args) > 0 {
			cmd.Device = args[0]
		}
	case ActionTag:
		if len(args) == 0 {
			return Command{}, fmt.Errorf("tag requires data")
		}
		if len(args) > 1 {
			if _, _, err := reader.ParseDeviceID(args[0]); err == nil {
				cmd.Device, args = args[0], args[1:]
			}
		}
		cmd.Data = strings.Join(args, " ")
	}

	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

package server

import (
	"encoding/json"
	"fmt"

	"github.com/fleetcam/camsync/playback"
)

// WebsocketSubprotocolMagicV1 is the only viewer socket protocol version
const WebsocketSubprotocolMagicV1 = "vsync_v1"

// CommandOp is what a command asks the element to do
type CommandOp string

// CommandOp instances
const (
	CommandLoad   CommandOp = "load"
	CommandPlay   CommandOp = "play"
	CommandPause  CommandOp = "pause"
	CommandSeek   CommandOp = "seek"
	CommandRate   CommandOp = "rate"
	CommandMute   CommandOp = "mute"
	CommandDetach CommandOp = "detach"
)

// NewCommand builds a command carrying value encoded as JSON, nil for none
func NewCommand(index int, op CommandOp, value interface{}) (*CommandMessage, error) {
	cmd := &CommandMessage{Index: index, Op: op}
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s value: %w", op, err)
		}
		cmd.Value = b
	}
	return cmd, nil
}

// Float decodes the value of a seek or rate command
func (c *CommandMessage) Float() (float64, error) {
	var v float64
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return 0, fmt.Errorf("%s value: %w", c.Op, err)
	}
	return v, nil
}

// Bool decodes the value of a mute command
func (c *CommandMessage) Bool() (bool, error) {
	var v bool
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return false, fmt.Errorf("%s value: %w", c.Op, err)
	}
	return v, nil
}

// Source decodes the value of a load command
func (c *CommandMessage) Source() (playback.Source, error) {
	var v playback.Source
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return v, fmt.Errorf("%s value: %w", c.Op, err)
	}
	return v, nil
}

package server

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/fleetcam/camsync/alert"
	"github.com/fleetcam/camsync/playback"
)

// Message defines the viewer socket message format
type Message struct {
	Sender     string      `json:"-"`
	ReceivedAt time.Time   `json:"-"`
	Type       MessageType `json:"type"`
	Payload    interface{} `json:"payload"`
}

type receivedMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChannelInfo announces one channel of a viewer
type ChannelInfo struct {
	Index  int             `json:"index"`
	Source playback.Source `json:"source"`
}

type HelloMessage struct {
	ViewerID string        `json:"viewerID"`
	Channels []ChannelInfo `json:"channels"`
}

type PingMessage struct {
	Timestamp float64 `json:"sendtime"`
}

type PongMessage struct {
	Timestamp float64 `json:"sendtime"`
	SvcTime   float64 `json:"servicetime"`
}

// CommandMessage asks the client to act on the element of channel Index.
// Value depends on Op: a Source for load, seconds for seek, a rate for rate
// and a bool for mute.
type CommandMessage struct {
	Index int             `json:"index"`
	Seq   uint64          `json:"seq"`
	Op    CommandOp       `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ResultMessage answers a command that expects one (play)
type ResultMessage struct {
	Seq   uint64 `json:"seq"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// MediaMessage reports a native media event with the element state at that
// moment. Duration is null until the metadata is known.
type MediaMessage struct {
	Index       int                 `json:"index"`
	Event       playback.MediaEvent `json:"event"`
	CurrentTime float64             `json:"currentTime"`
	Duration    *float64            `json:"duration"`
	Paused      bool                `json:"paused"`
	Rate        float64             `json:"rate"`
}

// DurationValue returns Duration with null mapped to NaN
func (m *MediaMessage) DurationValue() float64 {
	if m.Duration == nil {
		return math.NaN()
	}
	return *m.Duration
}

type ReadyMessage struct {
	Index int `json:"index"`
}

type OffsetMessage struct {
	Offset float64 `json:"offset"`
}

type AlertMessage struct {
	ID   string     `json:"id"`
	Kind alert.Kind `json:"kind"`
	At   time.Time  `json:"at"`
}

// MessageType is type of message
type MessageType string

// MessageType instances
const (
	MessageTypeHello   MessageType = "hello"
	MessageTypePing    MessageType = "ping"
	MessageTypePong    MessageType = "pong"
	MessageTypeCommand MessageType = "command"
	MessageTypeResult  MessageType = "result"
	MessageTypeMedia   MessageType = "media"
	MessageTypeReady   MessageType = "ready"
	MessageTypeOffset  MessageType = "offset"
	MessageTypeAlert   MessageType = "alert"
)

// Serialise a Message to its wire format as []byte
func (m *Message) Serialise() ([]byte, error) {
	return json.Marshal(m)
}

// Deserialise a Message stored in data in its wire format back to a struct
// and store it to the value pointed to by m
func Deserialise(data []byte, m *Message) error {
	var rm receivedMessage

	err := json.Unmarshal(data, &rm)
	if err != nil {
		return err
	}

	m.ReceivedAt = time.Now()
	m.Type = rm.Type

	switch m.Type {
	case MessageTypeHello:
		var p HelloMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypePing:
		var p PingMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypePong:
		var p PongMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeCommand:
		var p CommandMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeResult:
		var p ResultMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeMedia:
		var p MediaMessage
		err = json.Unmarshal(rm.Payload, &p)
		if err == nil && !p.Event.Valid() {
			err = fmt.Errorf("unknown media event %q", p.Event)
		}
		m.Payload = &p
	case MessageTypeReady:
		var p ReadyMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeOffset:
		var p OffsetMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	case MessageTypeAlert:
		var p AlertMessage
		err = json.Unmarshal(rm.Payload, &p)
		m.Payload = &p
	default:
		return fmt.Errorf("unknown message type %q", rm.Type)
	}
	return err
}

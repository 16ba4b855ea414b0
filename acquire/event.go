package acquire

import (
	"time"

	"rfidbridge/identity"
)

// EventType names what happened on a connection.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventData         EventType = "data"
	EventError        EventType = "error"
)

// Event is delivered on Orchestrator.Events.
type Event struct {
	Type    EventType
	Device  string
	Session string
	Time    time.Time
	Read    *ReadEvent // EventData only
	Err     error      // EventError, and EventDisconnected after a fault
}

// ReadEvent is one surviving tag read. The embedded product fields are
// present when the directory knew the tag.
type ReadEvent struct {
	EPC         string    `json:"epc"`
	EPCDecimal  string    `json:"epcDecimal"`
	Barcode     string    `json:"barcode"`
	OrderNumber string    `json:"orderNumber"`
	Timestamp   time.Time `json:"timestamp"`
	Device      string    `json:"device,omitempty"`
	Error       string    `json:"error,omitempty"` // enrichment failure, the read itself is good

	*identity.ProductRecord
}

// State is a connection's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReading
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReading:
		return "reading"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// MarshalText lets State appear by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a snapshot of one connection.
type Status struct {
	Device  string    `json:"device"`
	Name    string    `json:"name,omitempty"`
	State   State     `json:"state"`
	Session string    `json:"session"`
	Since   time.Time `json:"since"`
}

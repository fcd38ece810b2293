package session

import "github.com/Seednode/whoisit/internal/packet"

// Status is the connection state of a session.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// EventKind tells subscribers what happened on the channel.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventData
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is delivered on Manager.Events in the order it happened.
type Event struct {
	Kind     EventKind
	RemoteID string
	Packet   packet.Packet // EventData only
}

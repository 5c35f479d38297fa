// Package protocol defines the websocket event surface shared by the
// gateway, the room broadcaster and the execution session manager.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of wire events. Inbound payloads are parsed
// into one of these and dispatched by exhaustive switch, so adding a kind
// is a compile-time-visible change.
type EventKind int

const (
	KindUnknown EventKind = iota

	// Client -> server.
	KindJoin
	KindCodeChange
	KindSyncCode
	KindProgramInput

	// Server -> client.
	KindConnected
	KindJoined
	KindRequestCodeSync
	KindCodeChangeOut
	KindSyncCodeOut
	KindDisconnected
	KindProgramOutput
)

// Wire names. KindCodeChange/KindCodeChangeOut and KindSyncCode/KindSyncCodeOut
// share a name; direction disambiguates them.
const (
	EventJoin            = "join"
	EventJoined          = "joined"
	EventRequestCodeSync = "request-code-sync"
	EventSyncCode        = "sync-code"
	EventCodeChange      = "code-change"
	EventDisconnected    = "disconnected"
	EventProgramInput    = "program-input"
	EventProgramOutput   = "program-output"
	EventConnected       = "connected"
)

// ParseKind maps an inbound wire name to its EventKind.
func ParseKind(name string) (EventKind, error) {
	switch name {
	case EventJoin:
		return KindJoin, nil
	case EventCodeChange:
		return KindCodeChange, nil
	case EventSyncCode:
		return KindSyncCode, nil
	case EventProgramInput:
		return KindProgramInput, nil
	default:
		return KindUnknown, fmt.Errorf("unknown event %q", name)
	}
}

// Envelope is the wire framing for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an outbound envelope. Marshal failures
// are programmer errors (all payload types below are marshalable), so it
// panics rather than returning an error every caller would ignore.
func NewEnvelope(event string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", event, err))
	}
	return Envelope{Event: event, Data: data}
}

// Member identifies one participant of a room as seen by clients.
type Member struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// JoinPayload is sent by a client to enter a room.
type JoinPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// JoinedPayload announces a new member to everyone in the room, including
// the member itself (which uses Clients as its initial roster).
type JoinedPayload struct {
	Clients  []Member `json:"clients"`
	Username string   `json:"username"`
	SocketID string   `json:"socketId"`
	Language string   `json:"language,omitempty"` // room's last-run language, if any
}

// RequestCodeSyncPayload asks one existing member to push the current code
// to the connection identified by SocketID.
type RequestCodeSyncPayload struct {
	SocketID string `json:"socketId"`
}

// SyncCodePayload answers a resync request. Inbound it carries the target
// socket id; outbound only the code is relayed.
type SyncCodePayload struct {
	Code     string `json:"code"`
	SocketID string `json:"socketId,omitempty"`
}

// CodeChangePayload carries an edit. Inbound it names the room; outbound
// the room is implicit.
type CodeChangePayload struct {
	RoomID string `json:"roomId,omitempty"`
	Code   string `json:"code"`
}

// DisconnectedPayload notifies remaining members that a connection left.
type DisconnectedPayload struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// ProgramInputPayload feeds the sender's running program.
type ProgramInputPayload struct {
	Text string `json:"text"`
}

// ProgramOutputPayload carries one chunk of program output to the run's
// owner. Stream is "stdout"/"stderr" only when stream tagging is enabled.
type ProgramOutputPayload struct {
	Output string `json:"output"`
	Stream string `json:"stream,omitempty"`
}

// ConnectedPayload tells a client the id the server assigned to its link.
type ConnectedPayload struct {
	SocketID string `json:"socketId"`
}

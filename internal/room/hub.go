// Package room tracks which connections share an editing room and fans
// the collaboration events out between them.
package room

import (
	"sync"

	"github.com/rs/zerolog/log"

	"codebridge/internal/monitor"
	"codebridge/internal/protocol"
)

// Sender delivers one envelope to one connection. Delivery is best
// effort; sending to an unknown or closed connection is a no-op.
type Sender interface {
	Send(connID string, env protocol.Envelope)
}

// state is one live room. Members keep join order: the oldest member is
// the sync source for late joiners.
type state struct {
	members  []protocol.Member
	language string
}

// Hub is the room broadcaster. All mutations happen under one lock;
// sends are non-blocking so holding it across a fan-out is safe and
// keeps per-room event order intact.
type Hub struct {
	sender  Sender
	metrics *monitor.Metrics

	mu          sync.Mutex
	rooms       map[string]*state
	memberships map[string]map[string]string // connID -> roomID -> username
}

func NewHub(sender Sender, metrics *monitor.Metrics) *Hub {
	return &Hub{
		sender:      sender,
		metrics:     metrics,
		rooms:       make(map[string]*state),
		memberships: make(map[string]map[string]string),
	}
}

// Join adds a connection to a room, announces the new roster to every
// member, and asks exactly one existing member (the oldest) to push its
// buffer to the joiner. Joining a room twice refreshes the username but
// adds no duplicate roster entry.
func (h *Hub) Join(roomID, connID, username string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = &state{}
		h.rooms[roomID] = r
		if h.metrics != nil {
			h.metrics.ActiveRooms.Inc()
		}
	}

	existing := len(r.members)
	if i := memberIndex(r.members, connID); i >= 0 {
		existing-- // rejoin, not a new peer
		r.members[i].Username = username
	} else {
		r.members = append(r.members, protocol.Member{SocketID: connID, Username: username})
	}

	rooms := h.memberships[connID]
	if rooms == nil {
		rooms = make(map[string]string)
		h.memberships[connID] = rooms
	}
	rooms[roomID] = username

	log.Debug().
		Str("room_id", roomID).
		Str("conn_id", connID).
		Str("username", username).
		Int("members", len(r.members)).
		Msg("member joined room")

	roster := make([]protocol.Member, len(r.members))
	copy(roster, r.members)
	joined := protocol.NewEnvelope(protocol.EventJoined, protocol.JoinedPayload{
		Clients:  roster,
		Username: username,
		SocketID: connID,
		Language: r.language,
	})
	for _, m := range r.members {
		h.sender.Send(m.SocketID, joined)
	}

	if existing > 0 {
		// One sync source, not a broadcast: every extra responder
		// would race its stale buffer against the canonical one.
		source := r.members[0]
		if source.SocketID == connID {
			source = r.members[1]
		}
		h.sender.Send(source.SocketID, protocol.NewEnvelope(
			protocol.EventRequestCodeSync,
			protocol.RequestCodeSyncPayload{SocketID: connID},
		))
	}
}

// BroadcastCodeChange relays an edit to every room member except its
// author.
func (h *Hub) BroadcastCodeChange(roomID, senderID, code string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	env := protocol.NewEnvelope(protocol.EventCodeChange, protocol.CodeChangePayload{Code: code})
	for _, m := range r.members {
		if m.SocketID == senderID {
			continue
		}
		h.sender.Send(m.SocketID, env)
	}
}

// RelaySync delivers a buffer snapshot point-to-point to the connection
// that needs it.
func (h *Hub) RelaySync(targetID, code string) {
	h.sender.Send(targetID, protocol.NewEnvelope(
		protocol.EventSyncCode,
		protocol.SyncCodePayload{Code: code},
	))
}

// Leave removes a connection from every room it joined and tells each
// remaining member. Emptied rooms are dropped.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := h.memberships[connID]
	if rooms == nil {
		return
	}
	delete(h.memberships, connID)

	for roomID, username := range rooms {
		r, ok := h.rooms[roomID]
		if !ok {
			continue
		}
		if i := memberIndex(r.members, connID); i >= 0 {
			r.members = append(r.members[:i], r.members[i+1:]...)
		}
		if len(r.members) == 0 {
			delete(h.rooms, roomID)
			if h.metrics != nil {
				h.metrics.ActiveRooms.Dec()
			}
			continue
		}
		env := protocol.NewEnvelope(protocol.EventDisconnected, protocol.DisconnectedPayload{
			SocketID: connID,
			Username: username,
		})
		for _, m := range r.members {
			h.sender.Send(m.SocketID, env)
		}
	}
}

// SetLanguage records the room's selected language so late joiners can
// pick it up alongside the code buffer.
func (h *Hub) SetLanguage(roomID, language string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		r.language = language
	}
}

// SetLanguageForConn records language as the last-run language of every
// room the connection belongs to. Wired to run launches: the language a
// member actually executed with is the room's best default.
func (h *Hub) SetLanguageForConn(connID, language string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range h.memberships[connID] {
		if r, ok := h.rooms[roomID]; ok {
			r.language = language
		}
	}
}

// Language returns the room's selected language, "" when unset or the
// room does not exist.
func (h *Hub) Language(roomID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r.language
	}
	return ""
}

// Members returns a snapshot of the room roster in join order.
func (h *Hub) Members(roomID string) []protocol.Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]protocol.Member, len(r.members))
	copy(out, r.members)
	return out
}

func memberIndex(members []protocol.Member, connID string) int {
	for i, m := range members {
		if m.SocketID == connID {
			return i
		}
	}
	return -1
}

// Package gateway owns the websocket side of the server: one Conn per
// client link, inbound event dispatch, and outbound delivery for the
// room broadcaster and the execution session manager.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"codebridge/internal/monitor"
	"codebridge/internal/protocol"
	"codebridge/internal/room"
	"codebridge/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // generous: code buffers ride this link
	sendBuffer     = 256
)

// Conn is one client link. Outbound traffic is serialized through the
// send channel; the write pump is its only writer.
type Conn struct {
	ID string

	ws   *websocket.Conn
	send chan protocol.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// Gateway upgrades websocket requests and routes events between
// connections, rooms and execution sessions.
type Gateway struct {
	sessions *session.Manager
	metrics  *monitor.Metrics
	upgrader websocket.Upgrader

	hub *room.Hub

	mu    sync.RWMutex
	conns map[string]*Conn
}

func New(sessions *session.Manager, metrics *monitor.Metrics) *Gateway {
	g := &Gateway{
		sessions: sessions,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client is served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
	sessions.OnOutput = g.pushProgramOutput
	sessions.OwnerAlive = g.IsConnected
	sessions.OnTerminal = func(connID string, status session.Status) {
		log.Debug().Str("conn_id", connID).Str("status", string(status)).Msg("run reached terminal")
	}
	return g
}

// SetHub wires the room broadcaster. Must be called before ServeWS;
// split from New because the hub needs the gateway as its Sender.
func (g *Gateway) SetHub(hub *room.Hub) { g.hub = hub }

// ServeWS upgrades the request and runs the connection until the peer
// goes away. Teardown order matters: room members learn about the
// departure before the sandbox is reaped, so the roster update is never
// delayed behind a container kill.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Conn{
		ID:   uuid.New().String(),
		ws:   ws,
		send: make(chan protocol.Envelope, sendBuffer),
		done: make(chan struct{}),
	}

	g.mu.Lock()
	g.conns[c.ID] = c
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ActiveConnections.Inc()
	}
	log.Info().Str("conn_id", c.ID).Str("remote", r.RemoteAddr).Msg("client connected")

	go g.writePump(c)

	// The client needs its server-assigned id before it can join a room.
	g.Send(c.ID, protocol.NewEnvelope(protocol.EventConnected, protocol.ConnectedPayload{SocketID: c.ID}))

	g.readLoop(c)

	// Drop the registry entry first so the id stops being live before
	// the room and session teardown run.
	g.mu.Lock()
	delete(g.conns, c.ID)
	g.mu.Unlock()

	g.hub.Leave(c.ID)
	g.sessions.Terminate(c.ID)

	c.close()
	if g.metrics != nil {
		g.metrics.ActiveConnections.Dec()
	}
	log.Info().Str("conn_id", c.ID).Msg("client disconnected")
}

// Send queues an envelope for one connection. Unknown connections and
// full buffers drop the event; a client that can't drain its output
// must not stall the room or the sandbox pump.
func (g *Gateway) Send(connID string, env protocol.Envelope) {
	g.mu.RLock()
	c := g.conns[connID]
	g.mu.RUnlock()
	if c == nil {
		return
	}
	select {
	case c.send <- env:
		if g.metrics != nil {
			g.metrics.RecordWSMessage(env.Event, "out")
		}
	case <-c.done:
	default:
		log.Warn().Str("conn_id", connID).Str("event", env.Event).Msg("send buffer full, dropping event")
	}
}

// ConnectionCount reports the number of live links.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// IsConnected reports whether connID is a live link. The session manager
// consults this before launching so a forged or stale socket id can't
// start an ownerless sandbox.
func (g *Gateway) IsConnected(connID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[connID]
	return ok
}

func (g *Gateway) pushProgramOutput(connID, text, stream string) {
	g.Send(connID, protocol.NewEnvelope(protocol.EventProgramOutput, protocol.ProgramOutputPayload{
		Output: text,
		Stream: stream,
	}))
}

func (g *Gateway) readLoop(c *Conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("conn_id", c.ID).Msg("websocket read error")
			}
			return
		}
		g.dispatch(c, env)
	}
}

// dispatch routes one inbound event. The kind switch is exhaustive over
// the client->server surface; unknown events are logged and dropped.
func (g *Gateway) dispatch(c *Conn, env protocol.Envelope) {
	kind, err := protocol.ParseKind(env.Event)
	if err != nil {
		log.Warn().Str("conn_id", c.ID).Str("event", env.Event).Msg("dropping unknown event")
		return
	}
	if g.metrics != nil {
		g.metrics.RecordWSMessage(env.Event, "in")
	}

	switch kind {
	case protocol.KindJoin:
		var p protocol.JoinPayload
		if !decode(c, env, &p) {
			return
		}
		if p.RoomID == "" || p.Username == "" {
			log.Warn().Str("conn_id", c.ID).Msg("join without room or username")
			return
		}
		g.hub.Join(p.RoomID, c.ID, p.Username)

	case protocol.KindCodeChange:
		var p protocol.CodeChangePayload
		if !decode(c, env, &p) {
			return
		}
		if p.RoomID == "" {
			return
		}
		g.hub.BroadcastCodeChange(p.RoomID, c.ID, p.Code)

	case protocol.KindSyncCode:
		var p protocol.SyncCodePayload
		if !decode(c, env, &p) {
			return
		}
		if p.SocketID == "" {
			return
		}
		g.hub.RelaySync(p.SocketID, p.Code)

	case protocol.KindProgramInput:
		var p protocol.ProgramInputPayload
		if !decode(c, env, &p) {
			return
		}
		g.sessions.ForwardInput(c.ID, p.Text)

	default:
		// ParseKind only yields the inbound kinds above.
	}
}

func (g *Gateway) writePump(c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func decode(c *Conn, env protocol.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Warn().Err(err).Str("conn_id", c.ID).Str("event", env.Event).Msg("malformed payload")
		return false
	}
	return true
}

package room

import (
	"encoding/json"
	"sync"
	"testing"

	"codebridge/internal/monitor"
	"codebridge/internal/protocol"
)

type sentEvent struct {
	connID string
	env    protocol.Envelope
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (s *fakeSender) Send(connID string, env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentEvent{connID: connID, env: env})
}

func (s *fakeSender) byEvent(event string) []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEvent
	for _, e := range s.sent {
		if e.env.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decoding %s payload: %v", env.Event, err)
	}
	return v
}

func newTestHub() (*Hub, *fakeSender) {
	sender := &fakeSender{}
	return NewHub(sender, monitor.NewMetrics()), sender
}

func TestJoinFirstMember(t *testing.T) {
	hub, sender := newTestHub()

	hub.Join("room-1", "c1", "ada")

	joined := sender.byEvent(protocol.EventJoined)
	if len(joined) != 1 || joined[0].connID != "c1" {
		t.Fatalf("joined events = %+v, want one to c1", joined)
	}
	payload := decode[protocol.JoinedPayload](t, joined[0].env)
	if len(payload.Clients) != 1 || payload.Clients[0].SocketID != "c1" {
		t.Fatalf("roster = %+v", payload.Clients)
	}
	if syncs := sender.byEvent(protocol.EventRequestCodeSync); len(syncs) != 0 {
		t.Fatalf("no resync source exists, got %d requests", len(syncs))
	}
}

func TestJoinSecondMemberRequestsSyncFromOldest(t *testing.T) {
	hub, sender := newTestHub()
	hub.Join("room-1", "c1", "ada")
	hub.Join("room-1", "c2", "grace")
	sender.reset()

	hub.Join("room-1", "c3", "edsger")

	joined := sender.byEvent(protocol.EventJoined)
	if len(joined) != 3 {
		t.Fatalf("joined fan-out = %d, want all 3 members", len(joined))
	}
	for _, e := range joined {
		p := decode[protocol.JoinedPayload](t, e.env)
		if len(p.Clients) != 3 || p.Username != "edsger" || p.SocketID != "c3" {
			t.Fatalf("joined payload = %+v", p)
		}
	}

	syncs := sender.byEvent(protocol.EventRequestCodeSync)
	if len(syncs) != 1 {
		t.Fatalf("resync requests = %d, want exactly one", len(syncs))
	}
	if syncs[0].connID != "c1" {
		t.Fatalf("resync source = %s, want oldest member c1", syncs[0].connID)
	}
	p := decode[protocol.RequestCodeSyncPayload](t, syncs[0].env)
	if p.SocketID != "c3" {
		t.Fatalf("resync target = %s, want c3", p.SocketID)
	}
}

func TestRejoinDoesNotDuplicateRoster(t *testing.T) {
	hub, sender := newTestHub()
	hub.Join("room-1", "c1", "ada")
	sender.reset()

	hub.Join("room-1", "c1", "ada-renamed")

	members := hub.Members("room-1")
	if len(members) != 1 {
		t.Fatalf("roster = %+v, want single entry", members)
	}
	if members[0].Username != "ada-renamed" {
		t.Fatalf("username = %s, rejoin should refresh it", members[0].Username)
	}
	if syncs := sender.byEvent(protocol.EventRequestCodeSync); len(syncs) != 0 {
		t.Fatal("rejoin must not trigger a resync request")
	}
}

func TestBroadcastCodeChangeExcludesSender(t *testing.T) {
	hub, sender := newTestHub()
	hub.Join("room-1", "c1", "ada")
	hub.Join("room-1", "c2", "grace")
	hub.Join("room-1", "c3", "edsger")
	sender.reset()

	hub.BroadcastCodeChange("room-1", "c2", "print(42)")

	changes := sender.byEvent(protocol.EventCodeChange)
	if len(changes) != 2 {
		t.Fatalf("code-change fan-out = %d, want 2", len(changes))
	}
	for _, e := range changes {
		if e.connID == "c2" {
			t.Fatal("author received its own edit")
		}
		p := decode[protocol.CodeChangePayload](t, e.env)
		if p.Code != "print(42)" {
			t.Fatalf("code = %q", p.Code)
		}
	}
}

func TestRelaySyncIsPointToPoint(t *testing.T) {
	hub, sender := newTestHub()
	hub.Join("room-1", "c1", "ada")
	hub.Join("room-1", "c2", "grace")
	sender.reset()

	hub.RelaySync("c2", "buffer contents")

	syncs := sender.byEvent(protocol.EventSyncCode)
	if len(syncs) != 1 || syncs[0].connID != "c2" {
		t.Fatalf("sync-code = %+v, want one to c2", syncs)
	}
	p := decode[protocol.SyncCodePayload](t, syncs[0].env)
	if p.Code != "buffer contents" {
		t.Fatalf("code = %q", p.Code)
	}
}

func TestLeaveNotifiesRemainingAndDropsEmptyRooms(t *testing.T) {
	hub, sender := newTestHub()
	hub.Join("room-1", "c1", "ada")
	hub.Join("room-1", "c2", "grace")
	sender.reset()

	hub.Leave("c1")

	notes := sender.byEvent(protocol.EventDisconnected)
	if len(notes) != 1 || notes[0].connID != "c2" {
		t.Fatalf("disconnected = %+v, want one to c2", notes)
	}
	p := decode[protocol.DisconnectedPayload](t, notes[0].env)
	if p.SocketID != "c1" || p.Username != "ada" {
		t.Fatalf("payload = %+v", p)
	}

	sender.reset()
	hub.Leave("c2")
	if notes := sender.byEvent(protocol.EventDisconnected); len(notes) != 0 {
		t.Fatal("last member leaving should notify nobody")
	}
	if members := hub.Members("room-1"); members != nil {
		t.Fatalf("room survived emptying: %+v", members)
	}

	// Leaving again is a no-op.
	hub.Leave("c2")
}

func TestRoomLanguage(t *testing.T) {
	hub, _ := newTestHub()
	hub.Join("room-1", "c1", "ada")

	if got := hub.Language("room-1"); got != "" {
		t.Fatalf("unset language = %q", got)
	}
	hub.SetLanguage("room-1", "java")
	if got := hub.Language("room-1"); got != "java" {
		t.Fatalf("language = %q, want java", got)
	}
	if got := hub.Language("no-such-room"); got != "" {
		t.Fatalf("missing room language = %q", got)
	}
}

func TestSetLanguageForConn(t *testing.T) {
	hub, sender := newTestHub()
	hub.Join("room-1", "c1", "ada")
	hub.Join("room-2", "c1", "ada")
	hub.Join("room-1", "c2", "grace")

	hub.SetLanguageForConn("c1", "cpp")

	if got := hub.Language("room-1"); got != "cpp" {
		t.Fatalf("room-1 language = %q", got)
	}
	if got := hub.Language("room-2"); got != "cpp" {
		t.Fatalf("room-2 language = %q", got)
	}

	// Late joiners learn the room's last-run language.
	sender.reset()
	hub.Join("room-1", "c3", "edsger")
	joined := sender.byEvent(protocol.EventJoined)
	if len(joined) == 0 {
		t.Fatal("no joined events")
	}
	p := decode[protocol.JoinedPayload](t, joined[0].env)
	if p.Language != "cpp" {
		t.Fatalf("joined language = %q, want cpp", p.Language)
	}

	// A connection in no rooms is a no-op.
	hub.SetLanguageForConn("ghost", "java")
}

package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseKind(t *testing.T) {
	inbound := map[string]EventKind{
		EventJoin:         KindJoin,
		EventCodeChange:   KindCodeChange,
		EventSyncCode:     KindSyncCode,
		EventProgramInput: KindProgramInput,
	}
	for name, want := range inbound {
		kind, err := ParseKind(name)
		if err != nil || kind != want {
			t.Errorf("ParseKind(%q) = %v, %v", name, kind, err)
		}
	}

	// Server->client names are not valid inbound events.
	for _, name := range []string{EventJoined, EventProgramOutput, EventConnected, "bogus", ""} {
		if _, err := ParseKind(name); err == nil {
			t.Errorf("ParseKind(%q) accepted an outbound or unknown event", name)
		}
	}
}

func TestNewEnvelopeWireShape(t *testing.T) {
	env := NewEnvelope(EventJoined, JoinedPayload{
		Clients:  []Member{{SocketID: "c1", Username: "ada"}},
		Username: "ada",
		SocketID: "c1",
	})

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Event string `json:"event"`
		Data  struct {
			Clients  []Member `json:"clients"`
			SocketID string   `json:"socketId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Event != EventJoined || decoded.Data.SocketID != "c1" || len(decoded.Data.Clients) != 1 {
		t.Fatalf("wire form = %s", raw)
	}
}

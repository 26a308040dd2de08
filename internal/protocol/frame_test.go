package protocol

import "testing"

func TestParseInClassifiesKnownEvents(t *testing.T) {
	cases := []struct {
		raw  string
		want InKind
	}{
		{`{"event":"subscribe","channel":"orders"}`, Subscribe},
		{`{"event":"unsubscribe","channel":"orders"}`, Unsubscribe},
		{`{"event":"batch_subscribe","channels":["a","b"]}`, BatchSubscribe},
		{`{"event":"batch_unsubscribe","channels":["a","b"]}`, BatchUnsubscribe},
		{`{"event":"ping"}`, Ping},
		{`{"event":"heartbeat"}`, Heartbeat},
		{`{"event":"presence_heartbeat"}`, Heartbeat},
		{`{"event":"ack","messageId":"m1"}`, Ack},
		{`{"event":"client-typing","channel":"private-room","data":{}}`, ClientEvent},
		{`{"event":"something-else"}`, Unknown},
	}

	for _, c := range cases {
		f, err := ParseIn([]byte(c.raw))
		if err != nil {
			t.Fatalf("ParseIn(%q) unexpected error: %v", c.raw, err)
		}
		if f.Kind != c.want {
			t.Errorf("ParseIn(%q) = kind %v, want %v", c.raw, f.Kind, c.want)
		}
	}
}

func TestParseInRejectsMissingEvent(t *testing.T) {
	_, err := ParseIn([]byte(`{"channel":"orders"}`))
	if err == nil {
		t.Fatal("expected error for frame missing event field")
	}
}

func TestParseInRejectsMalformedJSON(t *testing.T) {
	_, err := ParseIn([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestRenderProducesValidJSON(t *testing.T) {
	out := Out{Event: "pong"}
	b, err := Render(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != `{"event":"pong"}` {
		t.Fatalf("unexpected rendering: %s", b)
	}
}

func TestRenderIncludesPresenceData(t *testing.T) {
	out := Out{
		Event:   "subscription_succeeded",
		Channel: "presence-lobby",
		Data: PresenceData{Presence: PresenceInfo{
			IDs:   []any{"u1", "u2"},
			Hash:  map[string]any{"u1": map[string]any{"name": "a"}},
			Count: 2,
		}},
	}
	b, err := Render(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty rendering")
	}
}

func TestClientEventPrefixDetection(t *testing.T) {
	f, _ := ParseIn([]byte(`{"event":"client-","channel":"private-room"}`))
	if f.Kind == ClientEvent {
		t.Fatal("bare client- prefix with no suffix should not classify as ClientEvent")
	}
}

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/odin-realtime/hub/internal/relay"
)

func TestHandleHealthWithoutRelay(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf(`expected status "ok", got %v`, body["status"])
	}
	if body["redis"] != nil {
		t.Fatalf("expected redis to be null without a relay, got %v", body["redis"])
	}
}

func TestHandleHealthWithHealthyRelay(t *testing.T) {
	bus := relay.NewMemoryBus()
	adapter := relay.NewMemoryAdapter(bus, "node-a")
	s := newTestServer(t, nil, adapter)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["redis"] != true {
		t.Fatalf("expected redis=true with a healthy relay, got %v", body["redis"])
	}
}

func TestRegisterHTTPRegistersWsAlongsideApp(t *testing.T) {
	s := newTestServer(t, nil, nil)

	mux := http.NewServeMux()
	s.registerHTTP(mux)

	for _, path := range []string{"/app", "/ws"} {
		_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, path, nil))
		if pattern == "" {
			t.Fatalf("expected a handler registered for %s", path)
		}
	}
}

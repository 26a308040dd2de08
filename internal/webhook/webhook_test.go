package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEmitDeliversToMatchingEndpoint(t *testing.T) {
	received := make(chan body, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b body
		json.NewDecoder(r.Body).Decode(&b)
		received <- b
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Config{
		Enabled:       true,
		Endpoints:     []Endpoint{{URL: srv.URL, Events: []string{"order.created"}}},
		RetryAttempts: 0,
		Timeout:       time.Second,
	}, zerolog.Nop())

	e.Emit(context.Background(), "order.created", map[string]any{"id": 1})

	select {
	case b := <-received:
		if b.Event != "order.created" {
			t.Fatalf("expected event order.created, got %s", b.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}
}

func TestEmitSkipsNonMatchingEndpoint(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Config{
		Enabled:   true,
		Endpoints: []Endpoint{{URL: srv.URL, Events: []string{"other.event"}}},
		Timeout:   time.Second,
	}, zerolog.Nop())

	e.Emit(context.Background(), "order.created", nil)
	time.Sleep(50 * time.Millisecond)

	if called.Load() {
		t.Fatal("expected non-matching endpoint to not be called")
	}
}

func TestEmitRetriesOn5xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Config{
		Enabled:       true,
		Endpoints:     []Endpoint{{URL: srv.URL, Events: []string{"e"}}},
		RetryAttempts: 3,
		RetryDelay:    5 * time.Millisecond,
		Timeout:       time.Second,
	}, zerolog.Nop())

	e.Emit(context.Background(), "e", nil)

	deadline := time.After(2 * time.Second)
	for attempts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 attempts, got %d", attempts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEmitDoesNotRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := New(Config{
		Enabled:       true,
		Endpoints:     []Endpoint{{URL: srv.URL, Events: []string{"e"}}},
		RetryAttempts: 3,
		RetryDelay:    5 * time.Millisecond,
		Timeout:       time.Second,
	}, zerolog.Nop())

	e.Emit(context.Background(), "e", nil)
	time.Sleep(100 * time.Millisecond)

	if attempts.Load() != 1 {
		t.Fatalf("expected exactly 1 attempt for 4xx response, got %d", attempts.Load())
	}
}

func TestEmitIncludesSignatureWhenSecretConfigured(t *testing.T) {
	var mu sync.Mutex
	var got body
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Config{
		Enabled:   true,
		Endpoints: []Endpoint{{URL: srv.URL, Events: []string{"e"}}},
		Timeout:   time.Second,
		Secret:    "topsecret",
	}, zerolog.Nop())

	e.Emit(context.Background(), "e", nil)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if got.Signature == "" {
		t.Fatal("expected signature to be set when secret is configured")
	}
}

func TestDispatchRateLimitsDeliveries(t *testing.T) {
	var attempts atomic.Int32
	var timestamps []time.Time
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		mu.Unlock()
		attempts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Config{
		Enabled:            true,
		Endpoints:          []Endpoint{{URL: srv.URL, Events: []string{"e"}}},
		Timeout:            time.Second,
		DispatchRatePerSec: 10,
		DispatchBurst:      1,
	}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		e.Emit(context.Background(), "e", nil)
	}

	deadline := time.After(2 * time.Second)
	for attempts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 deliveries, got %d", attempts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(timestamps) != 3 {
		t.Fatalf("expected 3 recorded deliveries, got %d", len(timestamps))
	}
	if timestamps[2].Sub(timestamps[0]) < 100*time.Millisecond {
		t.Fatalf("expected deliveries to be paced by the per-endpoint rate limit, got span %v", timestamps[2].Sub(timestamps[0]))
	}
}

func TestDisabledEmitterIsNoop(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer srv.Close()

	e := New(Config{Enabled: false, Endpoints: []Endpoint{{URL: srv.URL, Events: []string{"e"}}}}, zerolog.Nop())
	e.Emit(context.Background(), "e", nil)
	time.Sleep(50 * time.Millisecond)

	if called.Load() {
		t.Fatal("expected disabled emitter to never call the endpoint")
	}
}

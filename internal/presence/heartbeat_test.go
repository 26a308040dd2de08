package presence

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRefreshKeepsMemberAlive(t *testing.T) {
	h := New(5*time.Millisecond, 30*time.Millisecond, nil)
	h.Track("presence-lobby", "sock-1", map[string]any{"name": "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	for i := 0; i < 4; i++ {
		time.Sleep(10 * time.Millisecond)
		if !h.Refresh("presence-lobby", "sock-1") {
			t.Fatal("expected refresh to succeed while still tracked")
		}
	}
}

func TestSilentMemberIsEvicted(t *testing.T) {
	var mu sync.Mutex
	var evicted []string

	h := New(5*time.Millisecond, 10*time.Millisecond, func(channel, socketID string, member any) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, socketID)
	})
	h.Track("presence-lobby", "sock-1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "sock-1" {
		t.Fatalf("expected sock-1 to be evicted, got %v", evicted)
	}
}

func TestUntrackPreventsEviction(t *testing.T) {
	var called bool
	h := New(5*time.Millisecond, 10*time.Millisecond, func(channel, socketID string, member any) {
		called = true
	})
	h.Track("presence-lobby", "sock-1", nil)
	h.Untrack("presence-lobby", "sock-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	time.Sleep(30 * time.Millisecond)

	if called {
		t.Fatal("expected no eviction callback after untrack")
	}
}

func TestRefreshUnknownReturnsFalse(t *testing.T) {
	h := New(time.Second, time.Second, nil)
	if h.Refresh("presence-lobby", "sock-unknown") {
		t.Fatal("expected refresh of untracked socket to return false")
	}
}

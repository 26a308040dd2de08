package ack

import (
	"context"
	"testing"
	"time"
)

func TestDisabledResolvesImmediately(t *testing.T) {
	a := New(Options{Enabled: false})
	res := <-a.Register("m1")
	if !res.Acked {
		t.Fatal("expected disabled mode to resolve Acked=true immediately")
	}
}

func TestAcknowledgeResolvesPending(t *testing.T) {
	a := New(Options{Enabled: true, Timeout: time.Second, RetryAttempts: 2})
	ch := a.Register("m1")

	if !a.Acknowledge("m1") {
		t.Fatal("expected acknowledge of known pending id to return true")
	}
	select {
	case res := <-ch:
		if !res.Acked {
			t.Fatalf("expected Acked=true, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack result")
	}
}

func TestAcknowledgeUnknownReturnsFalse(t *testing.T) {
	a := New(Options{Enabled: true, Timeout: time.Second, RetryAttempts: 1})
	if a.Acknowledge("never-registered") {
		t.Fatal("expected acknowledge of unknown id to return false")
	}
}

func TestClearFailsAllPending(t *testing.T) {
	a := New(Options{Enabled: true, Timeout: time.Hour, RetryAttempts: 1})
	ch1 := a.Register("m1")
	ch2 := a.Register("m2")

	a.Clear()

	for _, ch := range []<-chan Result{ch1, ch2} {
		select {
		case res := <-ch:
			if res.Err != ErrCleared {
				t.Fatalf("expected ErrCleared, got %v", res.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for clear to resolve pending")
		}
	}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	a := New(Options{Enabled: true, Timeout: 10 * time.Millisecond, RetryAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	ch := a.Register("m1")

	select {
	case res := <-ch:
		if res.Err == nil {
			t.Fatal("expected timeout error after retry budget exhausted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack timeout to fire")
	}
}

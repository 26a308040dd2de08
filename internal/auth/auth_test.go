package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/odin-realtime/hub/internal/channel"
	"github.com/odin-realtime/hub/internal/connection"
)

func TestPublicChannelBypassesRules(t *testing.T) {
	a := New()
	conns := connection.New()
	conn := conns.Create("sock-1", nil)

	decision, err := a.Authorize(context.Background(), conn, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.allowed() {
		t.Fatal("expected public channel to be allowed without any rule")
	}
}

func TestNoMatchingRuleReturnsErrNoRule(t *testing.T) {
	a := New()
	conns := connection.New()
	conn := conns.Create("sock-1", nil)

	_, err := a.Authorize(context.Background(), conn, "private-account.42")
	if !errors.Is(err, ErrNoRule) {
		t.Fatalf("expected ErrNoRule, got %v", err)
	}
}

func TestFirstMatchWins(t *testing.T) {
	a := New()
	a.MustRegister("private-account.{id}", func(ctx context.Context, conn *connection.Conn, name string, params map[string]string) (Decision, error) {
		return Deny(), nil
	})
	a.MustRegister("private-{kind}.{id}", func(ctx context.Context, conn *connection.Conn, name string, params map[string]string) (Decision, error) {
		return Allow(), nil
	})

	conns := connection.New()
	conn := conns.Create("sock-1", nil)

	decision, err := a.Authorize(context.Background(), conn, "private-account.42")
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if decision.allowed() {
		t.Fatal("expected first registered rule (Deny) to win over the second")
	}
}

func TestCallbackErrorPropagates(t *testing.T) {
	a := New()
	boom := errors.New("boom")
	a.MustRegister("private-{rest}", func(ctx context.Context, conn *connection.Conn, name string, params map[string]string) (Decision, error) {
		return Deny(), boom
	})

	conns := connection.New()
	conn := conns.Create("sock-1", nil)

	_, err := a.Authorize(context.Background(), conn, "private-secret")
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
}

func TestAllowAsPresenceCarriesMember(t *testing.T) {
	a := New()
	want := channel.Member{ID: "user-1", Info: map[string]any{"name": "alice"}}
	a.MustRegister("presence-{room}", func(ctx context.Context, conn *connection.Conn, name string, params map[string]string) (Decision, error) {
		return AllowAsPresence(want), nil
	})

	conns := connection.New()
	conn := conns.Create("sock-1", nil)

	decision, err := a.Authorize(context.Background(), conn, "presence-lobby")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := decision.Member()
	if !ok {
		t.Fatal("expected a presence member to be attached")
	}
	if got.ID != want.ID {
		t.Fatalf("expected member id %v, got %v", want.ID, got.ID)
	}
}

func TestDeniedCallbackResultIsDeny(t *testing.T) {
	a := New()
	a.MustRegister("private-{rest}", func(ctx context.Context, conn *connection.Conn, name string, params map[string]string) (Decision, error) {
		return Deny(), nil
	})

	conns := connection.New()
	conn := conns.Create("sock-1", nil)

	decision, err := a.Authorize(context.Background(), conn, "private-secret")
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if decision.allowed() {
		t.Fatal("expected Deny() result to not be allowed")
	}
}

package channel

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/odin-realtime/hub/internal/connection"
	"github.com/odin-realtime/hub/internal/hub"
)

func newTestRegistry() (*Registry, *connection.Table) {
	conns := connection.New()
	bus := hub.New(zerolog.Nop())
	return New(conns, bus), conns
}

func TestSubscribeCreatesChannelOnce(t *testing.T) {
	reg, conns := newTestRegistry()
	ctx := context.Background()
	conns.Create("sock-1", nil)
	conns.Create("sock-2", nil)

	class, created := reg.Subscribe(ctx, "sock-1", "orders", nil)
	if class != Public {
		t.Fatalf("expected Public, got %v", class)
	}
	if !created {
		t.Fatal("expected first subscribe to report created=true")
	}

	_, created = reg.Subscribe(ctx, "sock-2", "orders", nil)
	if created {
		t.Fatal("expected second subscribe to report created=false")
	}

	if reg.ChannelCount() != 1 {
		t.Fatalf("expected 1 channel, got %d", reg.ChannelCount())
	}
}

func TestMembershipSymmetry(t *testing.T) {
	reg, conns := newTestRegistry()
	ctx := context.Background()
	conn := conns.Create("sock-1", nil)

	reg.Subscribe(ctx, "sock-1", "orders", nil)

	if !reg.IsSubscribed("orders", "sock-1") {
		t.Fatal("registry does not show sock-1 subscribed to orders")
	}
	if !conn.HasChannel("orders") {
		t.Fatal("connection does not show orders in its channel set")
	}

	reg.Unsubscribe(ctx, "sock-1", "orders")

	if reg.IsSubscribed("orders", "sock-1") {
		t.Fatal("registry still shows sock-1 subscribed after unsubscribe")
	}
	if conn.HasChannel("orders") {
		t.Fatal("connection still shows orders after unsubscribe")
	}
}

func TestChannelDestroyedWhenEmpty(t *testing.T) {
	reg, conns := newTestRegistry()
	ctx := context.Background()
	conns.Create("sock-1", nil)

	reg.Subscribe(ctx, "sock-1", "orders", nil)
	if !reg.Exists("orders") {
		t.Fatal("expected channel to exist after subscribe")
	}

	reg.Unsubscribe(ctx, "sock-1", "orders")
	if reg.Exists("orders") {
		t.Fatal("expected channel to be dropped once empty, invariant violated")
	}
	if reg.ChannelCount() != 0 {
		t.Fatalf("expected 0 channels after last unsubscribe, got %d", reg.ChannelCount())
	}
}

func TestPresenceParity(t *testing.T) {
	reg, conns := newTestRegistry()
	ctx := context.Background()
	conns.Create("sock-1", nil)
	conns.Create("sock-2", nil)

	m1 := Member{ID: "user-1", Info: map[string]any{"name": "alice"}}
	m2 := Member{ID: "user-2", Info: map[string]any{"name": "bob"}}

	class, _ := reg.Subscribe(ctx, "sock-1", "presence-lobby", &m1)
	if class != Presence {
		t.Fatalf("expected Presence class, got %v", class)
	}
	reg.Subscribe(ctx, "sock-2", "presence-lobby", &m2)

	info, ok := reg.Presence("presence-lobby")
	if !ok {
		t.Fatal("expected presence info to be available")
	}
	if info.Count != 2 {
		t.Fatalf("expected 2 members, got %d", info.Count)
	}
	if len(info.Hash) != len(reg.Subscribers("presence-lobby")) {
		t.Fatal("presence member count does not match subscriber count")
	}

	reg.Unsubscribe(ctx, "sock-1", "presence-lobby")
	info, ok = reg.Presence("presence-lobby")
	if !ok || info.Count != 1 {
		t.Fatalf("expected 1 member remaining after unsubscribe, got ok=%v count=%d", ok, info.Count)
	}
	if _, stillThere := reg.Member("presence-lobby", "sock-1"); stillThere {
		t.Fatal("departed member still present in presence hash")
	}
}

func TestUnsubscribeAllDrainsEveryChannel(t *testing.T) {
	reg, conns := newTestRegistry()
	ctx := context.Background()
	conn := conns.Create("sock-1", nil)

	reg.Subscribe(ctx, "sock-1", "orders", nil)
	reg.Subscribe(ctx, "sock-1", "private-account", nil)

	names := conn.Channels()
	reg.UnsubscribeAll(ctx, "sock-1", names)

	if reg.ChannelCount() != 0 {
		t.Fatalf("expected all channels destroyed, got %d remaining", reg.ChannelCount())
	}
	if conn.ChannelCount() != 0 {
		t.Fatalf("expected connection channel set drained, got %d remaining", conn.ChannelCount())
	}
}

func TestUnsubscribeUnknownChannelIsNoop(t *testing.T) {
	reg, conns := newTestRegistry()
	ctx := context.Background()
	conns.Create("sock-1", nil)

	if reg.Unsubscribe(ctx, "sock-1", "never-subscribed") {
		t.Fatal("expected unsubscribe from unknown channel to report false")
	}
}

func TestLifecycleEventsFireInOrder(t *testing.T) {
	reg, conns := newTestRegistry()
	ctx := context.Background()
	conns.Create("sock-1", nil)

	bus := hub.New(zerolog.Nop())
	reg = New(conns, bus)

	var kinds []hub.Kind
	bus.OnAll(func(_ context.Context, ev hub.Event) {
		kinds = append(kinds, ev.Kind)
	})

	reg.Subscribe(ctx, "sock-1", "orders", nil)
	reg.Unsubscribe(ctx, "sock-1", "orders")

	want := []hub.Kind{hub.Created, hub.Subscribed, hub.Unsubscribed, hub.Empty, hub.Destroyed}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("expected event %d to be %s, got %s", i, k, kinds[i])
		}
	}
}

package connection

import (
	"net"
	"testing"
)

func TestCreateAndGet(t *testing.T) {
	tbl := New()
	c := tbl.Create("sock-1", nil)
	if c.SocketID != "sock-1" {
		t.Fatalf("expected socket id sock-1, got %s", c.SocketID)
	}
	if got := tbl.Get("sock-1"); got != c {
		t.Fatal("expected Get to return the same connection")
	}
	if tbl.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", tbl.Count())
	}
}

func TestDestroyReturnsChannelSnapshot(t *testing.T) {
	tbl := New()
	tbl.Create("sock-1", nil)
	tbl.AddChannel("sock-1", "orders")
	tbl.AddChannel("sock-1", "trades")

	channels, ok := tbl.Destroy("sock-1")
	if !ok {
		t.Fatal("expected destroy of existing socket to report ok=true")
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels, got %v", channels)
	}
	if tbl.Get("sock-1") != nil {
		t.Fatal("expected socket to be gone after destroy")
	}

	if _, ok := tbl.Destroy("sock-1"); ok {
		t.Fatal("expected second destroy of same socket to report ok=false")
	}
}

func TestAddRemoveChannelUnknownSocket(t *testing.T) {
	tbl := New()
	if tbl.AddChannel("ghost", "orders") {
		t.Fatal("expected AddChannel on unknown socket to return false")
	}
	if tbl.RemoveChannel("ghost", "orders") {
		t.Fatal("expected RemoveChannel on unknown socket to return false")
	}
}

func TestSendBuffersAndReportsBackpressure(t *testing.T) {
	tbl := New()
	c := tbl.Create("sock-1", nil)

	for i := 0; i < sendBufferSize; i++ {
		if !c.Send([]byte("frame")) {
			t.Fatalf("expected send %d to succeed within buffer capacity", i)
		}
	}
	if c.Send([]byte("overflow")) {
		t.Fatal("expected send beyond buffer capacity to report false")
	}
	if c.BufferedCount() != sendBufferSize {
		t.Fatalf("expected %d buffered frames, got %d", sendBufferSize, c.BufferedCount())
	}
}

func TestCloseStopsFurtherSends(t *testing.T) {
	tbl := New()
	c := tbl.Create("sock-1", nil)
	c.Close()
	c.Close() // must be safe to call twice

	if c.Send([]byte("frame")) {
		t.Fatal("expected send after close to return false")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
}

func TestCloseClosesNetConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	tbl := New()
	c := tbl.Create("sock-1", server)
	c.Close()

	if _, err := server.Write([]byte("x")); err == nil {
		t.Fatal("expected write on closed net.Conn to fail")
	}
}

func TestRangeVisitsAllConnections(t *testing.T) {
	tbl := New()
	tbl.Create("sock-1", nil)
	tbl.Create("sock-2", nil)

	seen := map[string]bool{}
	tbl.Range(func(c *Conn) bool {
		seen[c.SocketID] = true
		return true
	})
	if len(seen) != 2 {
		t.Fatalf("expected to visit 2 connections, got %d", len(seen))
	}
}

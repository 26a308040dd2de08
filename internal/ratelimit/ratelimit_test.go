package ratelimit

import (
	"testing"
	"time"
)

func TestCheckAllowsUnderCap(t *testing.T) {
	l := New(Options{Max: 3, Window: time.Minute})
	key := "socket:abc"

	for i := 0; i < 3; i++ {
		if blocked, _ := l.Check(key); blocked {
			t.Fatalf("request %d unexpectedly blocked", i)
		}
	}
	blocked, resetAt := l.Check(key)
	if !blocked {
		t.Fatal("4th request should be blocked once cap is reached")
	}
	if !resetAt.After(time.Now()) {
		t.Fatal("expected resetAt to be in the future")
	}
}

func TestCheckResetsAfterWindow(t *testing.T) {
	l := New(Options{Max: 1, Window: 10 * time.Millisecond})
	key := "socket:abc"

	if blocked, _ := l.Check(key); blocked {
		t.Fatal("first request should be allowed")
	}
	if blocked, _ := l.Check(key); !blocked {
		t.Fatal("second request within window should be blocked")
	}

	time.Sleep(20 * time.Millisecond)
	if blocked, _ := l.Check(key); blocked {
		t.Fatal("request after window expiry should be allowed again")
	}
}

func TestKeyAssemblyPerUser(t *testing.T) {
	l := New(Options{Max: 1, Window: time.Minute, PerUser: true})
	if got := l.Key("sock-1", "user-42", ""); got != "user:user-42" {
		t.Fatalf("expected user:user-42, got %s", got)
	}
	if got := l.Key("sock-1", "", ""); got != "socket:sock-1" {
		t.Fatalf("expected fallback to socket key when userID empty, got %s", got)
	}
}

func TestKeyAssemblyPerChannel(t *testing.T) {
	l := New(Options{Max: 1, Window: time.Minute, PerChannel: true})
	if got := l.Key("sock-1", "", "orders"); got != "socket:sock-1:channel:orders" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	l := New(Options{Max: 1, Window: time.Millisecond})
	l.Check("socket:a")
	time.Sleep(5 * time.Millisecond)



	l.sweep()
	if l.Size() != 0 {
		t.Fatalf("expected expired entry to be swept, size=%d", l.Size())
	}
}

package batch

import (
	"context"
	"errors"
	"testing"
)

func TestSubscribePartialSuccess(t *testing.T) {
	res := Subscribe(context.Background(), []string{"a", "b", "c"}, 10, func(ctx context.Context, channel string) error {
		if channel == "b" {
			return errors.New("denied")
		}
		return nil
	})

	if len(res.Succeeded) != 2 {
		t.Fatalf("expected 2 succeeded, got %v", res.Succeeded)
	}
	if res.Failed["b"] != "denied" {
		t.Fatalf("expected b to fail with 'denied', got %v", res.Failed)
	}
}

func TestSubscribeCapsAtMaxBatchSize(t *testing.T) {
	res := Subscribe(context.Background(), []string{"a", "b", "c"}, 2, func(ctx context.Context, channel string) error {
		return nil
	})

	if len(res.Succeeded) != 2 {
		t.Fatalf("expected 2 succeeded under cap, got %d", len(res.Succeeded))
	}
	if _, failed := res.Failed["c"]; !failed {
		t.Fatal("expected channel beyond cap to be reported as failed")
	}
}

func TestAllSucceed(t *testing.T) {
	res := Unsubscribe(context.Background(), []string{"a", "b"}, 10, func(ctx context.Context, channel string) error {
		return nil
	})
	if len(res.Succeeded) != 2 || len(res.Failed) != 0 {
		t.Fatalf("expected full success, got %+v", res)
	}
}

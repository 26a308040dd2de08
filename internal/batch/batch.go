// Package batch implements the batch gateway (spec §4.Q): bulk
// subscribe/unsubscribe/broadcast operations over a capped channel list,
// where partial success is the normal outcome.
package batch

import (
	"context"
	"fmt"
)

// Result is the outcome of a batch operation: every channel that succeeded,
// and a reason string for every one that failed.
type Result struct {
	Succeeded []string
	Failed    map[string]string
}

func newResult() Result {
	return Result{Failed: make(map[string]string)}
}

// OpFunc performs one channel's subscribe/unsubscribe/broadcast and
// reports success or failure; the caller (internal/server) supplies the
// real per-channel operation (authorize, registry mutation, relay publish).
type OpFunc func(ctx context.Context, channel string) error

// Subscribe runs fn against each of channels, capped at maxBatchSize.
// Channels beyond the cap are reported as failed with a capacity reason
// rather than silently dropped.
func Subscribe(ctx context.Context, channels []string, maxBatchSize int, fn OpFunc) Result {
	return run(ctx, channels, maxBatchSize, fn)
}

// Unsubscribe is Subscribe's inverse; the op itself is supplied by the
// caller, so this is a thin, explicitly named alias for clarity at call
// sites rather than a separate implementation.
func Unsubscribe(ctx context.Context, channels []string, maxBatchSize int, fn OpFunc) Result {
	return run(ctx, channels, maxBatchSize, fn)
}

// Broadcast fans a single event out to multiple channels; per-channel
// failures (e.g. the relay publish for one channel erroring) are collected
// the same way as subscribe/unsubscribe.
func Broadcast(ctx context.Context, channels []string, maxBatchSize int, fn OpFunc) Result {
	return run(ctx, channels, maxBatchSize, fn)
}

func run(ctx context.Context, channels []string, maxBatchSize int, fn OpFunc) Result {
	res := newResult()

	limit := len(channels)
	if maxBatchSize > 0 && limit > maxBatchSize {
		limit = maxBatchSize
	}

	for i, ch := range channels {
		if i >= limit {
			res.Failed[ch] = fmt.Sprintf("batch size exceeds limit of %d", maxBatchSize)
			continue
		}
		if err := fn(ctx, ch); err != nil {
			res.Failed[ch] = err.Error()
			continue
		}
		res.Succeeded = append(res.Succeeded, ch)
	}

	return res
}

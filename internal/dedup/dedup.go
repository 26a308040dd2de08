// Package dedup implements the deduplicator (spec §4.J): detects repeated
// broadcasts by content hash (or an explicit caller-supplied id), with a
// bounded in-memory seen-set and an optional relay-backed shared mode for
// multi-node deployments.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is the relay-backed key store contract: set-if-absent semantics
// with a TTL. internal/relay's NATS-backed adapter implements this; tests
// can substitute an in-memory fake.
type Store interface {
	// SeenOrMark reports whether key was already present, marking it
	// present with the given TTL if it was not. A non-nil error means the
	// store is unreachable.
	SeenOrMark(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

type seenEntry struct {
	key      string
	insertAt time.Time
	expireAt time.Time
}

// Deduplicator tracks recently seen (channel, event, data) triples.
type Deduplicator struct {
	ttl     time.Duration
	maxSize int
	store   Store // nil for pure in-memory mode
	logger  zerolog.Logger

	mu    sync.Mutex
	seen  map[string]*seenEntry
	order []*seenEntry // insertion order, oldest first
}

// New creates an in-memory deduplicator. ttl bounds how long a key is
// considered a duplicate; maxSize bounds the seen-set, evicting the
// oldest entries by insertion time once exceeded.
func New(ttl time.Duration, maxSize int, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger,
		seen:    make(map[string]*seenEntry),
	}
}

// WithStore switches the deduplicator to relay-backed mode: duplicate
// checks consult store instead of the local map, which is not used in this
// mode. On store failure, IsDuplicate returns false (not duplicate).
func (d *Deduplicator) WithStore(store Store) *Deduplicator {
	d.store = store
	return d
}

// Key computes the deduplication key: explicitID if supplied, else the hex
// SHA-256 of channel, event and the canonical JSON encoding of data.
func Key(channel, event string, data json.RawMessage, explicitID string) string {
	if explicitID != "" {
		return explicitID
	}
	canon := canonicalize(data)
	h := sha256.New()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(event))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize re-encodes data through decode/encode so object keys come
// out in Go's stable (sorted) map-key order, giving two structurally
// identical payloads the same byte representation regardless of original
// key order.
func canonicalize(data json.RawMessage) []byte {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}

// IsDuplicate reports whether (channel, event, data) — or explicitID, if
// non-empty — was already observed within the TTL. A first observation is
// recorded and returns false.
func (d *Deduplicator) IsDuplicate(ctx context.Context, channel, event string, data json.RawMessage, explicitID string) bool {
	key := Key(channel, event, data, explicitID)

	if d.store != nil {
		seen, err := d.store.SeenOrMark(ctx, key, d.ttl)
		if err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("dedup: relay store unreachable, failing open")
			return false
		}
		return seen
	}

	return d.checkLocal(key)
}

func (d *Deduplicator) checkLocal(key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.seen[key]; ok && now.Before(e.expireAt) {
		return true
	}

	e := &seenEntry{key: key, insertAt: now, expireAt: now.Add(d.ttl)}
	d.seen[key] = e
	d.order = append(d.order, e)

	d.evictLocked()
	return false
}

func (d *Deduplicator) evictLocked() {
	for d.maxSize > 0 && len(d.seen) > d.maxSize && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		if cur, ok := d.seen[oldest.key]; ok && cur == oldest {
			delete(d.seen, oldest.key)
		}
	}
}

// Run sweeps expired entries from the in-memory seen-set every 60 seconds
// until ctx is cancelled. No-op in relay-backed mode, where TTL expiry is
// the store's responsibility.
func (d *Deduplicator) Run(ctx context.Context) {
	if d.store != nil {
		return
	}
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Deduplicator) sweep() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.order[:0]
	for _, e := range d.order {
		if now.Before(e.expireAt) {
			kept = append(kept, e)
			continue
		}
		if cur, ok := d.seen[e.key]; ok && cur == e {
			delete(d.seen, e.key)
		}
	}
	d.order = kept
}

// Size returns the number of tracked keys, for diagnostics.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

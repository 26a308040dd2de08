package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSDedupStore implements dedup.Store over a dedicated KV bucket, letting
// the deduplicator's "seen" set be shared across every node in the cluster
// instead of each node keeping its own local copy.
type NATSDedupStore struct {
	kv nats.KeyValue
}

// NewNATSDedupStore opens (or creates) the dedup KV bucket. ttl is the
// deduplicator's configured TTL and becomes the bucket's TTL only when the
// bucket is created; an existing bucket of the same name is reused with
// whatever TTL it already has, since NATS KV TTL is a per-bucket setting.
func NewNATSDedupStore(js nats.JetStreamContext, prefix string, ttl time.Duration) (*NATSDedupStore, error) {
	kv, err := openBucket(js, KeyPrefix(prefix, "dedup"), ttl)
	if err != nil {
		return nil, err
	}
	return &NATSDedupStore{kv: kv}, nil
}

// SeenOrMark implements dedup.Store: a successful Create means the key was
// not previously present (not a duplicate); ErrKeyExists means it was.
// The ttl argument is ignored: expiry follows the bucket's TTL.
func (s *NATSDedupStore) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	_, err := s.kv.Create(key, []byte{1})
	if err == nil {
		return false, nil
	}
	if err == nats.ErrKeyExists {
		return true, nil
	}
	return false, fmt.Errorf("relay: dedup store: %w", err)
}

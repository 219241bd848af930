package memory

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/heymumford/Samstraumr-sub008/pkg/retry"
)

// NATSStore is a Store backed by a JetStream KV bucket. Values survive
// process restarts when the bucket is file-backed.
type NATSStore struct {
	bucket jetstream.KeyValue
}

// NewNATSStore binds to (or creates) the named KV bucket on the given
// connection. Bucket creation is retried with backoff to ride out server
// startup.
func NewNATSStore(ctx context.Context, conn *nats.Conn, bucketName string) (*NATSStore, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("memory: create jetstream context: %w", err)
	}

	bucket, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (jetstream.KeyValue, error) {
		kv, kerr := js.KeyValue(ctx, bucketName)
		if kerr == nil {
			return kv, nil
		}
		if stderrors.Is(kerr, jetstream.ErrBucketNotFound) {
			return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
				Bucket:      bucketName,
				Description: "samstraumr learned adaptation adjustments",
				History:     1,
			})
		}
		return nil, kerr
	})
	if err != nil {
		return nil, fmt.Errorf("memory: bind bucket %s: %w", bucketName, err)
	}

	return &NATSStore{bucket: bucket}, nil
}

// Put stores value under key. Keys are sanitized for the KV key grammar:
// notation separators ('.') are valid, other disallowed characters become
// '_'.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.bucket.Put(ctx, sanitizeKey(key), value); err != nil {
		return fmt.Errorf("memory: put %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key and whether it exists.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.bucket.Get(ctx, sanitizeKey(key))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("memory: get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

// sanitizeKey maps arbitrary keys onto the JetStream KV key alphabet.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-' || r == '/' || r == '=':
			return r
		default:
			return '_'
		}
	}, key)
}

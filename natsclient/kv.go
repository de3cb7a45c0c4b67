package natsclient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/pkg/retry"
)

// KV errors
var (
	ErrKVKeyNotFound = stderrors.New("kv key not found")
)

// KVEntry is a key/value pair with its revision
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operation behavior
type KVOptions struct {
	MaxAttempts int
	RetryDelay  time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
}

// DefaultKVOptions returns KV operation defaults
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxAttempts: 5,
		RetryDelay:  10 * time.Millisecond,
		MaxDelay:    time.Second,
		Timeout:     5 * time.Second,
	}
}

// KVStore wraps a KV bucket with per-operation timeouts and bounded retry
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps a bucket opened through the client
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

func (kv *KVStore) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  kv.options.MaxAttempts,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.MaxDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrKVKeyNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", "bucket get")
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put writes a key with last-writer-wins semantics, retrying transient
// bucket failures.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	var rev uint64
	err := retry.Do(ctx, kv.retryConfig(), func() error {
		opCtx, cancel := kv.applyTimeout(ctx)
		defer cancel()

		r, err := kv.bucket.Put(opCtx, key, value)
		if err != nil {
			return errors.WrapTransient(err, "KVStore", "Put", "bucket put")
		}
		rev = r
		return nil
	})
	if err != nil {
		return 0, err
	}

	kv.logger.Debug("kv put", "key", key, "revision", rev)
	return rev, nil
}

// Delete removes a key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		return errors.WrapTransient(err, "KVStore", "Delete", "bucket delete")
	}
	return nil
}

// Keys lists keys in the bucket, empty when the bucket has none
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "Keys", "bucket keys")
	}
	return keys, nil
}

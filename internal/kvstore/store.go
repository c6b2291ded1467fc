package kvstore

import (
	"context"
	"errors"
	"fmt"

	"upsrouter/internal/config"
)

// ErrNotFound is returned by Get when the bucket has no entry for the key.
var ErrNotFound = errors.New("kvstore: key not found")

// UpdateFunc receives the current value (nil when absent) and returns the
// replacement. Returning nil bytes deletes the entry; returning an error aborts
// the update without writing.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Store is a durable, bucket-scoped byte store.
//
// Get, Put, Delete and Keys behave as independent single-key operations.
// Update is an atomic read-modify-write of one key: concurrent Update calls
// on the same bucket/key are applied one after another, never interleaved.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	Keys(ctx context.Context, bucket, prefix string) ([]string, error)
	Update(ctx context.Context, bucket, key string, fn UpdateFunc) error
	Close() error
}

// Open builds the backend selected by store.driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, errors.New("kvstore: config is required")
	}
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite, "":
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("ensure directories: %w", err)
		}
		return OpenSQLite(ctx, cfg.Store.SQLitePath)
	case config.StoreDriverPostgres:
		return OpenPostgres(ctx, cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("kvstore: unsupported driver %q", cfg.Store.Driver)
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func validateKey(bucket, key string) error {
	if bucket == "" {
		return errors.New("kvstore: bucket is required")
	}
	if key == "" {
		return errors.New("kvstore: key is required")
	}
	return nil
}

// prefixUpperBound returns the smallest string greater than every string
// carrying prefix. ok is false when no such bound exists (empty prefix or
// a prefix made only of 0xff bytes).
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

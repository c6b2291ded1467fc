package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
    bucket     TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      BLOB NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (bucket, key)
)`

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLite stores buckets in a single table of a WAL-mode SQLite database.
type SQLite struct {
	db   *sql.DB
	path string

	// writeMu funnels every read-modify-write through one writer so index
	// updates from concurrent pipelines apply in sequence.
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("kvstore: sqlite path is required")
	}
	dsn := path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &SQLite{db: db, path: path}
	if err := retryOnBusy(ensureContext(ctx), func() error {
		_, execErr := db.ExecContext(ensureContext(ctx), sqliteSchema)
		return execErr
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv schema: %w", err)
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLite) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validateKey(bucket, key); err != nil {
		return nil, err
	}
	ctx = ensureContext(ctx)
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, upsertSQL, bucket, key, nonNil(value), timestamp())
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

func (s *SQLite) Delete(ctx context.Context, bucket, key string) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
		if err != nil {
			return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

func (s *SQLite) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	ctx = ensureContext(ctx)
	query := `SELECT key FROM kv WHERE bucket = ? AND key >= ?`
	args := []any{bucket, prefix}
	if upper, ok := prefixUpperBound(prefix); ok {
		query += ` AND key < ?`
		args = append(args, upper)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY key`, args...)
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", bucket, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *SQLite) Update(ctx context.Context, bucket, key string, fn UpdateFunc) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("kvstore: update func is required")
	}
	ctx = ensureContext(ctx)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		var current []byte
		exists := true
		err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
			current = nil
		} else if err != nil {
			return fmt.Errorf("read %s/%s: %w", bucket, key, err)
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		if next == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
				return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
			}
		} else if _, err := tx.ExecContext(ctx, upsertSQL, bucket, key, next, timestamp()); err != nil {
			return fmt.Errorf("write %s/%s: %w", bucket, key, err)
		}
		return tx.Commit()
	})
}

const upsertSQL = `INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nonNil(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	return value
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

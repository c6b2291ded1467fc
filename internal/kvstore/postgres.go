package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS upsrouter_kv (
    bucket     TEXT        NOT NULL,
    key        TEXT        NOT NULL,
    value      BYTEA       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (bucket, key)
)`

// Postgres stores buckets in a shared PostgreSQL table so several router
// processes can serve the same workitems.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("kvstore: postgres dsn is required")
	}
	ctx = ensureContext(ctx)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create kv schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

func (p *Postgres) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validateKey(bucket, key); err != nil {
		return nil, err
	}
	var value []byte
	err := p.pool.QueryRow(ensureContext(ctx),
		`SELECT value FROM upsrouter_kv WHERE bucket = $1 AND key = $2`, bucket, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

func (p *Postgres) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ensureContext(ctx), pgUpsertSQL, bucket, key, nonNil(value)); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, bucket, key string) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ensureContext(ctx),
		`DELETE FROM upsrouter_kv WHERE bucket = $1 AND key = $2`, bucket, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (p *Postgres) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ensureContext(ctx),
		`SELECT key FROM upsrouter_kv WHERE bucket = $1 AND starts_with(key, $2) ORDER BY key`, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", bucket, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect keys %s: %w", bucket, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Update holds a transaction-scoped advisory lock on bucket/key so the
// read-modify-write is serialized even when the row does not exist yet.
func (p *Postgres) Update(ctx context.Context, bucket, key string, fn UpdateFunc) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("kvstore: update func is required")
	}
	ctx = ensureContext(ctx)
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, bucket+"\x00"+key); err != nil {
			return fmt.Errorf("lock %s/%s: %w", bucket, key, err)
		}
		var current []byte
		exists := true
		err := tx.QueryRow(ctx,
			`SELECT value FROM upsrouter_kv WHERE bucket = $1 AND key = $2`, bucket, key).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
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
			_, err = tx.Exec(ctx, `DELETE FROM upsrouter_kv WHERE bucket = $1 AND key = $2`, bucket, key)
		} else {
			_, err = tx.Exec(ctx, pgUpsertSQL, bucket, key, next)
		}
		if err != nil {
			return fmt.Errorf("write %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

const pgUpsertSQL = `INSERT INTO upsrouter_kv (bucket, key, value, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

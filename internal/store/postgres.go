package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
    key     TEXT PRIMARY KEY,
    version BIGINT NOT NULL DEFAULT 1,
    value   JSONB  NOT NULL
)`

// Postgres backs the Store contract with a single versioned JSONB table.
// WithExclusive runs inside a database transaction and serializes scopes via
// advisory locks taken in sorted key order, so the commit is all-or-nothing
// even across a process crash.
type Postgres struct {
	pool     *pgxpool.Pool
	lockWait time.Duration
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, recordsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema init failed: %w", err)
	}

	return &Postgres{pool: pool, lockWait: defaultLockWait}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Get(ctx context.Context, key string) (*Record, error) {
	rec := &Record{Key: key}
	err := p.pool.QueryRow(ctx,
		"SELECT version, value FROM records WHERE key = $1", key,
	).Scan(&rec.Version, &rec.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

func (p *Postgres) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT key, version, value FROM records WHERE key LIKE $1 || '%' ORDER BY key", prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Version, &rec.Value); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) PutIfAbsent(ctx context.Context, key string, value any) error {
	tag, err := p.pool.Exec(ctx,
		"INSERT INTO records (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING",
		key, value)
	if err != nil {
		return fmt.Errorf("put-if-absent %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyExists
	}
	return nil
}

func (p *Postgres) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value any) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE records SET version = version + 1, value = $3 WHERE key = $1 AND version = $2",
		key, expectedVersion, value)
	if err != nil {
		return fmt.Errorf("cas %s: %w", key, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM records WHERE key = $1)", key).Scan(&exists); err != nil {
		return fmt.Errorf("cas %s: %w", key, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func (p *Postgres) WithExclusive(ctx context.Context, keys []string, fn func(Txn) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	millis := p.lockWait.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", millis)); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}

	// Advisory locks work for keys with no row yet and release at tx end.
	// Sorted acquisition keeps opposite-direction scopes deadlock free.
	for _, key := range orderedKeys(keys) {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
				return fmt.Errorf("%w: key %s", ErrLockTimeout, key)
			}
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
	}

	if err := fn(&pgTxn{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type pgTxn struct {
	tx pgx.Tx
}

func (t *pgTxn) Get(ctx context.Context, key string) (*Record, error) {
	rec := &Record{Key: key}
	err := t.tx.QueryRow(ctx,
		"SELECT version, value FROM records WHERE key = $1", key,
	).Scan(&rec.Version, &rec.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

func (t *pgTxn) Put(ctx context.Context, key string, value any) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO records (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET version = records.version + 1, value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *pgTxn) Delete(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, "DELETE FROM records WHERE key = $1", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

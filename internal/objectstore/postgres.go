package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEngine persists objects as JSONB rows of a single table keyed by
// (entity, id).
type PostgresEngine struct {
	pool *pgxpool.Pool
}

// NewPostgresEngine connects to dsn and creates the objects table if it is
// missing.
func NewPostgresEngine(ctx context.Context, dsn string) (*PostgresEngine, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	e := &PostgresEngine{pool: pool}

	if err := e.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := e.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return e, nil
}

func (e *PostgresEngine) Close() error {
	if e.pool != nil {
		e.pool.Close()
	}
	return nil
}

func (e *PostgresEngine) Ping(ctx context.Context) error {
	if e.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return e.pool.Ping(ctx)
}

func (e *PostgresEngine) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			entity TEXT NOT NULL,
			id TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (entity, id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := e.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (e *PostgresEngine) Begin(ctx context.Context) (Txn, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTxn{tx: tx}, nil
}

type pgTxn struct {
	tx pgx.Tx
}

func (t *pgTxn) Get(ctx context.Context, entity, id string) ([]byte, error) {
	var data []byte
	err := t.tx.QueryRow(ctx, `SELECT data FROM objects WHERE entity = $1 AND id = $2`, entity, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return data, nil
}

func (t *pgTxn) Put(ctx context.Context, entity, id string, data []byte) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO objects (entity, id, data, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (entity, id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = NOW()
	`, entity, id, data)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (t *pgTxn) Delete(ctx context.Context, entity, id string) error {
	ct, err := t.tx.Exec(ctx, `DELETE FROM objects WHERE entity = $1 AND id = $2`, entity, id)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNoRecord
	}
	return nil
}

func (t *pgTxn) List(ctx context.Context, entity string) ([]Row, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, data FROM objects WHERE entity = $1 ORDER BY id`, entity)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Data); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return out, nil
}

func (t *pgTxn) DeleteAll(ctx context.Context, entity string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM objects WHERE entity = $1`, entity); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	return nil
}

func (t *pgTxn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxnDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *pgTxn) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxnDone
		}
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

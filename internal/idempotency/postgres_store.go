package idempotency

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore persists entries in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS invocation_idempotency (
    key TEXT PRIMARY KEY,
    entrypoint TEXT NOT NULL,
    contract TEXT NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE invocation_idempotency ADD COLUMN IF NOT EXISTS fingerprint TEXT NOT NULL DEFAULT '';
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := p.pool.QueryRow(ctx, `
SELECT entrypoint, contract, fingerprint, status_code, response, created_at, expires_at
FROM invocation_idempotency
WHERE key = $1
`, key)

	var e Entry
	if err := row.Scan(&e.Entrypoint, &e.Contract, &e.Fingerprint, &e.StatusCode, &e.Response, &e.CreatedAt, &e.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if e.expired(time.Now()) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &e, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, entry Entry) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO invocation_idempotency (key, entrypoint, contract, fingerprint, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO UPDATE
SET entrypoint = EXCLUDED.entrypoint,
    contract = EXCLUDED.contract,
    fingerprint = EXCLUDED.fingerprint,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, entry.Entrypoint, entry.Contract, entry.Fingerprint, entry.StatusCode, entry.Response, entry.CreatedAt, entry.ExpiresAt)
	return err
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM invocation_idempotency WHERE key = $1`, key)
}

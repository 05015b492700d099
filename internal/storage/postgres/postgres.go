package postgres

import (
	"context"

	"fairpay/internal/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Store persists contract instances and their storage in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS contract_instances (
    address TEXT PRIMARY KEY,
    deployer TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS instance_storage (
    address TEXT NOT NULL REFERENCES contract_instances(address),
    key TEXT NOT NULL,
    value BYTEA NOT NULL,
    PRIMARY KEY (address, key)
);
CREATE TABLE IF NOT EXISTS request_nonces (
    signer TEXT NOT NULL,
    nonce TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (signer, nonce)
);
`

const uniqueViolation = "23505"

// New connects to Postgres using the DSN and ensures the tables exist.
func New(ctx context.Context, dsn string) (*Store, error) {
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

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func (p *Store) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Store) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Store) Deploy(ctx context.Context, inst storage.Instance) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO contract_instances (address, deployer, created_at)
VALUES ($1, $2, $3)
`, inst.Address.Hex(), inst.Deployer.Hex(), inst.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.ErrInstanceExists
	}
	return err
}

func (p *Store) Instance(ctx context.Context, addr common.Address) (storage.Instance, error) {
	row := p.pool.QueryRow(ctx, `
SELECT deployer, created_at
FROM contract_instances
WHERE address = $1
`, addr.Hex())

	var (
		deployer string
		inst     = storage.Instance{Address: addr}
	)
	if err := row.Scan(&deployer, &inst.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Instance{}, storage.ErrUnknownInstance
		}
		return storage.Instance{}, err
	}
	inst.Deployer = common.HexToAddress(deployer)
	return inst, nil
}

func (p *Store) Instances(ctx context.Context) ([]storage.Instance, error) {
	rows, err := p.pool.Query(ctx, `
SELECT address, deployer, created_at
FROM contract_instances
ORDER BY created_at
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Instance
	for rows.Next() {
		var (
			addr, deployer string
			inst           storage.Instance
		)
		if err := rows.Scan(&addr, &deployer, &inst.CreatedAt); err != nil {
			return nil, err
		}
		inst.Address = common.HexToAddress(addr)
		inst.Deployer = common.HexToAddress(deployer)
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (p *Store) Get(ctx context.Context, addr common.Address, key string) ([]byte, error) {
	if err := p.requireInstance(ctx, p.pool, addr); err != nil {
		return nil, err
	}
	var val []byte
	err := p.pool.QueryRow(ctx, `
SELECT value FROM instance_storage WHERE address = $1 AND key = $2
`, addr.Hex(), key).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return val, err
}

func (p *Store) Apply(ctx context.Context, addr common.Address, batch storage.Batch) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := p.requireInstance(ctx, tx, addr); err != nil {
		return err
	}

	for k, v := range batch.Puts {
		_, err := tx.Exec(ctx, `
INSERT INTO instance_storage (address, key, value)
VALUES ($1, $2, $3)
ON CONFLICT (address, key) DO UPDATE
SET value = EXCLUDED.value
`, addr.Hex(), k, v)
		if err != nil {
			return errors.Wrapf(err, "put %s", k)
		}
	}
	for _, k := range batch.Deletes {
		if _, err := tx.Exec(ctx, `DELETE FROM instance_storage WHERE address = $1 AND key = $2`, addr.Hex(), k); err != nil {
			return errors.Wrapf(err, "delete %s", k)
		}
	}
	return tx.Commit(ctx)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Store) requireInstance(ctx context.Context, q querier, addr common.Address) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM contract_instances WHERE address = $1`, addr.Hex()).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrUnknownInstance
	}
	return err
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/lending-engine/internal/account"
)

// Schema creates the accounts table. Record data is stored verbatim as BYTEA.
const Schema = `CREATE TABLE IF NOT EXISTS accounts (
	key        TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Updates run in SERIALIZABLE transactions and lock every row they read.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) Get(ctx context.Context, key string) (account.Record, error) {
	return getRecord(ctx, s.pool, key, false)
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]account.Record, error) {
	return listRecords(ctx, s.pool, prefix)
}

// Update retries the whole transaction when PostgreSQL aborts it with a
// serialization failure or deadlock, up to maxTxAttempts times.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return retryConflicts(ctx, maxTxAttempts, func() error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(&postgresTx{tx: tx})
		})
	})
}

const maxTxAttempts = 5

// SQLSTATE codes for transactions PostgreSQL rolled back because of a
// concurrent writer.
const (
	sqlSerializationFailure = "40001"
	sqlDeadlockDetected     = "40P01"
)

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlSerializationFailure || pgErr.Code == sqlDeadlockDetected
}

func retryConflicts(ctx context.Context, attempts int, run func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = run()
		if err == nil || !isConflict(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}
		slog.Debug("retrying conflicting transaction", "attempt", attempt, "err", err)
	}
	return err
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Get(ctx context.Context, key string) (account.Record, error) {
	return getRecord(ctx, t.tx, key, true)
}

func (t *postgresTx) List(ctx context.Context, prefix string) ([]account.Record, error) {
	return listRecords(ctx, t.tx, prefix)
}

func (t *postgresTx) Put(ctx context.Context, rec account.Record) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (key, owner, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE
		 SET owner = EXCLUDED.owner, data = EXCLUDED.data, updated_at = now()`,
		rec.Key, rec.Owner, rec.Data,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.Key, err)
	}
	return nil
}

func getRecord(ctx context.Context, q querier, key string, lock bool) (account.Record, error) {
	sql := `SELECT key, owner, data FROM accounts WHERE key = $1`
	if lock {
		sql += ` FOR UPDATE`
	}

	var rec account.Record
	err := q.QueryRow(ctx, sql, key).Scan(&rec.Key, &rec.Owner, &rec.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return account.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

func listRecords(ctx context.Context, q querier, prefix string) ([]account.Record, error) {
	rows, err := q.Query(ctx,
		`SELECT key, owner, data FROM accounts
		 WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []account.Record
	for rows.Next() {
		var rec account.Record
		if err := rows.Scan(&rec.Key, &rec.Owner, &rec.Data); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

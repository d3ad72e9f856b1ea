package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/state"
)

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// DocStore is the PostgreSQL document backend: one JSONB row per entity in
// the entities table. Operations performed with a context produced by
// WithTx run inside that transaction.
type DocStore struct {
	pool *pgxpool.Pool
}

func NewDocStore(pool *pgxpool.Pool) *DocStore {
	return &DocStore{pool: pool}
}

var _ state.Backend = (*DocStore)(nil)

func (d *DocStore) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return d.pool
}

func (d *DocStore) GetDoc(ctx context.Context, kind entity.Kind, id string) ([]byte, error) {
	var doc []byte
	err := d.querier(ctx).QueryRow(ctx,
		`SELECT doc FROM entities WHERE kind = $1 AND id = $2`,
		string(kind), id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get doc: %w", err)
	}
	return doc, nil
}

func (d *DocStore) ListDocs(ctx context.Context, kind entity.Kind) (map[string][]byte, error) {
	rows, err := d.querier(ctx).Query(ctx,
		`SELECT id, doc FROM entities WHERE kind = $1`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		out[id] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	return out, nil
}

func (d *DocStore) PutDoc(ctx context.Context, kind entity.Kind, id string, doc []byte) error {
	_, err := d.querier(ctx).Exec(ctx,
		`INSERT INTO entities (kind, id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (kind, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		string(kind), id, doc,
	)
	if err != nil {
		return fmt.Errorf("put doc: %w", err)
	}
	return nil
}

func (d *DocStore) DeleteDoc(ctx context.Context, kind entity.Kind, id string) error {
	_, err := d.querier(ctx).Exec(ctx,
		`DELETE FROM entities WHERE kind = $1 AND id = $2`,
		string(kind), id,
	)
	if err != nil {
		return fmt.Errorf("delete doc: %w", err)
	}
	return nil
}

// WithTx runs fn inside a database transaction. Document operations using
// the context passed to fn join it; the transaction commits when fn returns
// nil and rolls back otherwise.
func (d *DocStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

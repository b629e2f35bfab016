package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/seqtext/pkg/snapshot"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	p := &Postgres{pool: pool}
	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text primary key,
		text text not null,
		digest text not null,
		content bytea not null,
		updated_at timestamptz not null default now()
		)`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}
	return p, nil
}

func (p *Postgres) Load(ctx context.Context, id string) (snapshot.State, error) {
	var raw []byte
	if err := p.pool.QueryRow(ctx, `SELECT content FROM documents WHERE id = $1`, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snapshot.State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return snapshot.State{}, fmt.Errorf("failed to query: %w", err)
	}
	return snapshot.Decode(raw)
}

func (p *Postgres) Save(ctx context.Context, id string, state snapshot.State) (bool, error) {
	digest, err := state.Digest()
	if err != nil {
		return false, err
	}
	raw, err := snapshot.Encode(state)
	if err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO documents (id, text, digest, content) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET text = excluded.text, digest = excluded.digest, content = excluded.content, updated_at = now()
		WHERE documents.digest IS DISTINCT FROM excluded.digest`,
		id, state.Text, digest, raw,
	)
	if err != nil {
		return false, fmt.Errorf("failed to persist state: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return ids, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

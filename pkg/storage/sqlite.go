package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/seqtext/pkg/snapshot"
)

type SQLite struct {
	database *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	s := &SQLite{database: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		text text not null,
		digest text not null,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	slog.Info("Ensured documents table exists")
	return nil
}

func (s *SQLite) Load(ctx context.Context, id string) (snapshot.State, error) {
	var rawContent string
	if err := s.database.QueryRowContext(ctx,
		`SELECT content FROM documents WHERE id = ?`, id,
	).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshot.State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return snapshot.State{}, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return snapshot.State{}, fmt.Errorf("failed to decode: %w", err)
	}
	return snapshot.Decode(raw)
}

func (s *SQLite) Save(ctx context.Context, id string, state snapshot.State) (bool, error) {
	digest, err := state.Digest()
	if err != nil {
		return false, err
	}
	raw, err := snapshot.Encode(state)
	if err != nil {
		return false, err
	}
	res, err := s.database.ExecContext(ctx,
		`INSERT INTO documents (id, text, digest, content) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET text = excluded.text, digest = excluded.digest, content = excluded.content
		WHERE documents.digest != excluded.digest`,
		id, state.Text, digest, base64.StdEncoding.EncodeToString(raw),
	)
	if err != nil {
		return false, fmt.Errorf("failed to persist state: %w", err)
	}
	r, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count rows affected: %w", err)
	}
	return r > 0, nil
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.database.Close()
}

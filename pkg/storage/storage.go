// Package storage persists document snapshots so documents can be reopened
// after a restart with the same identifiers and tombstones they had.
package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/astromechza/seqtext/pkg/snapshot"
)

var ErrNotFound = errors.New("document not found")

type Store interface {
	// Load returns the last saved state of a document, or ErrNotFound.
	Load(ctx context.Context, id string) (snapshot.State, error)
	// Save writes the state of a document and reports whether anything changed.
	Save(ctx context.Context, id string, state snapshot.State) (bool, error)
	// List returns the ids of every stored document.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open picks a backend from the data source name: postgres:// and
// postgresql:// URLs use Postgres, anything else is a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(ctx, dsn)
}

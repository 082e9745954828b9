// Package store persists sheets, blocks and every supporting record in a
// relational database. Postgres and embedded SQLite are both supported;
// the DSN selects the driver. The chain itself stays authoritative in
// memory and is replayed from the blocks table on startup.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// Dialect names the SQL flavor in use.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store wraps the database handle with dialect-aware query rewriting.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects using the DSN. postgres:// and postgresql:// DSNs use
// lib/pq; anything else is treated as a SQLite path (":memory:" included).
func Open(dsn string) (*Store, error) {
	dialect := DialectSQLite
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, domain.Wrap(domain.KindPersistenceFailed, err, "open %s database", dialect)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// NewWithDB wraps an existing handle; tests inject sqlmock through this.
func NewWithDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the handle.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $N for postgres. Queries in this
// package are written with ? throughout.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is one transactional view of the store, used by the ledger sink so a
// block insert and its row updates commit or roll back together.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// WithTx runs fn inside a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wrap(domain.KindPersistenceFailed, err, "begin transaction")
	}
	if err := fn(&Tx{s: s, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.Wrap(domain.KindPersistenceFailed, err, "rollback also failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindPersistenceFailed, err, "commit transaction")
	}
	return nil
}

func pfail(err error, format string, args ...interface{}) error {
	return domain.Wrap(domain.KindPersistenceFailed, err, format, args...)
}

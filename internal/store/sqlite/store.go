// Package sqlite provides a SQLite-backed store.DataStore.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Payloads live in a JSON text column. Filters, orderings and paging are
// pushed down as json_extract SQL when querysql can express them; other
// queries are evaluated in memory over the set's rows in seq order.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/querysql"
	"github.com/roach88/entsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on entities(set_name, state)
const currentSchemaVersion = 1

// Store is a SQLite DataStore.
type Store struct {
	db       *sql.DB
	compiler *querysql.SQLCompiler
	resolver store.Resolver
	logger   *slog.Logger
}

var (
	_ store.DataStore      = (*Store)(nil)
	_ store.ResolverSetter = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, compiler: querysql.NewSQLCompiler(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init applies pragmas, schema and migrations. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if err := applyPragmas(ctx, s.db); err != nil {
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(ctx, s.db); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetResolver enables $expand.
func (s *Store) SetResolver(r store.Resolver) {
	s.resolver = r
}

// Reset deletes every stored entity.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// GetAll returns the set's items matching q.
func (s *Store) GetAll(ctx context.Context, setName string, q *query.Query) ([]store.Item, error) {
	sqlText, params, err := s.compiler.Compile(setName, q)
	var items []store.Item
	switch {
	case err == nil:
		items, err = s.queryItems(ctx, sqlText, params...)
		if err != nil {
			return nil, fmt.Errorf("get all %s: %w", setName, err)
		}
	case errors.Is(err, querysql.ErrUnsupported):
		s.logger.Debug("query not pushed down", "set", setName, "reason", err.Error())
		rows, err := s.queryItems(ctx,
			`SELECT key, state, data FROM entities WHERE set_name = ? ORDER BY seq ASC`, setName)
		if err != nil {
			return nil, fmt.Errorf("get all %s: %w", setName, err)
		}
		items, err = query.Apply(q, rows, false)
		if err != nil {
			return nil, fmt.Errorf("get all %s: %w", setName, err)
		}
	default:
		return nil, fmt.Errorf("get all %s: %w", setName, err)
	}
	return store.Project(ctx, s, s.resolver, setName, items, q)
}

// GetOne returns one item by key.
func (s *Store) GetOne(ctx context.Context, setName, key string, q *query.Query) (store.Item, error) {
	items, err := s.queryItems(ctx,
		`SELECT key, state, data FROM entities WHERE set_name = ? AND key = ?`, setName, key)
	if err != nil {
		return store.Item{}, fmt.Errorf("get %s/%s: %w", setName, key, err)
	}
	if len(items) == 0 {
		return store.Item{}, fmt.Errorf("get %s/%s: %w", setName, key, store.ErrNotFound)
	}
	projected, err := store.Project(ctx, s, s.resolver, setName, items, q)
	if err != nil {
		return store.Item{}, err
	}
	return projected[0], nil
}

func (s *Store) queryItems(ctx context.Context, sqlText string, args ...any) ([]store.Item, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []store.Item
	for rows.Next() {
		var item store.Item
		var data string
		if err := rows.Scan(&item.Key, &item.State, &data); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		item.Data, err = payload.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.ExecContext(ctx,
			`CREATE INDEX IF NOT EXISTS idx_entities_set_state ON entities(set_name, state)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

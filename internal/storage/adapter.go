// Package storage is the SQLite storage adapter. It owns the physical tables
// of every registered model plus the outbox and sync metadata system tables.
//
// Only this package may open or query the database. All other packages
// receive an [*Adapter] and call its methods.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/prefs"
	"github.com/njoerd114/datastore/internal/sqlgen"
)

// VersionStore persists the database version marker outside the database
// file. [*prefs.Store] implements it.
type VersionStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Options configure [Open].
type Options struct {
	// Path is the database file.
	Path string
	// Version is the schema version the database is built for. When it
	// differs from the persisted marker the file is deleted and rebuilt.
	// Empty disables the check.
	Version string
	// Prefs holds the version marker. Required when Version is set.
	Prefs VersionStore
}

// Adapter is the SQLite-backed storage adapter.
type Adapter struct {
	mu       sync.RWMutex
	db       *sql.DB
	path     string
	registry *model.Registry
	logger   *slog.Logger
}

// DefaultDBPath returns the default path for the database:
// ~/.local/share/datastore/datastore.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "datastore", "datastore.db"), nil
}

// Open opens (or creates) the database at opts.Path after applying the
// version gate. Tables are created by [Adapter.SetUp].
func Open(opts Options, registry *model.Registry, logger *slog.Logger) (*Adapter, error) {
	if opts.Path == "" {
		return nil, errs.New(errs.KindConfiguration, "database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	if opts.Version != "" && opts.Prefs != nil {
		if err := resetIfVersionChanged(opts.Path, opts.Version, opts.Prefs, logger); err != nil {
			return nil, err
		}
	}
	db, err := openDB(opts.Path)
	if err != nil {
		return nil, err
	}
	return &Adapter{db: db, path: opts.Path, registry: registry, logger: logger}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	return db, nil
}

// resetIfVersionChanged deletes the database file when the persisted version
// differs from version, then persists version. A missing marker only
// persists the new one.
func resetIfVersionChanged(path, version string, store VersionStore, logger *slog.Logger) error {
	prev, found, err := store.Get(prefs.KeyDatabaseVersion)
	if err != nil {
		return errs.Wrap(errs.KindInvalidDatabase, err, "reading database version")
	}
	if found && prev == version {
		return nil
	}
	if found {
		logger.Info("database version changed, rebuilding", "path", path, "from", prev, "to", version)
		if err := RemoveDatabase(path); err != nil {
			return errs.Wrap(errs.KindInvalidDatabase, err, "deleting outdated database")
		}
	}
	if err := store.Set(prefs.KeyDatabaseVersion, version); err != nil {
		return errs.Wrap(errs.KindInvalidDatabase, err, "persisting database version")
	}
	return nil
}

// RemoveDatabase deletes the database file and its WAL companions. Missing
// files are not an error.
func RemoveDatabase(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", path+suffix, err)
		}
	}
	return nil
}

// Path returns the database file path.
func (a *Adapter) Path() string {
	return a.path
}

// Registry returns the schema registry the adapter was opened with.
func (a *Adapter) Registry() *model.Registry {
	return a.registry
}

// Close releases the underlying database connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Close()
}

// SetUp creates the system tables and one table per registered schema,
// parents before children, with their indexes. It is idempotent.
func (a *Adapter) SetUp(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.setUp(ctx)
}

func (a *Adapter) setUp(ctx context.Context) error {
	var ordered []*model.Schema
	for _, name := range []string{model.MutationEventModel, model.MutationSyncMetadataModel, model.ModelSyncMetadataModel} {
		ordered = append(ordered, a.registry.MustSchema(name))
	}
	ordered = append(ordered, sqlgen.SortByDependencyOrder(a.registry.Schemas())...)

	err := a.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range ordered {
			ddl, err := sqlgen.CreateTable(s, a.registry)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("creating table %s: %w", s.Name, err)
			}
			if idx := sqlgen.CreateIndexes(s); idx != "" {
				if _, err := tx.ExecContext(ctx, idx); err != nil {
					return fmt.Errorf("creating indexes for %s: %w", s.Name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting up storage: %w", err)
	}
	a.logger.Debug("storage set up", "path", a.path, "models", len(ordered))
	return nil
}

// Clear deletes the database file and recreates empty tables in a new one.
func (a *Adapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	if err := RemoveDatabase(a.path); err != nil {
		return errs.Wrap(errs.KindInvalidDatabase, err, "clearing database")
	}
	db, err := openDB(a.path)
	if err != nil {
		return err
	}
	a.db = db
	a.logger.Info("storage cleared", "path", a.path)
	return a.setUp(ctx)
}

// --- helpers -----------------------------------------------------------------

// querier matches both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (a *Adapter) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (a *Adapter) schema(name string) (*model.Schema, error) {
	s, ok := a.registry.Schema(name)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "model %q is not registered", name)
	}
	return s, nil
}

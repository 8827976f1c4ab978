// Package sqlite is the durable store behind a swarm session: sessions,
// messages, structured memory (findings, artifacts, decisions, tasks),
// checkpoints, and the error log, all in a single SQLite database under
// ./.swarm/memory.db.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded sqlite engine

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

const component = "sqlite"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewDB opens (creating if needed) the swarm database at path and brings the
// schema up to date. The parent directory is created with owner-only
// permissions since session data can contain anything the agents wrote.
func NewDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "create database directory", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=wal_autocheckpoint(1000)"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "open database", err)
	}
	// Single writer keeps us clear of SQLITE_BUSY under concurrent monitor
	// ticks; WAL still lets readers proceed.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "ping database", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug(log.CatStore, "database ready", "path", path)
	return db, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "load migrations", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "init migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "init migrations", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "apply migrations", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeDatabaseError, component, "read schema version", err)
	}
	if dirty {
		return swarmerr.Newf(swarmerr.CodeDatabaseError, component, "schema is dirty at version %d", version)
	}
	log.Debug(log.CatStore, "migrations applied", "version", version)
	return nil
}

// DefaultPath returns the conventional database location under root
// (root being the swarm state directory, usually ./.swarm).
func DefaultPath(root string) string {
	return filepath.Join(root, "memory.db")
}

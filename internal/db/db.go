// Package db implements the SQLite persistence layer (C10): connection
// management, migrations, typed accessors for the entities in
// internal/model, and update hooks feeding the event bus (C8).
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ChangeOp mirrors the three SQLite update-hook operations.
type ChangeOp int

const (
	ChangeInsert ChangeOp = iota + 1
	ChangeUpdate
	ChangeDelete
)

// Change is one row-level mutation observed via the SQLite update hook.
type Change struct {
	Op     ChangeOp
	DB     string
	Table  string
	RowID  int64
}

// ChangeHook receives every Change as it commits; registered once at
// driver-connect time, it is shared by every connection the pool opens.
type ChangeHook func(Change)

// driverSeq gives each Open call its own registered driver name, so a
// per-call hook closure is never shadowed by an earlier call's driver
// registration (database/sql panics on re-registering a name, and sharing
// one name would silently keep only the first call's hook).
var driverSeq int64

// DB wraps a *sql.DB opened against a single-writer SQLite database, per
// spec §5 "DB is a single-writer SQLite connection pool; all mutations go
// through it."
type DB struct {
	*sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// every pending migration, and wires hook to the connection's update hook
// if non-nil so callers get row-change notifications for the event bus.
func Open(path string, hook ChangeHook) (*DB, error) {
	driverName := fmt.Sprintf("sqlite3_attemptd_%d", atomic.AddInt64(&driverSeq, 1))
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if hook != nil {
				conn.RegisterUpdateHook(func(op int, dbName, table string, rowID int64) {
					var changeOp ChangeOp
					switch op {
					case sqlite3.SQLITE_INSERT:
						changeOp = ChangeInsert
					case sqlite3.SQLITE_UPDATE:
						changeOp = ChangeUpdate
					case sqlite3.SQLITE_DELETE:
						changeOp = ChangeDelete
					default:
						return
					}
					hook(Change{Op: changeOp, DB: dbName, Table: table, RowID: rowID})
				})
			}
			return nil
		},
	})

	sqlDB, err := sql.Open(driverName, path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("db: opening %s: %w", path, err)
	}
	// SQLite does not support concurrent writers; serialize through a
	// single connection so "single-writer" holds even under Go's pooled
	// *sql.DB (spec §5).
	sqlDB.SetMaxOpenConns(1)

	d := &DB{DB: sqlDB}
	if err := d.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	if _, err := d.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("db: creating schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: reading embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		if err := d.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, name).Scan(&applied); err != nil {
			return fmt.Errorf("db: checking migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("db: reading migration %s: %w", name, err)
		}
		tx, err := d.Begin()
		if err != nil {
			return fmt.Errorf("db: beginning migration tx for %s: %w", name, err)
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("db: applying migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("db: recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("db: committing migration %s: %w", name, err)
		}
	}
	return nil
}

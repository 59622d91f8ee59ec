package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/runtimed/internal/common/config"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// SQLite WAL mode allows many readers alongside the single writer.
	defaultSQLiteReaderConns = 2
)

// Open opens the pool selected by cfg. sqlitePath is used by the sqlite driver.
func Open(cfg config.HistoryConfig, sqlitePath string) (*Pool, error) {
	switch cfg.Driver {
	case "", "sqlite":
		writer, err := OpenSQLite(sqlitePath)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(sqlitePath)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	case "postgres":
		db, err := OpenPostgres(cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(db, "pgx")
		return NewPool(x, x), nil
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}
}

// OpenSQLite opens a SQLite database configured for writes (single connection).
func OpenSQLite(dbPath string) (*sql.DB, error) {
	normalizedPath := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// OpenSQLiteReader opens a read-only pool that reads WAL snapshots
// concurrently with the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?mode=ro&_busy_timeout=%d",
		normalizeSQLitePath(dbPath),
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	db.SetMaxOpenConns(defaultSQLiteReaderConns)
	db.SetMaxIdleConns(defaultSQLiteReaderConns)

	return db, nil
}

// OpenPostgres opens a PostgreSQL database connection using pgx.
func OpenPostgres(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

func ensureSQLiteFile(dbPath string) error {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

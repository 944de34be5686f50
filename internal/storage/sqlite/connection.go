package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"
)

// SQLiteDB manages the single *sql.DB shared by the job store (C1) and the
// goqite queue table (C2) backing maragu.dev/goqite.
type SQLiteDB struct {
	db     *sql.DB
	logger arbor.ILogger
	path   string
}

// NewSQLiteDB opens (and, if requested, resets) the database file used for
// both job rows and the queue table.
func NewSQLiteDB(logger arbor.ILogger, path string, resetOnStartup bool) (*SQLiteDB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	if resetOnStartup {
		if err := resetDatabase(logger, path); err != nil {
			return nil, fmt.Errorf("reset database: %w", err)
		}
	}

	logger.Debug().Str("path", path).Msg("opening database connection")

	// modernc.org/sqlite registers driver name "sqlite", not "sqlite3".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// storms under the dispatcher's worker pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteDB{db: db, logger: logger, path: path}

	if err := s.configure(); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	logger.Info().Str("path", path).Msg("sqlite database initialized")
	return s, nil
}

func (s *SQLiteDB) configure() error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	return nil
}

// DB returns the underlying connection shared by store and queue.
func (s *SQLiteDB) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLiteDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive; used by the supervisor's
// persistence health probe (spec §4.7 step 1).
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func resetDatabase(logger arbor.ILogger, dbPath string) error {
	logger.Warn().Str("path", dbPath).Msg("resetting database (deleting all data)")

	for _, suffix := range []string{"", "-wal", "-shm"} {
		p := dbPath + suffix
		if err := os.Remove(p); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", p, err)
			}
			continue
		}
		logger.Debug().Str("path", p).Msg("deleted database file")
	}
	return nil
}

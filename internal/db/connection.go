// Package db opens and migrates the SQLite-backed relational store
// the Monitor daemon uses for presence and news (spec.md §3, §4.7).
// The original specifies no SQL dialect (a Non-goal); SQLite is the
// concrete choice, adapted from the teacher's own SQLite connection
// helper.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ralphm/mimir/internal/errors"
)

const (
	// JournalMode enables concurrent reads during writes.
	JournalMode = "WAL"
	// BusyTimeoutMS is how long to wait for locks before SQLITE_BUSY.
	BusyTimeoutMS = 5000
)

// Open opens (creating if necessary) the SQLite database at path and
// applies the pragmas the Monitor's write-heavy presence/news workload
// needs.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", dir)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open database at %s", path)
	}

	if _, err := conn.Exec("PRAGMA journal_mode = " + JournalMode); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "enable %s journal mode", JournalMode)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	if log != nil {
		log.Infow("database opened", "path", path)
	}

	return conn, nil
}

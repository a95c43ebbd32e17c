package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ralphm/mimir/internal/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every migration in migrations/ that has not yet
// been recorded in schema_migrations, in ascending numeric order,
// each inside its own transaction.
func Migrate(conn *sql.DB, log *zap.SugaredLogger) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return errors.Wrap(err, "create schema_migrations table")
	}

	applied := map[int]bool{}
	rows, err := conn.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return errors.Wrap(err, "read schema_migrations")
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan schema_migrations row")
		}
		applied[v] = true
	}
	rows.Close()

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read embedded migrations")
	}

	type migration struct {
		version int
		name    string
	}
	var pending []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return errors.Wrapf(err, "parse migration version from %s", entry.Name())
		}
		if applied[version] {
			continue
		}
		pending = append(pending, migration{version: version, name: entry.Name()})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		contents, err := migrations.ReadFile(filepath.Join("migrations", m.name))
		if err != nil {
			return errors.Wrapf(err, "read migration %s", m.name)
		}

		tx, err := conn.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin transaction for migration %s", m.name)
		}
		if _, err := tx.Exec(string(contents)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "apply migration %s", m.name)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record migration %s", m.name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %s", m.name)
		}

		if log != nil {
			log.Infow("migration applied", "version", m.version, "file", m.name)
		}
	}

	return nil
}

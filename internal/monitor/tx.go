package monitor

import (
	"context"
	"database/sql"

	"github.com/ralphm/mimir/internal/errors"
)

// runInTx begins a transaction on db, runs fn, and commits or rolls
// back depending on whether fn returned an error. Shared by
// PresenceStore and NewsService, both of which need the same
// begin/rollback-on-error/commit shape around a handful of statements.
func runInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

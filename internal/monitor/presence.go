// Package monitor tracks XMPP presence and feeds subscribers the
// news notifications they've asked for, adapted from
// mimir.monitor.presence and mimir.monitor.news.
package monitor

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/ralphm/mimir/internal/errors"
)

// PresenceStore persists per-resource presence and elects each bare
// jid's top resource, adapted from mimir.monitor.presence.Storage.
type PresenceStore struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewPresenceStore builds a PresenceStore over db, first marking every
// presence that was 'available' at last shutdown 'unavailable' (the
// constructor's UPDATE, since a restarted Monitor has no live stream
// to have announced those resources leaving).
func NewPresenceStore(ctx context.Context, db *sql.DB, log *zap.SugaredLogger) (*PresenceStore, error) {
	_, err := db.ExecContext(ctx, `UPDATE presences
		SET type = 'unavailable', show = '', status = '', priority = 0
		WHERE type = 'available'`)
	if err != nil {
		return nil, errors.Wrap(err, "reset stale presences")
	}
	return &PresenceStore{db: db, log: log}, nil
}

// StorePresence records one resource's presence update and re-elects
// the bare jid's top resource, returning whether the roster's view of
// that jid actually changed (spec.md's "changed" predicate), adapted
// from mimir.monitor.presence.Monitor.store_presence.
func (s *PresenceStore) StorePresence(ctx context.Context, bareJID, resource string, available bool, show, status string, priority int) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = setPresence(ctx, tx, bareJID, resource, available, show, status, priority)
		if err != nil {
			return err
		}
		changed, err = updateRoster(ctx, tx, bareJID, resource, changed)
		return err
	})
	return changed, err
}

// RemovePresences deletes every presence and the roster entry for
// bareJID, called when a contact unsubscribes.
func (s *PresenceStore) RemovePresences(ctx context.Context, bareJID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM roster WHERE jid = ?`, bareJID); err != nil {
			return errors.Wrap(err, "delete roster entry")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM presences WHERE jid = ?`, bareJID); err != nil {
			return errors.Wrap(err, "delete presences")
		}
		return nil
	})
}

func (s *PresenceStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return runInTx(ctx, s.db, fn)
}

// setPresence implements Storage._set_presence: it deletes a stale
// unavailable row for (jid, resource) before writing the new one, and
// reports whether *this* resource's own record materially changed.
func setPresence(ctx context.Context, tx *sql.Tx, bareJID, resource string, available bool, show, status string, priority int) (bool, error) {
	presenceType := "unavailable"
	if available {
		presenceType = "available"
	}

	var id int64
	var oldType, oldShow string
	err := tx.QueryRowContext(ctx, `SELECT presence_id, type, show FROM presences
		WHERE jid = ? AND resource = ?`, bareJID, resource).Scan(&id, &oldType, &oldShow)

	switch {
	case err == sql.ErrNoRows:
		_, insErr := tx.ExecContext(ctx, `INSERT INTO presences
			(type, show, status, priority, jid, resource, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, datetime('now'))`,
			presenceType, show, status, priority, bareJID, resource)
		if insErr != nil {
			return false, errors.Wrap(insErr, "insert presence")
		}
		return true, nil
	case err != nil:
		return false, errors.Wrap(err, "select presence")
	}

	if oldType == "unavailable" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM presences WHERE presence_id = ?`, id); err != nil {
			return false, errors.Wrap(err, "delete stale unavailable presence")
		}
		_, insErr := tx.ExecContext(ctx, `INSERT INTO presences
			(type, show, status, priority, jid, resource, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, datetime('now'))`,
			presenceType, show, status, priority, bareJID, resource)
		if insErr != nil {
			return false, errors.Wrap(insErr, "insert presence")
		}
		return true, nil
	}

	changed := show != oldShow || presenceType != oldType
	_, err = tx.ExecContext(ctx, `UPDATE presences SET
		type = ?, show = ?, status = ?, priority = ?, last_updated = datetime('now')
		WHERE presence_id = ?`, presenceType, show, status, priority, id)
	if err != nil {
		return false, errors.Wrap(err, "update presence")
	}
	return changed, nil
}

// updateRoster implements Storage._update_roster: elect the top
// resource for bareJID (available resources first, by descending
// priority, ties broken by earliest-inserted presence id, then most
// recently updated) and record it in roster, returning the updated
// changed flag.
func updateRoster(ctx context.Context, tx *sql.Tx, bareJID, resource string, changed bool) (bool, error) {
	var topID int64
	var topResource string
	err := tx.QueryRowContext(ctx, `SELECT presence_id, resource FROM presences
		WHERE jid = ?
		ORDER BY type, priority DESC,
		         (CASE WHEN type = 'available' THEN presence_id ELSE 0 END),
		         last_updated DESC
		LIMIT 1`, bareJID).Scan(&topID, &topResource)
	if err != nil {
		return false, errors.Wrap(err, "elect top resource")
	}

	var oldTopID int64
	err = tx.QueryRowContext(ctx, `SELECT presence_id FROM roster WHERE jid = ?`, bareJID).Scan(&oldTopID)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `INSERT INTO roster (presence_id, jid) VALUES (?, ?)`, topID, bareJID); err != nil {
			return false, errors.Wrap(err, "insert roster entry")
		}
		return true, nil
	case err != nil:
		return false, errors.Wrap(err, "select roster entry")
	}

	switch {
	case oldTopID != topID:
		changed = true
	case resource != topResource:
		changed = false
	}

	if _, err := tx.ExecContext(ctx, `UPDATE roster SET presence_id = ? WHERE jid = ?`, topID, bareJID); err != nil {
		return false, errors.Wrap(err, "update roster entry")
	}
	return changed, nil
}

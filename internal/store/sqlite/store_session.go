package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/circlejoin/internal/session"
)

// SessionStore is the session.Store view of a [Store].
type SessionStore struct {
	s *Store
}

// Sessions returns the session store backed by the same database.
func (s *Store) Sessions() *SessionStore {
	return &SessionStore{s: s}
}

func (ss *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var name, token, state sql.NullString
	var created, expires time.Time
	err := ss.s.getSessionStmt.QueryRowContext(ctx, session.StorageKey(id), time.Now().UTC()).
		Scan(&name, &token, &state, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !expires.After(time.Now()) {
		return nil, session.ErrNotFound
	}
	return &session.Session{
		ID:          id,
		Name:        name.String,
		AccessToken: token.String,
		State:       state.String,
		CreatedAt:   created,
		ExpiresAt:   expires,
	}, nil
}

func (ss *SessionStore) Put(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session: missing session id")
	}
	now := time.Now().UTC()
	if sess.Expired(now) {
		return errors.New("session: expires_at must be in the future")
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := ss.s.db.ExecContext(ctx, `
INSERT INTO sessions(id_hash, name, access_token, state, created_at, expires_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id_hash) DO UPDATE SET
	name = excluded.name,
	access_token = excluded.access_token,
	state = excluded.state`,
		session.StorageKey(sess.ID),
		nullableString(sess.Name),
		nullableString(sess.AccessToken),
		nullableString(sess.State),
		created.UTC(),
		sess.ExpiresAt.UTC(),
	)
	return err
}

func (ss *SessionStore) Delete(ctx context.Context, id string) error {
	_, err := ss.s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id_hash = ?`, session.StorageKey(id))
	return err
}

// PurgeExpired removes sessions expired at now. It limits each run to avoid
// long write transactions.
func (ss *SessionStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := ss.s.db.ExecContext(ctx, `
DELETE FROM sessions
WHERE id_hash IN (
	SELECT id_hash
	FROM sessions
	WHERE expires_at <= ?
	ORDER BY expires_at ASC
	LIMIT ?
)`, now.UTC(), defaultSessionPurgeLimit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

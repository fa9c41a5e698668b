// Package postgres implements the storage port on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

const defaultTimeout = 5 * time.Second

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_name        TEXT PRIMARY KEY,
		password            TEXT NOT NULL,
		secret_key          TEXT NOT NULL,
		retry_interval      BIGINT NOT NULL,
		max_retry_limit     INTEGER NOT NULL,
		message_expiry_time BIGINT,
		session_expiry      TIMESTAMPTZ,
		suspended           BOOLEAN NOT NULL DEFAULT FALSE,
		notifier_config     TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		session_name    TEXT NOT NULL REFERENCES sessions(session_name) ON DELETE CASCADE,
		message_id      TEXT NOT NULL,
		topic           TEXT NOT NULL,
		data            TEXT NOT NULL,
		hash            TEXT NOT NULL,
		"timestamp"     BIGINT NOT NULL,
		"type"          TEXT NOT NULL,
		retry_count     INTEGER NOT NULL,
		expiry_time     TIMESTAMPTZ,
		max_retry_limit INTEGER NOT NULL,
		retry_interval  BIGINT NOT NULL,
		published_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_name, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_expiry_idx
		ON messages (expiry_time) WHERE expiry_time IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS device_tokens (
		session_name TEXT NOT NULL REFERENCES sessions(session_name) ON DELETE CASCADE,
		user_id      TEXT NOT NULL,
		device_id    TEXT NOT NULL,
		token        TEXT NOT NULL,
		platform     TEXT NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_name, user_id, device_id)
	)`,
}

// Store is a durable storage backend on PostgreSQL.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{db: db, timeout: defaultTimeout}, nil
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO sessions (session_name, password, secret_key, retry_interval,
			max_retry_limit, message_expiry_time, session_expiry, suspended,
			notifier_config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		sess.SessionName, sess.Password, sess.SecretKey, sess.RetryInterval,
		sess.MaxRetryLimit, sess.MessageExpiryTime, sess.SessionExpiry,
		sess.Suspended, sess.NotifierConfig, sess.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession loads one session, or nil when absent.
func (s *Store) GetSession(ctx context.Context, name string) (*storage.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sess storage.Session
	err := s.db.GetContext(ctx, &sess,
		`SELECT * FROM sessions WHERE session_name = $1`, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// UpdateSession applies a partial patch.
func (s *Store) UpdateSession(ctx context.Context, name string, patch storage.SessionPatch) error {
	sets, args := buildSessionPatch(patch)
	if len(sets) == 0 {
		existing, err := s.GetSession(ctx, name)
		if err != nil {
			return err
		}
		if existing == nil {
			return storage.ErrNotFound
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args = append(args, name)
	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE session_name = $%d`,
		strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// buildSessionPatch renders the SET clause for the non-nil patch fields.
func buildSessionPatch(patch storage.SessionPatch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Suspended != nil {
		add("suspended", *patch.Suspended)
	}
	if patch.RetryInterval != nil {
		add("retry_interval", *patch.RetryInterval)
	}
	if patch.MaxRetryLimit != nil {
		add("max_retry_limit", *patch.MaxRetryLimit)
	}
	if patch.MessageExpiryTime != nil {
		add("message_expiry_time", *patch.MessageExpiryTime)
	}
	if patch.SessionExpiry != nil {
		add("session_expiry", *patch.SessionExpiry)
	}
	if patch.NotifierConfig != nil {
		add("notifier_config", *patch.NotifierConfig)
	}
	return sets, args
}

// DeleteSession removes the session; messages and tokens go with it via
// the foreign-key cascade.
func (s *Store) DeleteSession(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListSessions returns all sessions ordered by name.
func (s *Store) ListSessions(ctx context.Context) ([]storage.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sessions := []storage.Session{}
	err := s.db.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions ORDER BY session_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// SaveMessage upserts by (session_name, message_id).
func (s *Store) SaveMessage(ctx context.Context, m storage.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO messages (session_name, message_id, topic, data, hash,
			"timestamp", "type", retry_count, expiry_time, max_retry_limit,
			retry_interval, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_name, message_id) DO UPDATE SET
			topic = EXCLUDED.topic,
			data = EXCLUDED.data,
			hash = EXCLUDED.hash,
			"timestamp" = EXCLUDED."timestamp",
			"type" = EXCLUDED."type",
			retry_count = EXCLUDED.retry_count,
			expiry_time = EXCLUDED.expiry_time,
			max_retry_limit = EXCLUDED.max_retry_limit,
			retry_interval = EXCLUDED.retry_interval,
			published_at = EXCLUDED.published_at`

	_, err := s.db.ExecContext(ctx, query,
		m.SessionName, m.MessageID, m.Topic, m.Data, m.Hash, m.Timestamp,
		m.Type, m.RetryCount, m.ExpiryTime, m.MaxRetryLimit, m.RetryInterval,
		m.PublishedAt)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessage loads one cached message, or nil when absent.
func (s *Store) GetMessage(ctx context.Context, session, id string) (*storage.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var m storage.Message
	err := s.db.GetContext(ctx, &m,
		`SELECT * FROM messages WHERE session_name = $1 AND message_id = $2`,
		session, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

// RemoveMessage deletes one cached message; absent rows are a no-op.
func (s *Store) RemoveMessage(ctx context.Context, session, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_name = $1 AND message_id = $2`,
		session, id)
	if err != nil {
		return fmt.Errorf("failed to remove message: %w", err)
	}
	return nil
}

// ListPendingMessages returns the session's cached messages oldest first.
func (s *Store) ListPendingMessages(ctx context.Context, session string) ([]storage.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	messages := []storage.Message{}
	err := s.db.SelectContext(ctx, &messages,
		`SELECT * FROM messages WHERE session_name = $1
		 ORDER BY published_at, message_id`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	return messages, nil
}

// CleanupExpired deletes expired messages and expired sessions in one
// transaction; session deletion cascades to owned rows.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (storage.CleanupStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var stats storage.CleanupStats
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin cleanup: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE expiry_time IS NOT NULL AND expiry_time < $1`, now)
	if err != nil {
		return stats, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return stats, fmt.Errorf("failed to read rows affected: %w", err)
	}
	stats.Messages = int(removed)

	rows, err := tx.QueryxContext(ctx,
		`DELETE FROM sessions WHERE session_expiry IS NOT NULL AND session_expiry < $1
		 RETURNING session_name`, now)
	if err != nil {
		return stats, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return stats, fmt.Errorf("failed to scan expired session: %w", err)
		}
		stats.Sessions = append(stats.Sessions, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to read expired sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return stats, nil
}

// SaveDeviceToken upserts by (session_name, user_id, device_id).
func (s *Store) SaveDeviceToken(ctx context.Context, t storage.DeviceToken) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO device_tokens (session_name, user_id, device_id, token,
			platform, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_name, user_id, device_id) DO UPDATE SET
			token = EXCLUDED.token,
			platform = EXCLUDED.platform,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		t.SessionName, t.UserID, t.DeviceID, t.Token, t.Platform, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save device token: %w", err)
	}
	return nil
}

// GetDeviceTokens returns every token registered under the session.
func (s *Store) GetDeviceTokens(ctx context.Context, session string) ([]storage.DeviceToken, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tokens := []storage.DeviceToken{}
	err := s.db.SelectContext(ctx, &tokens,
		`SELECT * FROM device_tokens WHERE session_name = $1
		 ORDER BY user_id, device_id`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	return tokens, nil
}

// DeleteDeviceToken removes one token; absent rows are a no-op.
func (s *Store) DeleteDeviceToken(ctx context.Context, session, user, device string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM device_tokens
		 WHERE session_name = $1 AND user_id = $2 AND device_id = $3`,
		session, user, device)
	if err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)

// Package sqlite implements the storage port on an embedded SQLite
// database via the cgo-free modernc driver. Times are stored as unix
// milliseconds to keep scans driver-independent.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const defaultTimeout = 5 * time.Second

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_name        TEXT PRIMARY KEY,
		password            TEXT NOT NULL,
		secret_key          TEXT NOT NULL,
		retry_interval      INTEGER NOT NULL,
		max_retry_limit     INTEGER NOT NULL,
		message_expiry_time INTEGER,
		session_expiry      INTEGER,
		suspended           INTEGER NOT NULL DEFAULT 0,
		notifier_config     TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		session_name    TEXT NOT NULL,
		message_id      TEXT NOT NULL,
		topic           TEXT NOT NULL,
		data            TEXT NOT NULL,
		hash            TEXT NOT NULL,
		"timestamp"     INTEGER NOT NULL,
		"type"          TEXT NOT NULL,
		retry_count     INTEGER NOT NULL,
		expiry_time     INTEGER,
		max_retry_limit INTEGER NOT NULL,
		retry_interval  INTEGER NOT NULL,
		published_at    INTEGER NOT NULL,
		PRIMARY KEY (session_name, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_expiry_idx ON messages (expiry_time)`,
	`CREATE TABLE IF NOT EXISTS device_tokens (
		session_name TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		device_id    TEXT NOT NULL,
		token        TEXT NOT NULL,
		platform     TEXT NOT NULL,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (session_name, user_id, device_id)
	)`,
}

// Store is a durable storage backend on an embedded SQLite file.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open opens (creating if needed) the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// The driver serializes writers; a single pooled connection avoids
	// SQLITE_BUSY churn under concurrent callers.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
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

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

type sessionRow struct {
	SessionName       string `db:"session_name"`
	Password          string `db:"password"`
	SecretKey         string `db:"secret_key"`
	RetryInterval     int64  `db:"retry_interval"`
	MaxRetryLimit     int    `db:"max_retry_limit"`
	MessageExpiryTime *int64 `db:"message_expiry_time"`
	SessionExpiry     *int64 `db:"session_expiry"`
	Suspended         bool   `db:"suspended"`
	NotifierConfig    string `db:"notifier_config"`
	CreatedAt         int64  `db:"created_at"`
}

func (r sessionRow) record() storage.Session {
	return storage.Session{
		SessionName:       r.SessionName,
		Password:          r.Password,
		SecretKey:         r.SecretKey,
		RetryInterval:     r.RetryInterval,
		MaxRetryLimit:     r.MaxRetryLimit,
		MessageExpiryTime: r.MessageExpiryTime,
		SessionExpiry:     timeFromMillis(r.SessionExpiry),
		Suspended:         r.Suspended,
		NotifierConfig:    r.NotifierConfig,
		CreatedAt:         time.UnixMilli(r.CreatedAt).UTC(),
	}
}

type messageRow struct {
	MessageID     string `db:"message_id"`
	SessionName   string `db:"session_name"`
	Topic         string `db:"topic"`
	Data          string `db:"data"`
	Hash          string `db:"hash"`
	Timestamp     int64  `db:"timestamp"`
	Type          string `db:"type"`
	RetryCount    int    `db:"retry_count"`
	ExpiryTime    *int64 `db:"expiry_time"`
	MaxRetryLimit int    `db:"max_retry_limit"`
	RetryInterval int64  `db:"retry_interval"`
	PublishedAt   int64  `db:"published_at"`
}

func (r messageRow) record() storage.Message {
	return storage.Message{
		MessageID:     r.MessageID,
		SessionName:   r.SessionName,
		Topic:         r.Topic,
		Data:          r.Data,
		Hash:          r.Hash,
		Timestamp:     r.Timestamp,
		Type:          r.Type,
		RetryCount:    r.RetryCount,
		ExpiryTime:    timeFromMillis(r.ExpiryTime),
		MaxRetryLimit: r.MaxRetryLimit,
		RetryInterval: r.RetryInterval,
		PublishedAt:   time.UnixMilli(r.PublishedAt).UTC(),
	}
}

func millisFromTime(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timeFromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO sessions (session_name, password, secret_key, retry_interval,
			max_retry_limit, message_expiry_time, session_expiry, suspended,
			notifier_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_name) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		sess.SessionName, sess.Password, sess.SecretKey, sess.RetryInterval,
		sess.MaxRetryLimit, sess.MessageExpiryTime, millisFromTime(sess.SessionExpiry),
		sess.Suspended, sess.NotifierConfig, sess.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// GetSession loads one session, or nil when absent.
func (s *Store) GetSession(ctx context.Context, name string) (*storage.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM sessions WHERE session_name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	rec := row.record()
	return &rec, nil
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
	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE session_name = ?`,
		strings.Join(sets, ", "))
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
		sets = append(sets, col+" = ?")
		args = append(args, v)
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
		add("session_expiry", patch.SessionExpiry.UnixMilli())
	}
	if patch.NotifierConfig != nil {
		add("notifier_config", *patch.NotifierConfig)
	}
	return sets, args
}

// DeleteSession removes the session and everything it owns.
func (s *Store) DeleteSession(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_tokens WHERE session_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete session tokens: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_name = ?`, name)
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
	return tx.Commit()
}

// ListSessions returns all sessions ordered by name.
func (s *Store) ListSessions(ctx context.Context) ([]storage.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows := []sessionRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM sessions ORDER BY session_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]storage.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// SaveMessage upserts by (session_name, message_id).
func (s *Store) SaveMessage(ctx context.Context, m storage.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO messages (session_name, message_id, topic, data, hash,
			"timestamp", "type", retry_count, expiry_time, max_retry_limit,
			retry_interval, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_name, message_id) DO UPDATE SET
			topic = excluded.topic,
			data = excluded.data,
			hash = excluded.hash,
			"timestamp" = excluded."timestamp",
			"type" = excluded."type",
			retry_count = excluded.retry_count,
			expiry_time = excluded.expiry_time,
			max_retry_limit = excluded.max_retry_limit,
			retry_interval = excluded.retry_interval,
			published_at = excluded.published_at`

	_, err := s.db.ExecContext(ctx, query,
		m.SessionName, m.MessageID, m.Topic, m.Data, m.Hash, m.Timestamp,
		m.Type, m.RetryCount, millisFromTime(m.ExpiryTime), m.MaxRetryLimit,
		m.RetryInterval, m.PublishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessage loads one cached message, or nil when absent.
func (s *Store) GetMessage(ctx context.Context, session, id string) (*storage.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row messageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM messages WHERE session_name = ? AND message_id = ?`,
		session, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	rec := row.record()
	return &rec, nil
}

// RemoveMessage deletes one cached message; absent rows are a no-op.
func (s *Store) RemoveMessage(ctx context.Context, session, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_name = ? AND message_id = ?`,
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

	rows := []messageRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM messages WHERE session_name = ?
		 ORDER BY published_at, message_id`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	out := make([]storage.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// CleanupExpired deletes expired messages and expired sessions with
// everything they own.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (storage.CleanupStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var stats storage.CleanupStats
	nowMS := now.UnixMilli()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin cleanup: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE expiry_time IS NOT NULL AND expiry_time < ?`, nowMS)
	if err != nil {
		return stats, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return stats, fmt.Errorf("failed to read rows affected: %w", err)
	}
	stats.Messages = int(removed)

	expired := []string{}
	err = tx.SelectContext(ctx, &expired,
		`SELECT session_name FROM sessions
		 WHERE session_expiry IS NOT NULL AND session_expiry < ?`, nowMS)
	if err != nil {
		return stats, fmt.Errorf("failed to find expired sessions: %w", err)
	}
	for _, name := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_name = ?`, name); err != nil {
			return stats, fmt.Errorf("failed to delete expired session messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_tokens WHERE session_name = ?`, name); err != nil {
			return stats, fmt.Errorf("failed to delete expired session tokens: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_name = ?`, name); err != nil {
			return stats, fmt.Errorf("failed to delete expired session: %w", err)
		}
	}
	sort.Strings(expired)
	stats.Sessions = expired
	if len(stats.Sessions) == 0 {
		stats.Sessions = nil
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
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_name, user_id, device_id) DO UPDATE SET
			token = excluded.token,
			platform = excluded.platform,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		t.SessionName, t.UserID, t.DeviceID, t.Token, t.Platform,
		t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save device token: %w", err)
	}
	return nil
}

// GetDeviceTokens returns every token registered under the session.
func (s *Store) GetDeviceTokens(ctx context.Context, session string) ([]storage.DeviceToken, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type tokenRow struct {
		SessionName string `db:"session_name"`
		UserID      string `db:"user_id"`
		DeviceID    string `db:"device_id"`
		Token       string `db:"token"`
		Platform    string `db:"platform"`
		UpdatedAt   int64  `db:"updated_at"`
	}
	rows := []tokenRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM device_tokens WHERE session_name = ?
		 ORDER BY user_id, device_id`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	out := make([]storage.DeviceToken, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.DeviceToken{
			SessionName: r.SessionName,
			UserID:      r.UserID,
			DeviceID:    r.DeviceID,
			Token:       r.Token,
			Platform:    r.Platform,
			UpdatedAt:   time.UnixMilli(r.UpdatedAt).UTC(),
		})
	}
	return out, nil
}

// DeleteDeviceToken removes one token; absent rows are a no-op.
func (s *Store) DeleteDeviceToken(ctx context.Context, session, user, device string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM device_tokens
		 WHERE session_name = ? AND user_id = ? AND device_id = ?`,
		session, user, device)
	if err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)

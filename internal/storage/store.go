// Package storage defines the persistence port the broker depends on and
// the records that cross it. Back-ends live in subpackages; the broker
// selects one at startup and never assumes durability beyond the
// contract stated here.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	ErrAlreadyExists = errors.New("storage: already exists")
	ErrNotFound      = errors.New("storage: not found")
)

// Store is the persistence port for sessions, cached messages, and
// device tokens. Implementations must be safe for concurrent callers and
// linearizable per primary key. Lookup misses return (nil, nil); only
// infrastructure failures surface as errors.
type Store interface {
	// Init prepares the backend (creating schema if needed). Idempotent.
	Init(ctx context.Context) error
	Close() error

	// CreateSession inserts a new session or fails with ErrAlreadyExists.
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, name string) (*Session, error)
	// UpdateSession applies a partial patch, last write wins. Returns
	// ErrNotFound for unknown sessions.
	UpdateSession(ctx context.Context, name string, patch SessionPatch) error
	// DeleteSession removes the session along with its cached messages
	// and device tokens. Returns ErrNotFound when the session is absent.
	DeleteSession(ctx context.Context, name string) error
	ListSessions(ctx context.Context) ([]Session, error)

	// SaveMessage upserts by (sessionName, messageId).
	SaveMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, session, id string) (*Message, error)
	// RemoveMessage is idempotent; removing an absent message is not an
	// error.
	RemoveMessage(ctx context.Context, session, id string) error
	// ListPendingMessages returns the session's cached messages ordered
	// by publish time; used on recovery.
	ListPendingMessages(ctx context.Context, session string) ([]Message, error)

	// CleanupExpired deletes messages whose expiry passed and sessions
	// whose sessionExpiry passed (cascading their messages and tokens),
	// reporting what was removed.
	CleanupExpired(ctx context.Context, now time.Time) (CleanupStats, error)

	// SaveDeviceToken upserts by (sessionName, userId, deviceId).
	SaveDeviceToken(ctx context.Context, t DeviceToken) error
	GetDeviceTokens(ctx context.Context, session string) ([]DeviceToken, error)
	DeleteDeviceToken(ctx context.Context, session, user, device string) error
}

// Package session implements the tenant registry: session creation with
// generated secrets, credential validation, suspension, and drop. Live
// broker state (connections, subscriptions, retry timers) is torn down
// through the drop hook so the registry stays free of broker imports.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammed-fawaz-cp/fastport/internal/clock"
	"github.com/mohammed-fawaz-cp/fastport/internal/events"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

// Defaults applied by Create when options are unset.
const (
	DefaultRetryIntervalMs = 5000
	DefaultMaxRetryLimit   = 100
)

var (
	// ErrAuth marks missing or incorrect credentials.
	ErrAuth = errors.New("session: invalid credentials")
	// ErrSuspended marks an init against a suspended session.
	ErrSuspended = errors.New("session: suspended")
)

// CreateOpts carries the optional session settings; zero values fall back
// to the registry defaults.
type CreateOpts struct {
	RetryIntervalMs     int64
	MaxRetryLimit       *int
	MessageExpiryTimeMs *int64
	SessionExpiry       *time.Time
	NotifierConfig      string
}

// Registry owns tenant lifecycle. Create and Drop for the same name are
// mutually exclusive; distinct names proceed concurrently.
type Registry struct {
	store storage.Store
	clock clock.Clock
	emit  events.Emitter

	mu    sync.Mutex
	names map[string]*nameLock

	// onDrop quiesces live broker state for a dropped or expired session
	// before the storage delete. Set once during wiring.
	onDrop func(name string)
}

type nameLock struct {
	sync.Mutex
	refs int
}

// NewRegistry builds a registry over the given store.
func NewRegistry(store storage.Store, clk clock.Clock, emit events.Emitter) *Registry {
	if emit == nil {
		emit = events.Nop{}
	}
	return &Registry{
		store: store,
		clock: clk,
		emit:  emit,
		names: make(map[string]*nameLock),
	}
}

// SetDropHook installs the live-state teardown callback. Must be called
// before the registry serves traffic.
func (r *Registry) SetDropHook(fn func(name string)) { r.onDrop = fn }

// lockName serializes operations per session name. The returned release
// function must be called exactly once.
func (r *Registry) lockName(name string) func() {
	r.mu.Lock()
	nl, ok := r.names[name]
	if !ok {
		nl = &nameLock{}
		r.names[name] = nl
	}
	nl.refs++
	r.mu.Unlock()

	nl.Lock()
	return func() {
		nl.Unlock()
		r.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(r.names, name)
		}
		r.mu.Unlock()
	}
}

// Create registers a new session and returns the record including the
// generated secret key. Fails with storage.ErrAlreadyExists on duplicate
// names.
func (r *Registry) Create(ctx context.Context, name, password string, opts CreateOpts) (storage.Session, error) {
	if name == "" || password == "" {
		return storage.Session{}, fmt.Errorf("session name and password are required")
	}
	release := r.lockName(name)
	defer release()

	existing, err := r.store.GetSession(ctx, name)
	if err != nil {
		return storage.Session{}, fmt.Errorf("failed to check session %q: %w", name, err)
	}
	if existing != nil {
		return storage.Session{}, storage.ErrAlreadyExists
	}

	secret, err := newSecretKey()
	if err != nil {
		return storage.Session{}, err
	}
	sess := storage.Session{
		SessionName:       name,
		Password:          password,
		SecretKey:         secret,
		RetryInterval:     opts.RetryIntervalMs,
		MaxRetryLimit:     DefaultMaxRetryLimit,
		MessageExpiryTime: opts.MessageExpiryTimeMs,
		SessionExpiry:     opts.SessionExpiry,
		NotifierConfig:    opts.NotifierConfig,
		CreatedAt:         r.clock.Now(),
	}
	if sess.RetryInterval <= 0 {
		sess.RetryInterval = DefaultRetryIntervalMs
	}
	if opts.MaxRetryLimit != nil {
		sess.MaxRetryLimit = *opts.MaxRetryLimit
	}

	if err := r.store.CreateSession(ctx, sess); err != nil {
		return storage.Session{}, err
	}
	r.emit.Emit(events.Event{Name: events.SessionCreated, Session: name})
	return sess, nil
}

// Suspend sets or clears the suspended flag after authorizing with both
// credentials. Existing connections stay open; new publishes and
// redeliveries are gated by the flag.
func (r *Registry) Suspend(ctx context.Context, name, password, secretKey string, suspend bool) error {
	release := r.lockName(name)
	defer release()

	if _, err := r.authorize(ctx, name, password, secretKey); err != nil {
		return err
	}
	if err := r.store.UpdateSession(ctx, name, storage.SessionPatch{Suspended: &suspend}); err != nil {
		return err
	}
	if suspend {
		r.emit.Emit(events.Event{Name: events.SessionSuspended, Session: name})
	} else {
		r.emit.Emit(events.Event{Name: events.SessionResumed, Session: name})
	}
	return nil
}

// Drop authorizes, quiesces the session's live state through the drop
// hook, then deletes the stored record with its messages and tokens. A
// second drop of the same name reports storage.ErrNotFound.
func (r *Registry) Drop(ctx context.Context, name, password, secretKey string) error {
	release := r.lockName(name)
	defer release()

	if _, err := r.authorize(ctx, name, password, secretKey); err != nil {
		return err
	}
	if r.onDrop != nil {
		r.onDrop(name)
	}
	if err := r.store.DeleteSession(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete session %q: %w", name, err)
	}
	r.emit.Emit(events.Event{Name: events.SessionDropped, Session: name})
	return nil
}

// ValidateInit checks an init frame's credentials. It returns ErrAuth for
// unknown names or a password mismatch (indistinguishable to the client)
// and ErrSuspended for suspended sessions.
func (r *Registry) ValidateInit(ctx context.Context, name, password string) (*storage.Session, error) {
	sess, err := r.store.GetSession(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %q: %w", name, err)
	}
	if sess == nil || sess.Expired(r.clock.Now()) {
		return nil, ErrAuth
	}
	if !equalCredential(sess.Password, password) {
		return nil, ErrAuth
	}
	if sess.Suspended {
		return nil, ErrSuspended
	}
	return sess, nil
}

// Get returns the named session, or nil when absent.
func (r *Registry) Get(ctx context.Context, name string) (*storage.Session, error) {
	return r.store.GetSession(ctx, name)
}

// List returns all sessions with credentials blanked.
func (r *Registry) List(ctx context.Context) ([]storage.Session, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Session, len(sessions))
	for i, s := range sessions {
		out[i] = s.Sanitized()
	}
	return out, nil
}

// authorize loads the session and checks both credentials in constant
// time. Unknown names surface as storage.ErrNotFound so admin callers can
// distinguish them from bad credentials.
func (r *Registry) authorize(ctx context.Context, name, password, secretKey string) (*storage.Session, error) {
	sess, err := r.store.GetSession(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %q: %w", name, err)
	}
	if sess == nil {
		return nil, storage.ErrNotFound
	}
	passOK := equalCredential(sess.Password, password)
	keyOK := equalCredential(sess.SecretKey, secretKey)
	if !passOK || !keyOK {
		return nil, ErrAuth
	}
	return sess, nil
}

func equalCredential(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// newSecretKey draws 32 random bytes and serializes them as hex.
func newSecretKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate secret key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

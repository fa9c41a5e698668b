// Package memory provides the non-durable reference implementation of
// the storage port. Everything lives in maps guarded by one RWMutex;
// it is the backend the conformance suite pins semantics against.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

// Store keeps sessions, messages, and device tokens in process memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]storage.Session
	messages map[string]map[string]storage.Message     // session -> messageId
	tokens   map[string]map[string]storage.DeviceToken // session -> user\x00device
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]storage.Session),
		messages: make(map[string]map[string]storage.Message),
		tokens:   make(map[string]map[string]storage.DeviceToken),
	}
}

// Init is a no-op; the maps are ready at construction.
func (s *Store) Init(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// CreateSession inserts a new session record.
func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionName]; ok {
		return storage.ErrAlreadyExists
	}
	s.sessions[sess.SessionName] = sess
	return nil
}

// GetSession returns a snapshot of the named session, or nil when absent.
func (s *Store) GetSession(ctx context.Context, name string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[name]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// UpdateSession applies a partial patch.
func (s *Store) UpdateSession(ctx context.Context, name string, patch storage.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return storage.ErrNotFound
	}
	if patch.Suspended != nil {
		sess.Suspended = *patch.Suspended
	}
	if patch.RetryInterval != nil {
		sess.RetryInterval = *patch.RetryInterval
	}
	if patch.MaxRetryLimit != nil {
		sess.MaxRetryLimit = *patch.MaxRetryLimit
	}
	if patch.MessageExpiryTime != nil {
		sess.MessageExpiryTime = patch.MessageExpiryTime
	}
	if patch.SessionExpiry != nil {
		sess.SessionExpiry = patch.SessionExpiry
	}
	if patch.NotifierConfig != nil {
		sess.NotifierConfig = *patch.NotifierConfig
	}
	s.sessions[name] = sess
	return nil
}

// DeleteSession removes the session and cascades its messages and tokens.
func (s *Store) DeleteSession(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[name]; !ok {
		return storage.ErrNotFound
	}
	delete(s.sessions, name)
	delete(s.messages, name)
	delete(s.tokens, name)
	return nil
}

// ListSessions returns all sessions ordered by name.
func (s *Store) ListSessions(ctx context.Context) ([]storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionName < out[j].SessionName })
	return out, nil
}

// SaveMessage upserts by (session, messageId).
func (s *Store) SaveMessage(ctx context.Context, m storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.messages[m.SessionName]
	if !ok {
		byID = make(map[string]storage.Message)
		s.messages[m.SessionName] = byID
	}
	byID[m.MessageID] = m
	return nil
}

// GetMessage returns a snapshot of the message, or nil when absent.
func (s *Store) GetMessage(ctx context.Context, session, id string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[session][id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// RemoveMessage deletes the message if present.
func (s *Store) RemoveMessage(ctx context.Context, session, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages[session], id)
	return nil
}

// ListPendingMessages returns the session's cached messages ordered by
// publish time, then id for a stable order.
func (s *Store) ListPendingMessages(ctx context.Context, session string) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.messages[session]
	out := make([]storage.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	return out, nil
}

// CleanupExpired removes expired messages, then expired sessions with
// everything they own.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (storage.CleanupStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats storage.CleanupStats
	for session, byID := range s.messages {
		for id, m := range byID {
			if m.ExpiryTime != nil && m.ExpiryTime.Before(now) {
				delete(byID, id)
				stats.Messages++
			}
		}
		if len(byID) == 0 {
			delete(s.messages, session)
		}
	}
	for name, sess := range s.sessions {
		if sess.SessionExpiry != nil && sess.SessionExpiry.Before(now) {
			delete(s.sessions, name)
			delete(s.messages, name)
			delete(s.tokens, name)
			stats.Sessions = append(stats.Sessions, name)
		}
	}
	sort.Strings(stats.Sessions)
	return stats, nil
}

// SaveDeviceToken upserts by (session, user, device).
func (s *Store) SaveDeviceToken(ctx context.Context, t storage.DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.tokens[t.SessionName]
	if !ok {
		byKey = make(map[string]storage.DeviceToken)
		s.tokens[t.SessionName] = byKey
	}
	byKey[tokenKey(t.UserID, t.DeviceID)] = t
	return nil
}

// GetDeviceTokens returns every token registered under the session.
func (s *Store) GetDeviceTokens(ctx context.Context, session string) ([]storage.DeviceToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.tokens[session]
	out := make([]storage.DeviceToken, 0, len(byKey))
	for _, t := range byKey {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID == out[j].UserID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// DeleteDeviceToken removes one token if present.
func (s *Store) DeleteDeviceToken(ctx context.Context, session, user, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens[session], tokenKey(user, device))
	return nil
}

func tokenKey(user, device string) string {
	return user + "\x00" + device
}

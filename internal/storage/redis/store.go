// Package redis implements the storage port on Redis. Records are JSON
// strings under prefixed keys with set/hash indexes per session; expiry
// sweeps walk the indexes so cascades and counts stay exact.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

const (
	sessionsKey    = "fp:sessions"
	sessionPrefix  = "fp:session:"
	messagePrefix  = "fp:message:"
	msgIndexPrefix = "fp:messages:"
	tokensPrefix   = "fp:tokens:"
)

func sessionKey(name string) string         { return sessionPrefix + name }
func messageKey(session, id string) string  { return messagePrefix + session + ":" + id }
func messageIndexKey(session string) string { return msgIndexPrefix + session }
func tokensKey(session string) string       { return tokensPrefix + session }
func tokenField(user, device string) string { return user + "\x00" + device }

// Store is a storage backend on a Redis server.
type Store struct {
	client *redis.Client
}

// New wraps an existing client; used by tests and custom wiring.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// Init verifies connectivity; Redis needs no schema.
func (s *Store) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error { return s.client.Close() }

// CreateSession inserts a session record; SETNX supplies the uniqueness
// guarantee.
func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, sessionKey(sess.SessionName), string(data), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return storage.ErrAlreadyExists
	}
	if err := s.client.SAdd(ctx, sessionsKey, sess.SessionName).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// GetSession loads one session, or nil when absent.
func (s *Store) GetSession(ctx context.Context, name string) (*storage.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(name)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var sess storage.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// UpdateSession applies a partial patch with a read-modify-write; the
// broker is the single writer for a session's record.
func (s *Store) UpdateSession(ctx context.Context, name string, patch storage.SessionPatch) error {
	sess, err := s.GetSession(ctx, name)
	if err != nil {
		return err
	}
	if sess == nil {
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
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(name), string(data), 0).Err(); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// DeleteSession removes the session and everything it owns.
func (s *Store) DeleteSession(ctx context.Context, name string) error {
	exists, err := s.client.Exists(ctx, sessionKey(name)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return storage.ErrNotFound
	}
	if err := s.removeSessionData(ctx, name); err != nil {
		return err
	}
	return nil
}

// removeSessionData deletes the session record, its message rows and
// index, its token hash, and the registry entry.
func (s *Store) removeSessionData(ctx context.Context, name string) error {
	ids, err := s.client.SMembers(ctx, messageIndexKey(name)).Result()
	if err != nil {
		return fmt.Errorf("failed to list session messages: %w", err)
	}
	keys := []string{sessionKey(name), messageIndexKey(name), tokensKey(name)}
	for _, id := range ids {
		keys = append(keys, messageKey(name, id))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete session data: %w", err)
	}
	if err := s.client.SRem(ctx, sessionsKey, name).Err(); err != nil {
		return fmt.Errorf("failed to unindex session: %w", err)
	}
	return nil
}

// ListSessions returns all sessions ordered by name.
func (s *Store) ListSessions(ctx context.Context) ([]storage.Session, error) {
	names, err := s.client.SMembers(ctx, sessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Strings(names)
	out := make([]storage.Session, 0, len(names))
	for _, name := range names {
		sess, err := s.GetSession(ctx, name)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			out = append(out, *sess)
		}
	}
	return out, nil
}

// SaveMessage upserts by (session, messageId).
func (s *Store) SaveMessage(ctx context.Context, m storage.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.client.Set(ctx, messageKey(m.SessionName, m.MessageID), string(data), 0).Err(); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	if err := s.client.SAdd(ctx, messageIndexKey(m.SessionName), m.MessageID).Err(); err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	return nil
}

// GetMessage loads one cached message, or nil when absent.
func (s *Store) GetMessage(ctx context.Context, session, id string) (*storage.Message, error) {
	data, err := s.client.Get(ctx, messageKey(session, id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	var m storage.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

// RemoveMessage deletes one cached message; absent rows are a no-op.
func (s *Store) RemoveMessage(ctx context.Context, session, id string) error {
	if err := s.client.Del(ctx, messageKey(session, id)).Err(); err != nil {
		return fmt.Errorf("failed to remove message: %w", err)
	}
	if err := s.client.SRem(ctx, messageIndexKey(session), id).Err(); err != nil {
		return fmt.Errorf("failed to unindex message: %w", err)
	}
	return nil
}

// ListPendingMessages returns the session's cached messages oldest first.
func (s *Store) ListPendingMessages(ctx context.Context, session string) ([]storage.Message, error) {
	ids, err := s.client.SMembers(ctx, messageIndexKey(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session messages: %w", err)
	}
	out := make([]storage.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMessage(ctx, session, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	return out, nil
}

// CleanupExpired walks the session index removing expired messages, then
// expired sessions with everything they own.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (storage.CleanupStats, error) {
	var stats storage.CleanupStats
	names, err := s.client.SMembers(ctx, sessionsKey).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		sess, err := s.GetSession(ctx, name)
		if err != nil {
			return stats, err
		}
		if sess == nil {
			continue
		}
		if sess.SessionExpiry != nil && sess.SessionExpiry.Before(now) {
			if err := s.removeSessionData(ctx, name); err != nil {
				return stats, err
			}
			stats.Sessions = append(stats.Sessions, name)
			continue
		}
		ids, err := s.client.SMembers(ctx, messageIndexKey(name)).Result()
		if err != nil {
			return stats, fmt.Errorf("failed to list session messages: %w", err)
		}
		sort.Strings(ids)
		for _, id := range ids {
			m, err := s.GetMessage(ctx, name, id)
			if err != nil {
				return stats, err
			}
			if m == nil {
				continue
			}
			if m.ExpiryTime != nil && m.ExpiryTime.Before(now) {
				if err := s.RemoveMessage(ctx, name, id); err != nil {
					return stats, err
				}
				stats.Messages++
			}
		}
	}
	return stats, nil
}

// SaveDeviceToken upserts by (session, user, device).
func (s *Store) SaveDeviceToken(ctx context.Context, t storage.DeviceToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal device token: %w", err)
	}
	if err := s.client.HSet(ctx, tokensKey(t.SessionName), tokenField(t.UserID, t.DeviceID), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to save device token: %w", err)
	}
	return nil
}

// GetDeviceTokens returns every token registered under the session.
func (s *Store) GetDeviceTokens(ctx context.Context, session string) ([]storage.DeviceToken, error) {
	fields, err := s.client.HGetAll(ctx, tokensKey(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	out := make([]storage.DeviceToken, 0, len(fields))
	for _, data := range fields {
		var t storage.DeviceToken
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device token: %w", err)
		}
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

// DeleteDeviceToken removes one token; absent rows are a no-op.
func (s *Store) DeleteDeviceToken(ctx context.Context, session, user, device string) error {
	if err := s.client.HDel(ctx, tokensKey(session), tokenField(user, device)).Err(); err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)

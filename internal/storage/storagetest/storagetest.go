// Package storagetest runs a backend-agnostic conformance suite over the
// storage port. Every backend that can open in a unit test wires itself
// in with a one-line test file.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ptrInt64(v int64) *int64        { return &v }
func ptrTime(v time.Time) *time.Time { return &v }

func sampleSession(name string) storage.Session {
	return storage.Session{
		SessionName:   name,
		Password:      "pw-" + name,
		SecretKey:     "4bf0e1b6f54e26c4c6f8e9da2cd9b7a14bf0e1b6f54e26c4c6f8e9da2cd9b7a1",
		RetryInterval: 5000,
		MaxRetryLimit: 100,
		CreatedAt:     base,
	}
}

func sampleMessage(session, id string) storage.Message {
	return storage.Message{
		MessageID:     id,
		SessionName:   session,
		Topic:         "chat/room-1",
		Data:          "b64:opaque",
		Hash:          "deadbeef",
		Timestamp:     1709294400000,
		Type:          "message",
		RetryCount:    0,
		MaxRetryLimit: 3,
		RetryInterval: 100,
		PublishedAt:   base,
	}
}

func sameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	require.True(t, want.UTC().Equal(got.UTC()), "want %v, got %v", want, got)
}

// Run exercises the full storage contract against the backend.
func Run(t *testing.T, open Factory) {
	ctx := context.Background()

	t.Run("init is idempotent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Init(ctx))
		require.NoError(t, s.Init(ctx))
	})

	t.Run("create and get session", func(t *testing.T) {
		s := open(t)
		in := sampleSession("alpha")
		in.MessageExpiryTime = ptrInt64(150)
		in.SessionExpiry = ptrTime(base.Add(24 * time.Hour))
		in.NotifierConfig = `{"url":"https://push.example.com"}`
		require.NoError(t, s.CreateSession(ctx, in))

		got, err := s.GetSession(ctx, "alpha")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, in.SessionName, got.SessionName)
		assert.Equal(t, in.Password, got.Password)
		assert.Equal(t, in.SecretKey, got.SecretKey)
		assert.Equal(t, in.RetryInterval, got.RetryInterval)
		assert.Equal(t, in.MaxRetryLimit, got.MaxRetryLimit)
		require.NotNil(t, got.MessageExpiryTime)
		assert.Equal(t, int64(150), *got.MessageExpiryTime)
		require.NotNil(t, got.SessionExpiry)
		sameTime(t, base.Add(24*time.Hour), *got.SessionExpiry)
		assert.False(t, got.Suspended)
		assert.Equal(t, in.NotifierConfig, got.NotifierConfig)
	})

	t.Run("get missing session returns nil", func(t *testing.T) {
		s := open(t)
		got, err := s.GetSession(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateSession(ctx, sampleSession("alpha")))
		err := s.CreateSession(ctx, sampleSession("alpha"))
		require.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("update patches only set fields", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateSession(ctx, sampleSession("alpha")))

		suspended := true
		interval := int64(250)
		require.NoError(t, s.UpdateSession(ctx, "alpha", storage.SessionPatch{
			Suspended:     &suspended,
			RetryInterval: &interval,
		}))

		got, err := s.GetSession(ctx, "alpha")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Suspended)
		assert.Equal(t, int64(250), got.RetryInterval)
		assert.Equal(t, 100, got.MaxRetryLimit, "unpatched field must survive")
		assert.Equal(t, "pw-alpha", got.Password)
	})

	t.Run("update missing session", func(t *testing.T) {
		s := open(t)
		suspended := true
		err := s.UpdateSession(ctx, "ghost", storage.SessionPatch{Suspended: &suspended})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("delete session cascades messages and tokens", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateSession(ctx, sampleSession("alpha")))
		require.NoError(t, s.SaveMessage(ctx, sampleMessage("alpha", "m1")))
		require.NoError(t, s.SaveDeviceToken(ctx, storage.DeviceToken{
			SessionName: "alpha", UserID: "u1", DeviceID: "d1",
			Token: "tok", Platform: "android", UpdatedAt: base,
		}))

		require.NoError(t, s.DeleteSession(ctx, "alpha"))

		got, err := s.GetSession(ctx, "alpha")
		require.NoError(t, err)
		assert.Nil(t, got)
		m, err := s.GetMessage(ctx, "alpha", "m1")
		require.NoError(t, err)
		assert.Nil(t, m)
		toks, err := s.GetDeviceTokens(ctx, "alpha")
		require.NoError(t, err)
		assert.Empty(t, toks)

		require.ErrorIs(t, s.DeleteSession(ctx, "alpha"), storage.ErrNotFound)
	})

	t.Run("list sessions", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateSession(ctx, sampleSession("bravo")))
		require.NoError(t, s.CreateSession(ctx, sampleSession("alpha")))

		all, err := s.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "alpha", all[0].SessionName)
		assert.Equal(t, "bravo", all[1].SessionName)
	})

	t.Run("save get remove message", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateSession(ctx, sampleSession("alpha")))
		in := sampleMessage("alpha", "m1")
		in.ExpiryTime = ptrTime(base.Add(150 * time.Millisecond))
		require.NoError(t, s.SaveMessage(ctx, in))

		got, err := s.GetMessage(ctx, "alpha", "m1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, in.Topic, got.Topic)
		assert.Equal(t, in.Data, got.Data)
		assert.Equal(t, in.Hash, got.Hash)
		assert.Equal(t, in.Timestamp, got.Timestamp)
		assert.Equal(t, in.Type, got.Type)
		assert.Equal(t, in.RetryCount, got.RetryCount)
		assert.Equal(t, in.MaxRetryLimit, got.MaxRetryLimit)
		assert.Equal(t, in.RetryInterval, got.RetryInterval)
		require.NotNil(t, got.ExpiryTime)
		sameTime(t, *in.ExpiryTime, *got.ExpiryTime)
		sameTime(t, in.PublishedAt, got.PublishedAt)

		require.NoError(t, s.RemoveMessage(ctx, "alpha", "m1"))
		got, err = s.GetMessage(ctx, "alpha", "m1")
		require.NoError(t, err)
		assert.Nil(t, got)

		// Removing again is not an error.
		require.NoError(t, s.RemoveMessage(ctx, "alpha", "m1"))
	})

	t.Run("save message upserts", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateSession(ctx, sampleSession("alpha")))
		require.NoError(t, s.SaveMessage(ctx, sampleMessage("alpha", "m1")))

		updated := sampleMessage("alpha", "m1")
		updated.RetryCount = 2
		updated.Data = "b64:changed"
		require.NoError(t, s.SaveMessage(ctx, updated))

		got, err := s.GetMessage(ctx, "alpha", "m1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 2, got.RetryCount)
		assert.Equal(t, "b64:changed", got.Data)

		pending, err := s.ListPendingMessages(ctx, "alpha")
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("messages are keyed per session", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateSession(ctx, sampleSession("alpha")))
		require.NoError(t, s.CreateSession(ctx, sampleSession("bravo")))
		a := sampleMessage("alpha", "m1")
		a.Data = "from-alpha"
		b := sampleMessage("bravo", "m1")
		b.Data = "from-bravo"
		require.NoError(t, s.SaveMessage(ctx, a))
		require.NoError(t, s.SaveMessage(ctx, b))

		got, err := s.GetMessage(ctx, "alpha", "m1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "from-alpha", got.Data)

		require.NoError(t, s.RemoveMessage(ctx, "alpha", "m1"))
		got, err = s.GetMessage(ctx, "bravo", "m1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "from-bravo", got.Data)
	})

	t.Run("list pending orders by publish time", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateSession(ctx, sampleSession("alpha")))
		m2 := sampleMessage("alpha", "m2")
		m2.PublishedAt = base.Add(2 * time.Second)
		m1 := sampleMessage("alpha", "m1")
		m1.PublishedAt = base.Add(time.Second)
		require.NoError(t, s.SaveMessage(ctx, m2))
		require.NoError(t, s.SaveMessage(ctx, m1))

		pending, err := s.ListPendingMessages(ctx, "alpha")
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "m1", pending[0].MessageID)
		assert.Equal(t, "m2", pending[1].MessageID)
	})

	t.Run("cleanup removes expired rows", func(t *testing.T) {
		s := open(t)
		keep := sampleSession("keep")
		gone := sampleSession("gone")
		gone.SessionExpiry = ptrTime(base.Add(-time.Minute))
		require.NoError(t, s.CreateSession(ctx, keep))
		require.NoError(t, s.CreateSession(ctx, gone))

		fresh := sampleMessage("keep", "fresh")
		fresh.ExpiryTime = ptrTime(base.Add(time.Hour))
		stale := sampleMessage("keep", "stale")
		stale.ExpiryTime = ptrTime(base.Add(-time.Second))
		forever := sampleMessage("keep", "forever") // nil expiry is never swept
		orphaned := sampleMessage("gone", "orphaned")
		for _, m := range []storage.Message{fresh, stale, forever, orphaned} {
			require.NoError(t, s.SaveMessage(ctx, m))
		}

		stats, err := s.CleanupExpired(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, []string{"gone"}, stats.Sessions)
		assert.Equal(t, 1, stats.Messages)

		got, err := s.GetSession(ctx, "gone")
		require.NoError(t, err)
		assert.Nil(t, got)
		m, err := s.GetMessage(ctx, "gone", "orphaned")
		require.NoError(t, err)
		assert.Nil(t, m, "session cascade removes its messages")

		pending, err := s.ListPendingMessages(ctx, "keep")
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "forever", pending[0].MessageID)
		assert.Equal(t, "fresh", pending[1].MessageID)
	})

	t.Run("device tokens upsert and delete", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateSession(ctx, sampleSession("alpha")))
		tok := storage.DeviceToken{
			SessionName: "alpha", UserID: "u1", DeviceID: "d1",
			Token: "tok-1", Platform: "android", UpdatedAt: base,
		}
		require.NoError(t, s.SaveDeviceToken(ctx, tok))

		tok.Token = "tok-2"
		require.NoError(t, s.SaveDeviceToken(ctx, tok))
		other := storage.DeviceToken{
			SessionName: "alpha", UserID: "u2", DeviceID: "d9",
			Token: "tok-3", Platform: "ios", UpdatedAt: base,
		}
		require.NoError(t, s.SaveDeviceToken(ctx, other))

		toks, err := s.GetDeviceTokens(ctx, "alpha")
		require.NoError(t, err)
		require.Len(t, toks, 2)
		assert.Equal(t, "tok-2", toks[0].Token)
		assert.Equal(t, "u2", toks[1].UserID)

		require.NoError(t, s.DeleteDeviceToken(ctx, "alpha", "u1", "d1"))
		toks, err = s.GetDeviceTokens(ctx, "alpha")
		require.NoError(t, err)
		require.Len(t, toks, 1)
		assert.Equal(t, "u2", toks[0].UserID)
	})
}

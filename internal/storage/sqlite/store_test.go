package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage/storagetest"
)

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "fastport.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, openTestStore)
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fastport.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.CreateSession(ctx, storage.Session{
		SessionName: "durable", Password: "pw", SecretKey: "sk",
		RetryInterval: 5000, MaxRetryLimit: 100,
	}))
	require.NoError(t, s.SaveMessage(ctx, storage.Message{
		SessionName: "durable", MessageID: "m1", Topic: "t",
		Data: "d", Hash: "h", Type: "message", RetryInterval: 100,
	}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	sess, err := s.GetSession(ctx, "durable")
	require.NoError(t, err)
	require.NotNil(t, sess)

	pending, err := s.ListPendingMessages(ctx, "durable")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "m1", pending[0].MessageID)
}

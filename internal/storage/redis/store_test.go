package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testSession() storage.Session {
	return storage.Session{
		SessionName:   "alpha",
		Password:      "pw",
		SecretKey:     "sk",
		RetryInterval: 5000,
		MaxRetryLimit: 100,
		CreatedAt:     base,
	}
}

func testMessage() storage.Message {
	return storage.Message{
		MessageID:     "m1",
		SessionName:   "alpha",
		Topic:         "t",
		Data:          "d",
		Hash:          "h",
		Timestamp:     1709294400000,
		Type:          "message",
		MaxRetryLimit: 3,
		RetryInterval: 100,
		PublishedAt:   base,
	}
}

func TestCreateSession(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)
	sess := testSession()
	data, err := json.Marshal(sess)
	require.NoError(t, err)

	mock.ExpectSetNX("fp:session:alpha", string(data), 0).SetVal(true)
	mock.ExpectSAdd("fp:sessions", "alpha").SetVal(1)

	require.NoError(t, s.CreateSession(context.Background(), sess))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSessionDuplicate(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)
	sess := testSession()
	data, err := json.Marshal(sess)
	require.NoError(t, err)

	mock.ExpectSetNX("fp:session:alpha", string(data), 0).SetVal(false)

	err = s.CreateSession(context.Background(), sess)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionHitAndMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)
	sess := testSession()
	data, err := json.Marshal(sess)
	require.NoError(t, err)

	mock.ExpectGet("fp:session:alpha").SetVal(string(data))
	got, err := s.GetSession(context.Background(), "alpha")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alpha", got.SessionName)
	assert.Equal(t, int64(5000), got.RetryInterval)

	mock.ExpectGet("fp:session:ghost").RedisNil()
	got, err = s.GetSession(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndGetMessage(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)
	m := testMessage()
	data, err := json.Marshal(m)
	require.NoError(t, err)

	mock.ExpectSet("fp:message:alpha:m1", string(data), 0).SetVal("OK")
	mock.ExpectSAdd("fp:messages:alpha", "m1").SetVal(1)
	require.NoError(t, s.SaveMessage(context.Background(), m))

	mock.ExpectGet("fp:message:alpha:m1").SetVal(string(data))
	got, err := s.GetMessage(context.Background(), "alpha", "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t", got.Topic)
	assert.Equal(t, "message", got.Type)

	mock.ExpectGet("fp:message:alpha:gone").RedisNil()
	got, err = s.GetMessage(context.Background(), "alpha", "gone")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveMessage(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)

	mock.ExpectDel("fp:message:alpha:m1").SetVal(1)
	mock.ExpectSRem("fp:messages:alpha", "m1").SetVal(1)
	require.NoError(t, s.RemoveMessage(context.Background(), "alpha", "m1"))

	// Absent rows are still a clean no-op.
	mock.ExpectDel("fp:message:alpha:m1").SetVal(0)
	mock.ExpectSRem("fp:messages:alpha", "m1").SetVal(0)
	require.NoError(t, s.RemoveMessage(context.Background(), "alpha", "m1"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSessionCascades(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)

	mock.ExpectExists("fp:session:alpha").SetVal(1)
	mock.ExpectSMembers("fp:messages:alpha").SetVal([]string{"m1"})
	mock.ExpectDel("fp:session:alpha", "fp:messages:alpha", "fp:tokens:alpha",
		"fp:message:alpha:m1").SetVal(4)
	mock.ExpectSRem("fp:sessions", "alpha").SetVal(1)

	require.NoError(t, s.DeleteSession(context.Background(), "alpha"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSessionMissing(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)

	mock.ExpectExists("fp:session:ghost").SetVal(0)

	err := s.DeleteSession(context.Background(), "ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingMessagesSorted(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)

	older := testMessage()
	older.MessageID = "m-old"
	older.PublishedAt = base.Add(-time.Minute)
	newer := testMessage()
	newer.MessageID = "m-new"
	oldData, err := json.Marshal(older)
	require.NoError(t, err)
	newData, err := json.Marshal(newer)
	require.NoError(t, err)

	mock.ExpectSMembers("fp:messages:alpha").SetVal([]string{"m-new", "m-old"})
	mock.ExpectGet("fp:message:alpha:m-new").SetVal(string(newData))
	mock.ExpectGet("fp:message:alpha:m-old").SetVal(string(oldData))

	pending, err := s.ListPendingMessages(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "m-old", pending[0].MessageID)
	assert.Equal(t, "m-new", pending[1].MessageID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceTokens(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)
	tok := storage.DeviceToken{
		SessionName: "alpha", UserID: "u1", DeviceID: "d1",
		Token: "tok-1", Platform: "android", UpdatedAt: base,
	}
	data, err := json.Marshal(tok)
	require.NoError(t, err)

	mock.ExpectHSet("fp:tokens:alpha", "u1\x00d1", string(data)).SetVal(1)
	require.NoError(t, s.SaveDeviceToken(context.Background(), tok))

	mock.ExpectHGetAll("fp:tokens:alpha").SetVal(map[string]string{
		"u1\x00d1": string(data),
	})
	toks, err := s.GetDeviceTokens(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, "tok-1", toks[0].Token)

	mock.ExpectHDel("fp:tokens:alpha", "u1\x00d1").SetVal(1)
	require.NoError(t, s.DeleteDeviceToken(context.Background(), "alpha", "u1", "d1"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpired(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client)

	gone := testSession()
	gone.SessionName = "gone"
	expiry := base.Add(-time.Minute)
	gone.SessionExpiry = &expiry
	goneData, err := json.Marshal(gone)
	require.NoError(t, err)

	keep := testSession()
	keep.SessionName = "keep"
	keepData, err := json.Marshal(keep)
	require.NoError(t, err)

	stale := testMessage()
	stale.SessionName = "keep"
	stale.MessageID = "stale"
	staleExpiry := base.Add(-time.Second)
	stale.ExpiryTime = &staleExpiry
	staleData, err := json.Marshal(stale)
	require.NoError(t, err)

	mock.ExpectSMembers("fp:sessions").SetVal([]string{"keep", "gone"})
	// "gone" sorts first and is expired: full cascade.
	mock.ExpectGet("fp:session:gone").SetVal(string(goneData))
	mock.ExpectSMembers("fp:messages:gone").SetVal([]string{})
	mock.ExpectDel("fp:session:gone", "fp:messages:gone", "fp:tokens:gone").SetVal(3)
	mock.ExpectSRem("fp:sessions", "gone").SetVal(1)
	// "keep" survives; its stale message is removed.
	mock.ExpectGet("fp:session:keep").SetVal(string(keepData))
	mock.ExpectSMembers("fp:messages:keep").SetVal([]string{"stale"})
	mock.ExpectGet("fp:message:keep:stale").SetVal(string(staleData))
	mock.ExpectDel("fp:message:keep:stale").SetVal(1)
	mock.ExpectSRem("fp:messages:keep", "stale").SetVal(1)

	stats, err := s.CleanupExpired(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, stats.Sessions)
	assert.Equal(t, 1, stats.Messages)

	require.NoError(t, mock.ExpectationsWereMet())
}

package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-fawaz-cp/fastport/internal/broker"
	"github.com/mohammed-fawaz-cp/fastport/internal/clock"
	"github.com/mohammed-fawaz-cp/fastport/internal/events"
	"github.com/mohammed-fawaz-cp/fastport/internal/metrics"
	"github.com/mohammed-fawaz-cp/fastport/internal/protocol"
	"github.com/mohammed-fawaz-cp/fastport/internal/session"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage/memory"
)

func newTestServer(t *testing.T, maxPayload int64) (*httptest.Server, *session.Registry) {
	t.Helper()
	store := memory.New()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	reg := session.NewRegistry(store, clk, events.Nop{})
	b := broker.New(broker.Options{
		Store:    store,
		Registry: reg,
		Clock:    clk,
		Metrics:  metrics.New(),
	})
	h := NewHandler(b, zerolog.Nop(), maxPayload)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var f map[string]any
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestEndToEndPublish(t *testing.T) {
	srv, reg := newTestServer(t, 1<<20)
	_, err := reg.Create(context.Background(), "s1", "pw", session.CreateOpts{})
	require.NoError(t, err)

	pub := dial(t, srv)
	sub := dial(t, srv)

	for _, ws := range []*websocket.Conn{pub, sub} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"init","sessionName":"s1","password":"pw"}`)))
		resp := readJSON(t, ws)
		require.Equal(t, "init_response", resp["type"])
		require.Equal(t, true, resp["success"])
	}

	require.NoError(t, sub.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","topic":"t"}`)))
	resp := readJSON(t, sub)
	require.Equal(t, "subscribe_response", resp["type"])

	require.NoError(t, pub.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"publish","topic":"t","data":"X","hash":"h","timestamp":1,"messageId":"m1"}`)))

	msg := readJSON(t, sub)
	assert.Equal(t, "message", msg["type"])
	assert.Equal(t, "X", msg["data"])
	assert.Equal(t, "m1", msg["messageId"])

	ack := readJSON(t, pub)
	assert.Equal(t, "publish_response", ack["type"])
	assert.Equal(t, float64(1), ack["deliveredTo"])
}

func TestBinaryRelay(t *testing.T) {
	srv, reg := newTestServer(t, 1<<20)
	_, err := reg.Create(context.Background(), "s1", "pw", session.CreateOpts{})
	require.NoError(t, err)

	pub := dial(t, srv)
	sub := dial(t, srv)
	for _, ws := range []*websocket.Conn{pub, sub} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"init","sessionName":"s1","password":"pw"}`)))
		readJSON(t, ws)
	}
	require.NoError(t, sub.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","topic":"t"}`)))
	readJSON(t, sub)

	require.NoError(t, pub.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"init_file","topic":"t","fileId":"F","fileName":"a.bin","fileSize":3,"totalChunks":1}`)))
	init := readJSON(t, sub)
	require.Equal(t, "init_file", init["type"])

	chunk := protocol.EncodeChunk("F", 0, []byte{1, 2, 3})
	require.NoError(t, pub.WriteMessage(websocket.BinaryMessage, chunk))

	sub.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, got, err := sub.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, chunk, got, "relayed verbatim")
}

func TestPayloadCapClosesConnection(t *testing.T) {
	srv, reg := newTestServer(t, 1024)
	_, err := reg.Create(context.Background(), "s1", "pw", session.CreateOpts{})
	require.NoError(t, err)

	ws := dial(t, srv)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"init","sessionName":"s1","password":"pw"}`)))
	readJSON(t, ws)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, big))

	// The server abandons the connection; the next read fails.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

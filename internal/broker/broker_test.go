package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-fawaz-cp/fastport/internal/clock"
	"github.com/mohammed-fawaz-cp/fastport/internal/events"
	"github.com/mohammed-fawaz-cp/fastport/internal/metrics"
	"github.com/mohammed-fawaz-cp/fastport/internal/notify"
	"github.com/mohammed-fawaz-cp/fastport/internal/protocol"
	"github.com/mohammed-fawaz-cp/fastport/internal/session"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage/memory"
)

// fakePeer records everything the broker sends and can simulate a full
// outbound queue or a closed transport.
type fakePeer struct {
	mu     sync.Mutex
	texts  [][]byte
	binary [][]byte
	full   bool
	closed bool
}

func (p *fakePeer) SendText(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full || p.closed {
		return false
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	p.texts = append(p.texts, cp)
	return true
}

func (p *fakePeer) SendBinary(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full || p.closed {
		return false
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	p.binary = append(p.binary, cp)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// frames decodes every recorded text frame.
func (p *fakePeer) frames() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, 0, len(p.texts))
	for _, raw := range p.texts {
		var f map[string]any
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// byType filters recorded frames by their type field.
func (p *fakePeer) byType(frameType string) []map[string]any {
	var out []map[string]any
	for _, f := range p.frames() {
		if f["type"] == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) binaryFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.binary))
	copy(out, p.binary)
	return out
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type harness struct {
	b     *Broker
	clk   *clock.Fake
	store *memory.Store
	reg   *session.Registry
	sink  *events.Capture
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	store := memory.New()
	sink := events.NewCapture()
	reg := session.NewRegistry(store, clk, sink)
	b := New(Options{
		Store:    store,
		Registry: reg,
		Clock:    clk,
		Emitter:  sink,
		Metrics:  metrics.New(),
	})
	return &harness{b: b, clk: clk, store: store, reg: reg, sink: sink}
}

func (h *harness) createSession(t *testing.T, name string, opts session.CreateOpts) storage.Session {
	t.Helper()
	sess, err := h.reg.Create(context.Background(), name, "pw", opts)
	require.NoError(t, err)
	return sess
}

// connect opens a connection and authenticates it against the session.
func (h *harness) connect(t *testing.T, sessName, user string) (*Conn, *fakePeer) {
	t.Helper()
	peer := &fakePeer{}
	c := h.b.NewConn(peer)
	init := fmt.Sprintf(`{"type":"init","sessionName":%q,"password":"pw","userId":%q}`, sessName, user)
	c.HandleText([]byte(init))
	resp := peer.byType(protocol.TypeInitResponse)
	require.Len(t, resp, 1)
	require.Equal(t, true, resp[0]["success"], "init must succeed")
	return c, peer
}

func (h *harness) subscribe(t *testing.T, c *Conn, peer *fakePeer, topic string) {
	t.Helper()
	c.HandleText([]byte(fmt.Sprintf(`{"type":"subscribe","topic":%q}`, topic)))
	resp := peer.byType(protocol.TypeSubscribeResponse)
	require.NotEmpty(t, resp)
	require.Equal(t, true, resp[len(resp)-1]["success"])
}

func publishFrame(topic, data, id string) []byte {
	return []byte(fmt.Sprintf(`{"type":"publish","topic":%q,"data":%q,"hash":"h","timestamp":1,"messageId":%q}`, topic, data, id))
}

func ackFrame(topic, id string) []byte {
	return []byte(fmt.Sprintf(`{"type":"ack","topic":%q,"messageId":%q}`, topic, id))
}

func TestBasicPubSubWithAck(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s1", session.CreateOpts{})
	c1, p1 := h.connect(t, "s1", "")
	c2, p2 := h.connect(t, "s1", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText(publishFrame("t", "X", "m1"))

	msgs := p2.byType(protocol.TypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "t", msgs[0]["topic"])
	assert.Equal(t, "X", msgs[0]["data"])
	assert.Equal(t, "h", msgs[0]["hash"])
	assert.Equal(t, float64(1), msgs[0]["timestamp"])
	assert.Equal(t, "m1", msgs[0]["messageId"])

	resp := p1.byType(protocol.TypePublishResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, true, resp[0]["success"])
	assert.Equal(t, "m1", resp[0]["messageId"])
	assert.Equal(t, float64(1), resp[0]["deliveredTo"])

	c2.HandleText(ackFrame("t", "m1"))
	acks := p1.byType(protocol.TypeAckReceived)
	require.Len(t, acks, 1)
	assert.Equal(t, "m1", acks[0]["messageId"])

	m, err := h.store.GetMessage(context.Background(), "s1", "m1")
	require.NoError(t, err)
	assert.Nil(t, m, "ack empties the cache")
}

func TestTenantIsolation(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s1", session.CreateOpts{})
	h.createSession(t, "s2", session.CreateOpts{})
	cA, pA := h.connect(t, "s1", "")
	cB, pB := h.connect(t, "s2", "")
	h.subscribe(t, cA, pA, "shared")
	h.subscribe(t, cB, pB, "shared")

	cA.HandleText(publishFrame("shared", "X", "m1"))

	assert.Empty(t, pB.byType(protocol.TypeMessage), "cross-tenant delivery")
	resp := pA.byType(protocol.TypePublishResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, float64(0), resp[0]["deliveredTo"], "sender is excluded, nobody else subscribed in s1")
}

func TestRetryThenAck(t *testing.T) {
	h := newHarness(t)
	limit := 3
	h.createSession(t, "s", session.CreateOpts{RetryIntervalMs: 100, MaxRetryLimit: &limit})
	c1, _ := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText(publishFrame("t", "X", "mr"))
	require.Len(t, p2.byType(protocol.TypeMessage), 1)

	h.clk.Advance(100 * time.Millisecond)
	assert.Len(t, p2.byType(protocol.TypeMessage), 2)
	h.clk.Advance(100 * time.Millisecond)
	assert.Len(t, p2.byType(protocol.TypeMessage), 3)
	h.clk.Advance(100 * time.Millisecond)
	assert.Len(t, p2.byType(protocol.TypeMessage), 4)

	c2.HandleText(ackFrame("t", "mr"))
	h.clk.Advance(time.Second)
	assert.Len(t, p2.byType(protocol.TypeMessage), 4, "no delivery after ack")

	m, err := h.store.GetMessage(context.Background(), "s", "mr")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRetryCeilingBoundsDeliveries(t *testing.T) {
	h := newHarness(t)
	limit := 3
	h.createSession(t, "s", session.CreateOpts{RetryIntervalMs: 100, MaxRetryLimit: &limit})
	c1, _ := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText(publishFrame("t", "X", "mr"))
	h.clk.Advance(10 * time.Second)

	assert.Len(t, p2.byType(protocol.TypeMessage), 1+limit)
	assert.Equal(t, 0, h.clk.Pending(), "no timer outlives the ceiling")
	drops := h.sink.Find(events.MessageDropped)
	require.Len(t, drops, 1)
	assert.Equal(t, "retry_ceiling", drops[0].Reason)
}

func TestExpiryWinsOverRetry(t *testing.T) {
	h := newHarness(t)
	expiry := int64(150)
	h.createSession(t, "s", session.CreateOpts{RetryIntervalMs: 100, MessageExpiryTimeMs: &expiry})
	c1, _ := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText(publishFrame("t", "X", "me"))
	h.clk.Advance(100 * time.Millisecond)
	assert.Len(t, p2.byType(protocol.TypeMessage), 2, "t=100 retry lands before expiry")

	h.clk.Advance(100 * time.Millisecond)
	assert.Len(t, p2.byType(protocol.TypeMessage), 2, "t=200 fire sees the message expired")

	m, err := h.store.GetMessage(context.Background(), "s", "me")
	require.NoError(t, err)
	assert.Nil(t, m)
	drops := h.sink.Find(events.MessageDropped)
	require.Len(t, drops, 1)
	assert.Equal(t, "expired", drops[0].Reason)
}

func TestSuspendGatesPublishAndRetries(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "s", session.CreateOpts{RetryIntervalMs: 100})
	c1, p1 := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")
	ctx := context.Background()

	c1.HandleText(publishFrame("t", "X", "m1"))
	require.Len(t, p2.byType(protocol.TypeMessage), 1)

	require.NoError(t, h.reg.Suspend(ctx, "s", "pw", sess.SecretKey, true))

	// The pending retry tick drops the message instead of redelivering.
	h.clk.Advance(100 * time.Millisecond)
	assert.Len(t, p2.byType(protocol.TypeMessage), 1)
	drops := h.sink.Find(events.MessageDropped)
	require.Len(t, drops, 1)
	assert.Equal(t, "session_suspended", drops[0].Reason)

	// New publish rejected while suspended.
	c1.HandleText(publishFrame("t", "Y", "m2"))
	resp := p1.byType(protocol.TypePublishResponse)
	require.Len(t, resp, 2)
	assert.Equal(t, false, resp[1]["success"])
	assert.Equal(t, "suspended", resp[1]["error"])

	// Resume re-enables publishing; the dropped message stays gone.
	require.NoError(t, h.reg.Suspend(ctx, "s", "pw", sess.SecretKey, false))
	c1.HandleText(publishFrame("t", "Z", "m3"))
	assert.Len(t, p2.byType(protocol.TypeMessage), 2)
	m, err := h.store.GetMessage(ctx, "s", "m1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFileStreamThrough(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{})
	c1, p1 := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText([]byte(`{"type":"init_file","topic":"t","fileId":"F","fileName":"a.bin","fileSize":4096,"totalChunks":1}`))
	inits := p2.byType(protocol.TypeInitFile)
	require.Len(t, inits, 1)
	assert.Equal(t, "a.bin", inits[0]["fileName"])
	assert.Equal(t, float64(4096), inits[0]["fileSize"])

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunk := protocol.EncodeChunk("F", 0, payload)
	c1.HandleBinary(chunk)

	got := p2.binaryFrames()
	require.Len(t, got, 1)
	assert.Equal(t, chunk, got[0], "chunk must be relayed byte for byte")

	c1.HandleText([]byte(`{"type":"end_file","topic":"t","fileId":"F"}`))
	require.Len(t, p2.byType(protocol.TypeEndFile), 1)

	// Stream-through: the cache and the timer wheel stay untouched.
	pending, err := h.store.ListPendingMessages(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, h.clk.Pending())
	assert.Empty(t, p1.byType(protocol.TypeError))
}

func TestFileChunkGating(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{})
	c1, _ := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	t.Run("unknown fileId dropped silently", func(t *testing.T) {
		c1.HandleBinary(protocol.EncodeChunk("ghost", 0, []byte("x")))
		assert.Empty(t, p2.binaryFrames())
	})
	t.Run("short frame dropped silently", func(t *testing.T) {
		c1.HandleBinary(make([]byte, protocol.MinChunkFrameLen-1))
		assert.Empty(t, p2.binaryFrames())
	})
	t.Run("chunk after end_file dropped", func(t *testing.T) {
		c1.HandleText([]byte(`{"type":"init_file","topic":"t","fileId":"F","fileName":"a","fileSize":1,"totalChunks":1}`))
		c1.HandleText([]byte(`{"type":"end_file","topic":"t","fileId":"F"}`))
		c1.HandleBinary(protocol.EncodeChunk("F", 0, []byte("x")))
		assert.Empty(t, p2.binaryFrames())
	})
}

func TestAuthenticatedGate(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{})
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	peer := &fakePeer{}
	c := h.b.NewConn(peer)

	for _, raw := range []string{
		`{"type":"subscribe","topic":"t"}`,
		`{"type":"publish","topic":"t","data":"X","hash":"h","timestamp":1,"messageId":"m1"}`,
		`{"type":"ack","topic":"t","messageId":"m1"}`,
		`{"type":"init_file","topic":"t","fileId":"F","fileName":"a","fileSize":1,"totalChunks":1}`,
	} {
		c.HandleText([]byte(raw))
	}
	c.HandleBinary(protocol.EncodeChunk("F", 0, []byte("x")))

	errs := peer.byType(protocol.TypeError)
	require.Len(t, errs, 4)
	for _, e := range errs {
		assert.Equal(t, "Not initialized", e["error"])
	}
	assert.Empty(t, p2.byType(protocol.TypeMessage), "no side effects from an unauthenticated peer")
	assert.Empty(t, p2.binaryFrames())
}

func TestInitFailures(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "s", session.CreateOpts{})

	t.Run("wrong password", func(t *testing.T) {
		peer := &fakePeer{}
		c := h.b.NewConn(peer)
		c.HandleText([]byte(`{"type":"init","sessionName":"s","password":"wrong"}`))
		resp := peer.byType(protocol.TypeInitResponse)
		require.Len(t, resp, 1)
		assert.Equal(t, false, resp[0]["success"])

		// Connection stays in New and can retry init.
		c.HandleText([]byte(`{"type":"init","sessionName":"s","password":"pw"}`))
		resp = peer.byType(protocol.TypeInitResponse)
		require.Len(t, resp, 2)
		assert.Equal(t, true, resp[1]["success"])
	})

	t.Run("suspended session", func(t *testing.T) {
		require.NoError(t, h.reg.Suspend(context.Background(), "s", "pw", sess.SecretKey, true))
		peer := &fakePeer{}
		c := h.b.NewConn(peer)
		c.HandleText([]byte(`{"type":"init","sessionName":"s","password":"pw"}`))
		resp := peer.byType(protocol.TypeInitResponse)
		require.Len(t, resp, 1)
		assert.Equal(t, false, resp[0]["success"])
		assert.Contains(t, resp[0]["error"], "suspended")
	})
}

func TestPublishNoSubscribers(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{})
	c1, p1 := h.connect(t, "s", "")

	c1.HandleText(publishFrame("t", "X", "m1"))

	resp := p1.byType(protocol.TypePublishResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, true, resp[0]["success"])
	assert.Equal(t, float64(0), resp[0]["deliveredTo"])

	m, err := h.store.GetMessage(context.Background(), "s", "m1")
	require.NoError(t, err)
	assert.Nil(t, m, "no cache entry without an audience")
	assert.Equal(t, 0, h.clk.Pending(), "no timer without an audience")
}

func TestPublisherDoesNotReceiveOwnPublish(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{})
	c1, p1 := h.connect(t, "s", "")
	h.subscribe(t, c1, p1, "t")

	c1.HandleText(publishFrame("t", "X", "m1"))
	assert.Empty(t, p1.byType(protocol.TypeMessage))
	resp := p1.byType(protocol.TypePublishResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, float64(0), resp[0]["deliveredTo"])
}

func TestMaxRetryZeroDeliversOnce(t *testing.T) {
	h := newHarness(t)
	limit := 0
	h.createSession(t, "s", session.CreateOpts{RetryIntervalMs: 100, MaxRetryLimit: &limit})
	c1, _ := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText(publishFrame("t", "X", "m1"))
	h.clk.Advance(time.Second)

	assert.Len(t, p2.byType(protocol.TypeMessage), 1)
	assert.Equal(t, 0, h.clk.Pending())
}

func TestSnapshotFanout(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{})
	c1, _ := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c2.HandleText([]byte(`{"type":"unsubscribe","topic":"t"}`))
	c1.HandleText(publishFrame("t", "X", "m1"))

	assert.Empty(t, p2.byType(protocol.TypeMessage), "unsubscribed before the snapshot")
}

func TestDropSessionQuiesces(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "s", session.CreateOpts{RetryIntervalMs: 100})
	c1, _ := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText(publishFrame("t", "X", "m1"))
	require.Len(t, p2.byType(protocol.TypeMessage), 1)

	require.NoError(t, h.reg.Drop(context.Background(), "s", "pw", sess.SecretKey))

	assert.Equal(t, 0, h.clk.Pending(), "retry timers cancelled before Drop returns")
	h.clk.Advance(time.Second)
	assert.Len(t, p2.byType(protocol.TypeMessage), 1, "no frames after drop")
	assert.True(t, p2.isClosed(), "bound connections are closed")
	assert.Empty(t, h.b.Index().SubscribersOf("s", "t"))
}

func TestDuplicateAckIsSilent(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{})
	c1, p1 := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText(publishFrame("t", "X", "m1"))
	c2.HandleText(ackFrame("t", "m1"))
	c2.HandleText(ackFrame("t", "m1"))

	assert.Len(t, p1.byType(protocol.TypeAckReceived), 1, "only the first ack routes back")
}

func TestDuplicateMessageIDRestartsRetryCycle(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{RetryIntervalMs: 100})
	c1, _ := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText(publishFrame("t", "X", "dup"))
	c1.HandleText(publishFrame("t", "Y", "dup"))

	// Upsert: one cached message, one live timer.
	assert.Equal(t, 1, h.clk.Pending())
	m, err := h.store.GetMessage(context.Background(), "s", "dup")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Y", m.Data)

	h.clk.Advance(100 * time.Millisecond)
	msgs := p2.byType(protocol.TypeMessage)
	require.Len(t, msgs, 3, "two originals plus one retry")
	assert.Equal(t, "Y", msgs[2]["data"], "retry carries the upserted payload")
}

func TestRetryStopsWhenLastSubscriberLeaves(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{RetryIntervalMs: 100})
	c1, _ := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	c1.HandleText(publishFrame("t", "X", "m1"))
	c2.Close()

	h.clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 0, h.clk.Pending(), "no audience, no re-arm")
	drops := h.sink.Find(events.MessageDropped)
	require.Len(t, drops, 1)
	assert.Equal(t, "no_subscribers", drops[0].Reason)
}

func TestUnknownFrameType(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{})
	c1, p1 := h.connect(t, "s", "")

	c1.HandleText([]byte(`{"type":"wat"}`))
	errs := p1.byType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Unknown message type", errs[0]["error"])

	// The connection survives and keeps working.
	h.subscribe(t, c1, p1, "t")
}

func TestMalformedFrameRepliesInline(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{})
	c1, p1 := h.connect(t, "s", "")

	c1.HandleText([]byte(`{not json`))
	errs := p1.byType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Malformed frame", errs[0]["error"])
}

func TestRegisterTokenRoundTrip(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "s", session.CreateOpts{})
	c1, p1 := h.connect(t, "s", "u1")

	encrypted, hash, err := protocol.SealTokenEnvelope(sess.SecretKey, protocol.TokenPayload{
		Token: "fcm-token", DeviceID: "dev-1", Platform: "android",
	})
	require.NoError(t, err)

	c1.HandleText([]byte(fmt.Sprintf(
		`{"type":"register_fcm_token","userId":"u1","encryptedData":%q,"hash":%q}`, encrypted, hash)))

	resp := p1.byType(protocol.TypeFCMTokenResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, true, resp[0]["success"])

	tokens, err := h.store.GetDeviceTokens(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "fcm-token", tokens[0].Token)
	assert.Equal(t, "dev-1", tokens[0].DeviceID)
	assert.Equal(t, "android", tokens[0].Platform)
	assert.Equal(t, 1, h.sink.Count(events.TokenRegistered))
}

func TestRegisterTokenBadEnvelope(t *testing.T) {
	h := newHarness(t)
	sess := h.createSession(t, "s", session.CreateOpts{})
	c1, p1 := h.connect(t, "s", "u1")

	encrypted, _, err := protocol.SealTokenEnvelope(sess.SecretKey, protocol.TokenPayload{
		Token: "tk", DeviceID: "d", Platform: "ios",
	})
	require.NoError(t, err)

	c1.HandleText([]byte(fmt.Sprintf(
		`{"type":"register_fcm_token","userId":"u1","encryptedData":%q,"hash":"deadbeef"}`, encrypted)))

	resp := p1.byType(protocol.TypeFCMTokenResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, false, resp[0]["success"])
	tokens, err := h.store.GetDeviceTokens(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestOfflinePushTargetsTokenHoldersNotOnline(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var pushed []string
	done := make(chan struct{})
	h.b.notifier = notify.Func(func(ctx context.Context, sess, user, preview string) error {
		mu.Lock()
		pushed = append(pushed, user+":"+preview)
		mu.Unlock()
		close(done)
		return nil
	})

	_, err := h.reg.Create(context.Background(), "s", "pw", session.CreateOpts{NotifierConfig: `{"enabled":true}`})
	require.NoError(t, err)

	// u1 is online; u2 holds a token but has no connection.
	c1, _ := h.connect(t, "s", "u1")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")
	for _, tok := range []storage.DeviceToken{
		{SessionName: "s", UserID: "u1", DeviceID: "d1", Token: "t1"},
		{SessionName: "s", UserID: "u2", DeviceID: "d2", Token: "t2"},
	} {
		require.NoError(t, h.store.SaveDeviceToken(context.Background(), tok))
	}

	c1.HandleText(publishFrame("t", "X", "m1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("offline push never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"u2:t"}, pushed)
}

func TestSweepTearsDownExpiredSessions(t *testing.T) {
	h := newHarness(t)
	at := h.clk.Now().Add(time.Minute)
	h.createSession(t, "short", session.CreateOpts{SessionExpiry: &at})
	_, p1 := h.connect(t, "short", "")

	h.clk.Advance(2 * time.Minute)
	h.b.Sweep()

	assert.True(t, p1.isClosed())
	assert.Equal(t, 1, h.sink.Count(events.SessionExpired))
	sess, err := h.store.GetSession(context.Background(), "short")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestRecoveryReArmsPendingMessages(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	store := memory.New()
	sink := events.NewCapture()
	reg := session.NewRegistry(store, clk, sink)
	ctx := context.Background()
	_, err := reg.Create(ctx, "s", "pw", session.CreateOpts{RetryIntervalMs: 100})
	require.NoError(t, err)

	// A message persisted by a previous run: one retry already sent.
	require.NoError(t, store.SaveMessage(ctx, storage.Message{
		MessageID: "m1", SessionName: "s", Topic: "t", Data: "X",
		RetryCount: 1, MaxRetryLimit: 100, RetryInterval: 100,
		PublishedAt: clk.Now().Add(-150 * time.Millisecond),
	}))

	b := New(Options{Store: store, Registry: reg, Clock: clk, Emitter: sink, Metrics: metrics.New()})
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	p2 := &fakePeer{}
	conn := b.NewConn(p2)
	conn.HandleText([]byte(`{"type":"init","sessionName":"s","password":"pw"}`))
	conn.HandleText([]byte(`{"type":"subscribe","topic":"t"}`))

	// Bias: publishedAt + 100ms×(1+1) = publishedAt+200ms = now+50ms.
	require.Equal(t, 1, clk.Pending())
	clk.Advance(49 * time.Millisecond)
	assert.Empty(t, p2.byType(protocol.TypeMessage))
	clk.Advance(1 * time.Millisecond)
	assert.Len(t, p2.byType(protocol.TypeMessage), 1)
}

func TestBackpressureDropsFrameNotConnection(t *testing.T) {
	h := newHarness(t)
	h.createSession(t, "s", session.CreateOpts{RetryIntervalMs: 100})
	c1, p1 := h.connect(t, "s", "")
	c2, p2 := h.connect(t, "s", "")
	h.subscribe(t, c2, p2, "t")

	p2.mu.Lock()
	p2.full = true
	p2.mu.Unlock()

	c1.HandleText(publishFrame("t", "X", "m1"))

	resp := p1.byType(protocol.TypePublishResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, true, resp[0]["success"])
	assert.Equal(t, float64(0), resp[0]["deliveredTo"], "a full queue counts as unreached")
	assert.False(t, p2.isClosed(), "backpressure drops the frame, not the connection")
}

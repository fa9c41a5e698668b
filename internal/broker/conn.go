package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/mohammed-fawaz-cp/fastport/internal/events"
	"github.com/mohammed-fawaz-cp/fastport/internal/protocol"
	"github.com/mohammed-fawaz-cp/fastport/internal/session"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

// State is the connection lifecycle position.
type State int

// Connection states.
const (
	StateNew State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

// Peer is the transport half of a connection. Sends are non-blocking
// queue pushes reporting whether the frame was accepted; Close begins
// transport teardown and must be idempotent.
type Peer interface {
	SendText(frame []byte) bool
	SendBinary(frame []byte) bool
	Close()
}

// Conn is one client connection's broker-side state machine. The
// transport feeds it frames from a single reader goroutine; Close may
// additionally arrive from DropSession or the sweeper, so state is
// guarded by a mutex.
type Conn struct {
	id   string
	b    *Broker
	peer Peer

	mu      sync.Mutex
	state   State
	session string
	secret  string
	userID  string
	subs    map[string]struct{}
	uploads map[string]string
}

// NewConn registers a freshly opened transport with the broker.
func (b *Broker) NewConn(peer Peer) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		b:       b,
		peer:    peer,
		subs:    make(map[string]struct{}),
		uploads: make(map[string]string),
	}
	b.metrics.ConnectionsTotal.Inc()
	b.metrics.ConnectionsActive.Inc()
	b.emit.Emit(events.Event{Name: events.ConnectionOpened, ConnID: c.id})
	return c
}

// ID returns the connection's broker-assigned identifier.
func (c *Conn) ID() string { return c.id }

// snapshot returns the fields a frame handler needs without holding the
// lock across I/O.
func (c *Conn) snapshot() (State, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.session, c.secret
}

// HandleText processes one inbound text frame. Per-frame errors reply
// inline and never close the connection.
func (c *Conn) HandleText(raw []byte) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		c.send(protocol.NewErrorFrame("Malformed frame"))
		return
	}
	c.b.metrics.FramesTotal.WithLabelValues(f.Type).Inc()

	state, _, _ := c.snapshot()
	switch state {
	case StateNew:
		if f.Type == protocol.TypeInit {
			c.handleInit(f)
			return
		}
		c.send(protocol.NewErrorFrame("Not initialized"))
	case StateAuthenticated:
		c.dispatch(f)
	default:
		// Closing or closed: the peer is going away, drop the frame.
	}
}

func (c *Conn) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeInit:
		c.send(protocol.NewErrorFrame("Already initialized"))
	case protocol.TypeSubscribe:
		c.handleSubscribe(f)
	case protocol.TypeUnsubscribe:
		c.handleUnsubscribe(f)
	case protocol.TypePublish:
		c.b.publish(context.Background(), c, f)
	case protocol.TypeAck:
		c.b.ack(context.Background(), c, f)
	case protocol.TypeInitFile:
		c.b.initFile(context.Background(), c, f)
	case protocol.TypeEndFile:
		c.b.endFile(c, f)
	case protocol.TypeRegisterFCMToken:
		c.handleRegisterToken(f)
	default:
		c.send(protocol.NewErrorFrame("Unknown message type"))
	}
}

// HandleBinary routes one binary frame; anything but a well-formed chunk
// from a known upload is dropped silently.
func (c *Conn) HandleBinary(frame []byte) {
	state, _, _ := c.snapshot()
	if state != StateAuthenticated {
		return
	}
	c.b.fileChunk(c, frame)
}

func (c *Conn) handleInit(f protocol.Frame) {
	sess, err := c.b.registry.ValidateInit(context.Background(), f.SessionName, f.Password)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSuspended):
			c.send(protocol.NewInitResponse(false, "Session suspended"))
		case errors.Is(err, session.ErrAuth):
			c.send(protocol.NewInitResponse(false, "Invalid session credentials"))
		default:
			c.send(protocol.NewInitResponse(false, "Initialization failed"))
		}
		return
	}

	c.mu.Lock()
	if c.state != StateNew {
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticated
	c.session = sess.SessionName
	c.secret = sess.SecretKey
	c.userID = f.UserID
	c.mu.Unlock()

	c.b.index.Attach(sess.SessionName, c)
	if f.UserID != "" {
		c.b.index.BindUser(sess.SessionName, f.UserID, c)
	}
	c.b.emit.Emit(events.Event{Name: events.ConnectionAuthed, ConnID: c.id, Session: sess.SessionName, User: f.UserID})
	c.send(protocol.NewInitResponse(true, ""))
}

func (c *Conn) handleSubscribe(f protocol.Frame) {
	if f.Topic == "" {
		c.send(protocol.NewErrorFrame("Missing topic"))
		return
	}
	c.mu.Lock()
	sess := c.session
	c.subs[f.Topic] = struct{}{}
	c.mu.Unlock()
	c.b.index.Subscribe(sess, f.Topic, c)
	c.send(protocol.NewSubscribeResponse(f.Topic))
}

func (c *Conn) handleUnsubscribe(f protocol.Frame) {
	if f.Topic == "" {
		c.send(protocol.NewErrorFrame("Missing topic"))
		return
	}
	c.mu.Lock()
	sess := c.session
	delete(c.subs, f.Topic)
	c.mu.Unlock()
	c.b.index.Unsubscribe(sess, f.Topic, c)
	c.send(protocol.NewUnsubscribeResponse(f.Topic))
}

func (c *Conn) handleRegisterToken(f protocol.Frame) {
	if f.UserID == "" || f.EncryptedData == "" || f.Hash == "" {
		c.send(protocol.NewTokenResponse(false, "Missing required fields"))
		return
	}
	_, sess, secret := c.snapshot()

	payload, err := protocol.OpenTokenEnvelope(secret, f.EncryptedData, f.Hash)
	if err != nil {
		c.send(protocol.NewTokenResponse(false, "Invalid token envelope"))
		return
	}
	token := storage.DeviceToken{
		SessionName: sess,
		UserID:      f.UserID,
		DeviceID:    payload.DeviceID,
		Token:       payload.Token,
		Platform:    payload.Platform,
		UpdatedAt:   c.b.clock.Now(),
	}
	if err := c.b.store.SaveDeviceToken(context.Background(), token); err != nil {
		c.b.storageError("save_device_token", sess, err)
		c.send(protocol.NewTokenResponse(false, "Failed to store token"))
		return
	}
	c.b.emit.Emit(events.Event{Name: events.TokenRegistered, Session: sess, User: f.UserID, ConnID: c.id})
	c.send(protocol.NewTokenResponse(true, ""))
}

// send marshals and enqueues one outbound text frame; a full queue drops
// the frame with a metric.
func (c *Conn) send(v any) {
	b, err := protocol.Encode(v)
	if err != nil {
		return
	}
	if !c.peer.SendText(b) {
		c.b.metrics.SendsDropped.Inc()
	}
}

// sendBinary enqueues one outbound binary frame verbatim.
func (c *Conn) sendBinary(frame []byte) {
	if !c.peer.SendBinary(frame) {
		c.b.metrics.SendsDropped.Inc()
	}
}

// Close releases everything the connection owns: subscriptions, the user
// binding, and upload mappings. Idempotent; the transport calls it when
// the read loop exits, and session teardown calls it first.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasAuthed := c.state == StateAuthenticated
	c.state = StateClosing
	sess := c.session
	c.subs = make(map[string]struct{})
	c.uploads = make(map[string]string)
	c.mu.Unlock()

	// Detach clears the subscription lists and the user binding in one
	// pass under the session lock.
	if wasAuthed {
		c.b.index.Detach(sess, c)
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.b.metrics.ConnectionsActive.Dec()
	c.b.emit.Emit(events.Event{Name: events.ConnectionClosed, ConnID: c.id, Session: sess})
}

// closeForDrop notifies the peer that its session is gone, then tears
// the connection down.
func (c *Conn) closeForDrop(reason string) {
	c.send(protocol.NewErrorFrame(reason))
	c.Close()
	c.peer.Close()
}

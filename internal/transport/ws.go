// Package transport adapts the broker's connection state machine onto
// gorilla/websocket: upgrade, one reader and one writer goroutine per
// connection, ping/pong keepalive, the payload cap, and a buffered
// outbound queue with a drop-on-full policy.
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mohammed-fawaz-cp/fastport/internal/broker"
)

const (
	// writeWait bounds one write to the peer.
	writeWait = 5 * time.Second
	// pongWait is how long a silent peer stays alive.
	pongWait = 30 * time.Second
	// pingPeriod must be below pongWait.
	pingPeriod = 27 * time.Second

	// sendQueueSize is the outbound buffer per connection; a full queue
	// drops frames rather than block the broker on a slow subscriber.
	sendQueueSize = 256
)

// Handler upgrades HTTP requests to the client protocol.
type Handler struct {
	broker     *broker.Broker
	log        zerolog.Logger
	maxPayload int64
	upgrader   websocket.Upgrader
}

// NewHandler builds the /ws endpoint handler.
func NewHandler(b *broker.Broker, log zerolog.Logger, maxPayload int64) *Handler {
	return &Handler{
		broker:     b,
		log:        log,
		maxPayload: maxPayload,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tenant auth happens on the init frame; the upgrade itself
			// is open.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	peer := &wsPeer{
		ws:   ws,
		send: make(chan outFrame, sendQueueSize),
		done: make(chan struct{}),
	}
	conn := h.broker.NewConn(peer)

	go h.writePump(peer)
	go h.readPump(peer, conn)
}

type outFrame struct {
	binary bool
	data   []byte
}

// wsPeer implements broker.Peer over one websocket connection.
type wsPeer struct {
	ws   *websocket.Conn
	send chan outFrame
	done chan struct{}
	once sync.Once
}

// SendText implements broker.Peer; it never blocks.
func (p *wsPeer) SendText(frame []byte) bool { return p.enqueue(outFrame{data: frame}) }

// SendBinary implements broker.Peer; it never blocks.
func (p *wsPeer) SendBinary(frame []byte) bool { return p.enqueue(outFrame{binary: true, data: frame}) }

func (p *wsPeer) enqueue(f outFrame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- f:
		return true
	default:
		return false
	}
}

// Close implements broker.Peer; safe to call any number of times from
// any goroutine.
func (p *wsPeer) Close() {
	p.once.Do(func() {
		close(p.done)
		p.ws.Close()
	})
}

// readPump feeds inbound frames to the broker until the transport dies.
// An oversize frame fails the read with no recovery: the payload cap
// closes the connection.
func (h *Handler) readPump(p *wsPeer, conn *broker.Conn) {
	defer func() {
		conn.Close()
		p.Close()
	}()

	p.ws.SetReadLimit(h.maxPayload)
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("connId", conn.ID()).Msg("read loop ended")
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			conn.HandleText(data)
		case websocket.BinaryMessage:
			conn.HandleBinary(data)
		}
	}
}

// writePump drains the send queue and keeps the peer alive with pings.
func (h *Handler) writePump(p *wsPeer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Close()
	}()

	for {
		select {
		case f := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			msgType := websocket.TextMessage
			if f.binary {
				msgType = websocket.BinaryMessage
			}
			if err := p.ws.WriteMessage(msgType, f.data); err != nil {
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			p.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

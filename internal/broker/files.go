package broker

import (
	"context"
	"strings"

	"github.com/mohammed-fawaz-cp/fastport/internal/events"
	"github.com/mohammed-fawaz-cp/fastport/internal/protocol"
)

// File traffic is stream-through: chunks are forwarded verbatim to the
// topic's current subscribers with no persistence, no retry, and no
// expiry. The only broker-side state is the sender's fileId→topic
// upload table, which gates chunk routing.

// initFile opens an upload: records the routing entry and relays the
// init_file envelope.
func (b *Broker) initFile(ctx context.Context, c *Conn, f protocol.Frame) {
	if f.Topic == "" || f.FileID == "" {
		c.send(protocol.NewErrorFrame("Missing topic or fileId"))
		return
	}
	_, sessName, _ := c.snapshot()

	sess, err := b.store.GetSession(ctx, sessName)
	if err != nil {
		b.storageError("get_session", sessName, err)
		c.send(protocol.NewErrorFrame("Internal error"))
		return
	}
	if sess == nil || sess.Suspended {
		c.send(protocol.NewErrorFrame("Session unavailable"))
		return
	}

	c.mu.Lock()
	c.uploads[f.FileID] = f.Topic
	c.mu.Unlock()

	b.relayControl(c, sessName, f.Topic, protocol.NewInitFile(f))
	b.emit.Emit(events.Event{Name: events.FileStarted, Session: sessName, Topic: f.Topic, ConnID: c.id})
}

// fileChunk forwards one binary frame unchanged to the upload's topic.
// Frames below the minimum length, with an unknown type byte, or for a
// fileId the sender never opened are dropped without a reply.
func (b *Broker) fileChunk(c *Conn, frame []byte) {
	chunk, err := protocol.ParseChunk(frame)
	if err != nil {
		return
	}
	fileID := strings.TrimRight(chunk.FileID, " \x00")

	c.mu.Lock()
	topic, ok := c.uploads[fileID]
	sessName := c.session
	c.mu.Unlock()
	if !ok {
		return
	}

	for _, sub := range b.index.SubscribersOf(sessName, topic) {
		if sub == c {
			continue
		}
		sub.sendBinary(frame)
	}
	b.metrics.FileChunksTotal.Inc()
	b.metrics.FileBytesTotal.Add(float64(len(frame)))
}

// endFile relays the closing envelope and releases the upload entry.
func (b *Broker) endFile(c *Conn, f protocol.Frame) {
	if f.FileID == "" {
		c.send(protocol.NewErrorFrame("Missing fileId"))
		return
	}
	c.mu.Lock()
	topic, ok := c.uploads[f.FileID]
	sessName := c.session
	delete(c.uploads, f.FileID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if f.Topic == "" {
		f.Topic = topic
	}

	b.relayControl(c, sessName, topic, protocol.NewEndFile(f))
	b.emit.Emit(events.Event{Name: events.FileCompleted, Session: sessName, Topic: topic, ConnID: c.id})
}

func (b *Broker) relayControl(sender *Conn, sessName, topic string, v any) {
	frame, err := protocol.Encode(v)
	if err != nil {
		return
	}
	for _, sub := range b.index.SubscribersOf(sessName, topic) {
		if sub == sender {
			continue
		}
		if !sub.peer.SendText(frame) {
			b.metrics.SendsDropped.Inc()
		}
	}
}

package broker

import (
	"context"
	"time"

	"github.com/mohammed-fawaz-cp/fastport/internal/events"
	"github.com/mohammed-fawaz-cp/fastport/internal/protocol"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

// publish runs the pipeline for one publish frame: tenancy check,
// optimistic fan-out, best-effort persistence with retry scheduling, the
// offline-push hook, and the ack to the publisher.
func (b *Broker) publish(ctx context.Context, c *Conn, f protocol.Frame) {
	if f.Topic == "" || f.MessageID == "" {
		c.send(protocol.NewErrorFrame("Missing topic or messageId"))
		return
	}
	_, sessName, _ := c.snapshot()

	sess, err := b.store.GetSession(ctx, sessName)
	if err != nil {
		b.storageError("get_session", sessName, err)
		c.send(protocol.NewPublishRejected("Internal error"))
		return
	}
	if sess == nil {
		c.send(protocol.NewPublishRejected("Session not found"))
		return
	}
	if sess.Suspended {
		b.emit.Emit(events.Event{Name: events.PublishRejected, Session: sessName, Topic: f.Topic, MessageID: f.MessageID, Reason: "suspended"})
		c.send(protocol.NewPublishRejected("suspended"))
		return
	}

	now := b.clock.Now()
	m := storage.Message{
		MessageID:     f.MessageID,
		SessionName:   sessName,
		Topic:         f.Topic,
		Data:          f.Data,
		Hash:          f.Hash,
		Timestamp:     f.Timestamp,
		Type:          protocol.TypeMessage,
		RetryCount:    0,
		MaxRetryLimit: sess.MaxRetryLimit,
		RetryInterval: sess.RetryInterval,
		PublishedAt:   now,
	}
	if sess.MessageExpiryTime != nil {
		at := now.Add(time.Duration(*sess.MessageExpiryTime) * time.Millisecond)
		m.ExpiryTime = &at
	}

	// Optimistic fan-out against a snapshot taken before persistence;
	// the sender never receives its own publish.
	frame, err := protocol.Encode(protocol.NewMessageFrame(m))
	if err != nil {
		c.send(protocol.NewPublishRejected("Internal error"))
		return
	}
	delivered := 0
	for _, sub := range b.index.SubscribersOf(sessName, f.Topic) {
		if sub == c {
			continue
		}
		if sub.peer.SendText(frame) {
			delivered++
		} else {
			b.metrics.SendsDropped.Inc()
		}
	}
	b.metrics.FanoutSize.Observe(float64(delivered))

	// Cache and arm retries only when somebody was reached; a publish
	// into silence should not churn timers. Storage failure downgrades
	// to fire-and-forget: the fan-out already happened.
	if delivered > 0 {
		b.publishers.Store(msgKey(sessName, f.MessageID), c)
		if err := b.engine.Cache(ctx, m); err == nil {
			b.engine.Schedule(m)
		} else {
			b.publishers.Delete(msgKey(sessName, f.MessageID))
		}
	}

	if sess.NotifierConfig != "" {
		go b.pushOffline(sessName, f.Topic)
	}

	b.emit.Emit(events.Event{Name: events.PublishDelivered, Session: sessName, Topic: f.Topic, MessageID: f.MessageID, Count: delivered})
	c.send(protocol.NewPublishAccepted(f.MessageID, delivered))
}

// ack handles a subscriber's acknowledgement: terminal removal in the
// engine, then ack_received to the original publisher if it is still
// connected. Duplicate acks are silent.
func (b *Broker) ack(ctx context.Context, c *Conn, f protocol.Frame) {
	if f.MessageID == "" {
		c.send(protocol.NewErrorFrame("Missing messageId"))
		return
	}
	_, sessName, _ := c.snapshot()

	// Snapshot the publisher before Ack: the engine's terminal hook
	// deletes the routing entry as part of the removal.
	pub, hadPub := b.publishers.Load(msgKey(sessName, f.MessageID))

	acked, err := b.engine.Ack(ctx, sessName, f.MessageID)
	if err != nil || !acked {
		return
	}
	if hadPub {
		if state, _, _ := pub.snapshot(); state == StateAuthenticated {
			pub.send(protocol.NewAckReceived(f.MessageID))
		}
	}
}

// pushOffline notifies users who hold device tokens for the session but
// no live connection. Best effort: errors are events and metrics only,
// and the whole pass is bounded by the notify timeout.
func (b *Broker) pushOffline(sessName, topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.notifyTimeout)
	defer cancel()

	tokens, err := b.store.GetDeviceTokens(ctx, sessName)
	if err != nil {
		b.storageError("get_device_tokens", sessName, err)
		return
	}
	online := b.index.OnlineUsers(sessName)
	seen := make(map[string]bool)
	for _, t := range tokens {
		if t.UserID == "" || seen[t.UserID] || online[t.UserID] {
			continue
		}
		seen[t.UserID] = true
		// Payloads are ciphertext; the topic is the only previewable part.
		if err := b.notifier.PushOffline(ctx, sessName, t.UserID, topic); err != nil {
			b.emit.Emit(events.Event{Name: events.NotifyFailed, Session: sessName, User: t.UserID, Err: err})
			b.metrics.NotifierPushes.WithLabelValues("error").Inc()
			continue
		}
		b.emit.Emit(events.Event{Name: events.NotifyPushed, Session: sessName, User: t.UserID})
		b.metrics.NotifierPushes.WithLabelValues("ok").Inc()
	}
}

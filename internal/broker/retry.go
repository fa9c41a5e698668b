package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/mohammed-fawaz-cp/fastport/internal/clock"
	"github.com/mohammed-fawaz-cp/fastport/internal/events"
	"github.com/mohammed-fawaz-cp/fastport/internal/metrics"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

// Terminal reasons a cached message leaves the engine with.
const (
	dropAcked            = "acked"
	dropExpired          = "expired"
	dropRetryCeiling     = "retry_ceiling"
	dropSessionDropped   = "session_dropped"
	dropSessionSuspended = "session_suspended"
	dropNoSubscribers    = "no_subscribers"
)

// DeliverFunc fans a message out to the current live subscribers of its
// (session, topic) pair and reports how many it reached. It must not
// block: sends are queue pushes.
type DeliverFunc func(m storage.Message) int

// Engine is the at-least-once retry engine. Each cached message owns one
// state entry holding its timer; all transitions for a messageId
// (schedule, fire, ack, purge) serialize on the entry mutex, which keeps
// the single live timer invariant and keeps a fire from resurrecting an
// acked message.
type Engine struct {
	store   storage.Store
	clock   clock.Clock
	emit    events.Emitter
	metrics *metrics.Metrics
	deliver DeliverFunc

	entries *xsync.Map[string, *msgState]

	// onTerminal lets the broker release per-message routing state (the
	// publisher map) when a message leaves the cache.
	onTerminal func(session, id string)
}

type msgState struct {
	mu      sync.Mutex
	timer   clock.Timer
	counted bool
	// dead marks an entry removed from the map while a racing goroutine
	// still holds the pointer; holders must drop it and look again.
	dead bool
}

// NewEngine builds the retry engine. The deliver function and terminal
// hook are installed by the broker during wiring.
func NewEngine(store storage.Store, clk clock.Clock, emit events.Emitter, m *metrics.Metrics) *Engine {
	if emit == nil {
		emit = events.Nop{}
	}
	return &Engine{
		store:   store,
		clock:   clk,
		emit:    emit,
		metrics: m,
		entries: xsync.NewMap[string, *msgState](),
	}
}

// SetDeliver installs the fan-out function. Must be called before the
// engine schedules anything.
func (e *Engine) SetDeliver(fn DeliverFunc) { e.deliver = fn }

// SetTerminalHook installs the terminal callback.
func (e *Engine) SetTerminalHook(fn func(session, id string)) { e.onTerminal = fn }

func msgKey(session, id string) string { return session + "\x00" + id }

// lockEntry returns the message's state entry locked, creating it when
// absent. A concurrently removed entry is discarded and replaced.
func (e *Engine) lockEntry(key string) *msgState {
	for {
		ent, _ := e.entries.LoadOrStore(key, &msgState{})
		ent.mu.Lock()
		if !ent.dead {
			return ent
		}
		ent.mu.Unlock()
	}
}

// dropLocked makes the entry terminal: cancels the timer, removes the
// entry, and notifies the broker. Caller holds ent.mu.
func (e *Engine) dropLocked(key string, ent *msgState) {
	if ent.timer != nil {
		ent.timer.Cancel()
		ent.timer = nil
	}
	ent.dead = true
	e.entries.Delete(key)
	if ent.counted && e.metrics != nil {
		e.metrics.MessagesCached.Dec()
	}
	if e.onTerminal != nil {
		session, id, _ := strings.Cut(key, "\x00")
		e.onTerminal(session, id)
	}
}

// Cache persists a freshly published message with retryCount 0. Storage
// failure is reported to the caller but the caller is expected to keep
// going: durability on the publish path is best effort.
func (e *Engine) Cache(ctx context.Context, m storage.Message) error {
	if err := e.store.SaveMessage(ctx, m); err != nil {
		e.storageError("save_message", m.SessionName, err)
		return err
	}
	e.emit.Emit(events.Event{Name: events.MessageCached, Session: m.SessionName, Topic: m.Topic, MessageID: m.MessageID})
	return nil
}

// Schedule arms the message's retry timer for its captured interval. An
// existing timer for the same messageId is replaced, so a duplicate
// publish (upsert) restarts the cycle with exactly one live timer.
func (e *Engine) Schedule(m storage.Message) {
	e.scheduleAfter(m, e.retryInterval(m))
}

// scheduleAfter arms the timer with an explicit delay; recovery biases
// the first fire with it.
func (e *Engine) scheduleAfter(m storage.Message, delay time.Duration) {
	key := msgKey(m.SessionName, m.MessageID)
	interval := e.retryInterval(m)

	ent := e.lockEntry(key)
	defer ent.mu.Unlock()
	if !ent.counted {
		ent.counted = true
		if e.metrics != nil {
			e.metrics.MessagesCached.Inc()
		}
	}
	if ent.timer != nil {
		ent.timer.Cancel()
	}
	session, id := m.SessionName, m.MessageID
	ent.timer = e.clock.AfterFunc(delay, func() {
		e.fire(session, id, interval)
	})
}

// Ack removes the message on acknowledgement. It reports true only for
// the ack that actually removed a cached message; duplicates are silent
// no-ops.
func (e *Engine) Ack(ctx context.Context, session, id string) (bool, error) {
	key := msgKey(session, id)
	ent := e.lockEntry(key)
	defer ent.mu.Unlock()

	m, err := e.store.GetMessage(ctx, session, id)
	if err != nil {
		e.storageError("get_message", session, err)
		return false, err
	}
	hadTimer := ent.timer != nil
	e.dropLocked(key, ent)
	if m == nil && !hadTimer {
		return false, nil
	}
	if err := e.store.RemoveMessage(ctx, session, id); err != nil {
		e.storageError("remove_message", session, err)
	}
	e.dropped(session, id, dropAcked, m)
	return m != nil, nil
}

// PurgeSession cancels every timer and cache entry belonging to the
// session. Storage rows go with the session's cascade delete; the purge
// only quiesces live state, so DropSession returns with no timer left to
// fire.
func (e *Engine) PurgeSession(session string) {
	prefix := session + "\x00"
	var keys []string
	e.entries.Range(func(key string, _ *msgState) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		ent, ok := e.entries.Load(key)
		if !ok {
			continue
		}
		ent.mu.Lock()
		if !ent.dead {
			e.dropLocked(key, ent)
			_, id, _ := strings.Cut(key, "\x00")
			e.dropped(session, id, dropSessionDropped, nil)
		}
		ent.mu.Unlock()
	}
}

// Recover re-arms a timer for every pending message in storage, biasing
// the first fire to publishedAt + retryInterval×(retryCount+1), clipped
// to now.
func (e *Engine) Recover(ctx context.Context) error {
	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		e.storageError("list_sessions", "", err)
		return err
	}
	now := e.clock.Now()
	for _, sess := range sessions {
		pending, err := e.store.ListPendingMessages(ctx, sess.SessionName)
		if err != nil {
			e.storageError("list_pending", sess.SessionName, err)
			continue
		}
		for _, m := range pending {
			next := m.PublishedAt.Add(e.retryInterval(m) * time.Duration(m.RetryCount+1))
			delay := next.Sub(now)
			if delay < 0 {
				delay = 0
			}
			e.scheduleAfter(m, delay)
		}
	}
	return nil
}

// Shutdown cancels every live timer without touching storage; pending
// messages stay cached for the next boot's recovery.
func (e *Engine) Shutdown() {
	e.entries.Range(func(key string, ent *msgState) bool {
		ent.mu.Lock()
		if ent.timer != nil {
			ent.timer.Cancel()
			ent.timer = nil
		}
		ent.dead = true
		e.entries.Delete(key)
		ent.mu.Unlock()
		return true
	})
}

// fire is the timer callback: reload, re-check liveness, redeliver,
// re-arm. Captured state is only trusted for the interval fallback; the
// message itself is always reloaded so an ack that raced the timer wins.
func (e *Engine) fire(session, id string, interval time.Duration) {
	key := msgKey(session, id)
	ent, ok := e.entries.Load(key)
	if !ok {
		return
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.dead {
		return
	}
	ent.timer = nil

	ctx := context.Background()
	m, err := e.store.GetMessage(ctx, session, id)
	if err != nil {
		e.storageError("get_message", session, err)
		ent.timer = e.clock.AfterFunc(interval, func() { e.fire(session, id, interval) })
		return
	}
	if m == nil {
		// Row already gone, typically a session drop's cascade delete
		// racing the timer.
		e.dropLocked(key, ent)
		e.dropped(session, id, dropSessionDropped, nil)
		return
	}

	sess, err := e.store.GetSession(ctx, session)
	if err != nil {
		e.storageError("get_session", session, err)
		ent.timer = e.clock.AfterFunc(interval, func() { e.fire(session, id, interval) })
		return
	}
	switch {
	case sess == nil:
		e.remove(ctx, key, ent, m, dropSessionDropped)
		return
	case sess.Suspended:
		e.remove(ctx, key, ent, m, dropSessionSuspended)
		return
	case m.Expired(e.clock.Now()):
		e.remove(ctx, key, ent, m, dropExpired)
		return
	case m.RetryCount >= m.MaxRetryLimit:
		e.remove(ctx, key, ent, m, dropRetryCeiling)
		return
	}

	m.RetryCount++
	if err := e.store.SaveMessage(ctx, *m); err != nil {
		e.storageError("save_message", session, err)
	}
	n := e.deliver(*m)
	if e.metrics != nil {
		e.metrics.RetriesTotal.Inc()
	}
	e.emit.Emit(events.Event{Name: events.MessageRetried, Session: session, Topic: m.Topic, MessageID: id, Count: n})
	if n == 0 {
		e.remove(ctx, key, ent, m, dropNoSubscribers)
		return
	}
	ent.timer = e.clock.AfterFunc(e.retryInterval(*m), func() { e.fire(session, id, interval) })
}

// remove is a terminal transition from inside fire. Caller holds ent.mu.
func (e *Engine) remove(ctx context.Context, key string, ent *msgState, m *storage.Message, reason string) {
	e.dropLocked(key, ent)
	if err := e.store.RemoveMessage(ctx, m.SessionName, m.MessageID); err != nil {
		e.storageError("remove_message", m.SessionName, err)
	}
	e.dropped(m.SessionName, m.MessageID, reason, m)
}

func (e *Engine) retryInterval(m storage.Message) time.Duration {
	if m.RetryInterval <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.RetryInterval) * time.Millisecond
}

func (e *Engine) dropped(session, id, reason string, m *storage.Message) {
	ev := events.Event{Name: events.MessageDropped, Session: session, MessageID: id, Reason: reason}
	if m != nil {
		ev.Topic = m.Topic
	}
	e.emit.Emit(ev)
	if e.metrics != nil {
		e.metrics.DroppedTotal.WithLabelValues(reason).Inc()
	}
}

func (e *Engine) storageError(op, session string, err error) {
	e.emit.Emit(events.Event{Name: events.StorageError, Session: session, Reason: op, Err: err})
	if e.metrics != nil {
		e.metrics.StorageErrors.WithLabelValues(op).Inc()
	}
}

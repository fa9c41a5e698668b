// Package broker is the fastPort core: the subscriber index, the
// at-least-once retry engine, the connection state machine, the publish
// pipeline, and the file stream router, wired over the storage port.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mohammed-fawaz-cp/fastport/internal/clock"
	"github.com/mohammed-fawaz-cp/fastport/internal/events"
	"github.com/mohammed-fawaz-cp/fastport/internal/metrics"
	"github.com/mohammed-fawaz-cp/fastport/internal/notify"
	"github.com/mohammed-fawaz-cp/fastport/internal/protocol"
	"github.com/mohammed-fawaz-cp/fastport/internal/session"
	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

// Options configures a Broker; Store and Registry are required, the rest
// default to no-op or system implementations.
type Options struct {
	Store    storage.Store
	Registry *session.Registry
	Clock    clock.Clock
	Emitter  events.Emitter
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Logger   zerolog.Logger

	// CleanupInterval is the expiry sweep period; zero disables the
	// sweeper.
	CleanupInterval time.Duration
	// NotifyTimeout bounds one offline-push call.
	NotifyTimeout time.Duration
}

// Broker owns the live state of the running node.
type Broker struct {
	store    storage.Store
	registry *session.Registry
	index    *Index
	engine   *Engine
	notifier notify.Notifier
	clock    clock.Clock
	emit     events.Emitter
	metrics  *metrics.Metrics
	log      zerolog.Logger

	// publishers routes the first ack of a message back to the
	// connection that published it.
	publishers *xsync.Map[string, *Conn]

	cleanupInterval time.Duration
	notifyTimeout   time.Duration
	sweeper         *cron.Cron
}

// New wires a Broker. The registry's drop hook and the engine's deliver
// function are installed here; callers must not replace them afterwards.
func New(opts Options) *Broker {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = notify.DefaultTimeout
	}

	b := &Broker{
		store:           opts.Store,
		registry:        opts.Registry,
		index:           NewIndex(),
		engine:          NewEngine(opts.Store, opts.Clock, opts.Emitter, opts.Metrics),
		notifier:        opts.Notifier,
		clock:           opts.Clock,
		emit:            opts.Emitter,
		metrics:         opts.Metrics,
		log:             opts.Logger,
		publishers:      xsync.NewMap[string, *Conn](),
		cleanupInterval: opts.CleanupInterval,
		notifyTimeout:   opts.NotifyTimeout,
	}
	b.engine.SetDeliver(b.deliver)
	b.engine.SetTerminalHook(func(sess, id string) {
		b.publishers.Delete(msgKey(sess, id))
	})
	b.registry.SetDropHook(b.quiesceSession)
	return b
}

// Engine exposes the retry engine; tests reach scheduling state through
// it.
func (b *Broker) Engine() *Engine { return b.engine }

// Index exposes the subscriber index.
func (b *Broker) Index() *Index { return b.index }

// Start recovers pending retries from storage and launches the expiry
// sweeper.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.engine.Recover(ctx); err != nil {
		return fmt.Errorf("retry recovery failed: %w", err)
	}
	if b.cleanupInterval > 0 {
		b.sweeper = cron.New()
		spec := fmt.Sprintf("@every %ds", int(b.cleanupInterval.Seconds()))
		if _, err := b.sweeper.AddFunc(spec, b.Sweep); err != nil {
			return fmt.Errorf("failed to schedule cleanup sweeper: %w", err)
		}
		b.sweeper.Start()
	}
	return nil
}

// Close stops the sweeper and cancels every retry timer. Cached messages
// stay in storage for the next boot.
func (b *Broker) Close() {
	if b.sweeper != nil {
		b.sweeper.Stop()
	}
	b.engine.Shutdown()
}

// Sweep runs one expiry pass: storage deletes expired rows, then the
// broker quiesces any session the sweep removed.
func (b *Broker) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := b.store.CleanupExpired(ctx, b.clock.Now())
	if err != nil {
		b.storageError("cleanup_expired", "", err)
		return
	}
	for _, name := range stats.Sessions {
		b.quiesceSession(name)
		b.emit.Emit(events.Event{Name: events.SessionExpired, Session: name})
		b.metrics.CleanupRemoved.WithLabelValues("session").Inc()
	}
	if stats.Messages > 0 {
		b.metrics.CleanupRemoved.WithLabelValues("message").Add(float64(stats.Messages))
	}
	if len(stats.Sessions) > 0 || stats.Messages > 0 {
		b.emit.Emit(events.Event{Name: events.CleanupSwept, Count: stats.Messages + len(stats.Sessions)})
	}
}

// quiesceSession tears down a session's live state: retry timers first,
// so nothing fires mid-teardown, then the index and every bound
// connection.
func (b *Broker) quiesceSession(name string) {
	b.engine.PurgeSession(name)
	conns := b.index.Connections(name)
	b.index.DropSession(name)
	for _, c := range conns {
		c.closeForDrop("Session dropped")
	}
}

// deliver fans one cached message out to the current subscribers of its
// (session, topic); the retry engine calls it on every redelivery.
func (b *Broker) deliver(m storage.Message) int {
	frame, err := protocol.Encode(protocol.NewMessageFrame(m))
	if err != nil {
		return 0
	}
	n := 0
	for _, sub := range b.index.SubscribersOf(m.SessionName, m.Topic) {
		if sub.peer.SendText(frame) {
			n++
		} else {
			b.metrics.SendsDropped.Inc()
		}
	}
	return n
}

func (b *Broker) storageError(op, sess string, err error) {
	b.emit.Emit(events.Event{Name: events.StorageError, Session: sess, Reason: op, Err: err})
	b.metrics.StorageErrors.WithLabelValues(op).Inc()
}

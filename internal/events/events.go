// Package events defines the structured observability port. The broker
// core emits events; adapters render them as logs, and tests assert on
// them directly through the capture sink.
package events

// Event names emitted by the core.
const (
	SessionCreated   = "session.created"
	SessionSuspended = "session.suspended"
	SessionResumed   = "session.resumed"
	SessionDropped   = "session.dropped"
	SessionExpired   = "session.expired"
	ConnectionOpened = "connection.opened"
	ConnectionAuthed = "connection.authenticated"
	ConnectionClosed = "connection.closed"
	PublishDelivered = "publish.delivered"
	PublishRejected  = "publish.rejected"
	MessageCached    = "message.cached"
	MessageRetried   = "message.retried"
	MessageDropped   = "message.dropped"
	FileStarted      = "file.started"
	FileCompleted    = "file.completed"
	TokenRegistered  = "token.registered"
	NotifyPushed     = "notify.pushed"
	NotifyFailed     = "notify.failed"
	StorageError     = "storage.error"
	CleanupSwept     = "cleanup.swept"
)

// Event is one structured record. Zero-valued fields are absent.
type Event struct {
	Name      string
	Session   string
	Topic     string
	MessageID string
	ConnID    string
	User      string
	// Reason qualifies terminal events, e.g. why a message was dropped.
	Reason string
	// Count carries a cardinality: subscribers reached, rows swept.
	Count int
	Err   error
}

// Emitter consumes events. Implementations must be safe for concurrent
// use and must not block the caller.
type Emitter interface {
	Emit(Event)
}

// Nop discards all events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

type multi []Emitter

func (m multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Multi fans one event out to several emitters.
func Multi(emitters ...Emitter) Emitter {
	out := make(multi, 0, len(emitters))
	for _, em := range emitters {
		if em != nil {
			out = append(out, em)
		}
	}
	return out
}

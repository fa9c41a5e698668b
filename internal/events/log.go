package events

import "github.com/rs/zerolog"

// lifecycle names logged at info; the high-rate delivery path stays at
// debug so production logs track tenants, not traffic.
var infoNames = map[string]bool{
	SessionCreated:   true,
	SessionSuspended: true,
	SessionResumed:   true,
	SessionDropped:   true,
	SessionExpired:   true,
	CleanupSwept:     true,
}

// LogEmitter renders events through zerolog.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLog returns an emitter writing to the given logger.
func NewLog(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(e Event) {
	var ev *zerolog.Event
	switch {
	case e.Err != nil:
		ev = l.log.Warn().Err(e.Err)
	case infoNames[e.Name]:
		ev = l.log.Info()
	default:
		ev = l.log.Debug()
	}
	if e.Session != "" {
		ev = ev.Str("session", e.Session)
	}
	if e.Topic != "" {
		ev = ev.Str("topic", e.Topic)
	}
	if e.MessageID != "" {
		ev = ev.Str("messageId", e.MessageID)
	}
	if e.ConnID != "" {
		ev = ev.Str("connId", e.ConnID)
	}
	if e.User != "" {
		ev = ev.Str("userId", e.User)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if e.Count != 0 {
		ev = ev.Int("count", e.Count)
	}
	ev.Msg(e.Name)
}

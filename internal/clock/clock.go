package clock

import "time"

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Cancel stops the timer if it has not fired yet and reports whether
	// the call prevented the callback from running. Cancel is idempotent
	// and safe to call from any goroutine, including the callback itself.
	Cancel() bool
}

// Clock abstracts wall time and timer scheduling so retry and expiry
// paths can run against a deterministic clock in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// System returns a Clock backed by the runtime timers.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) Cancel() bool { return s.t.Stop() }

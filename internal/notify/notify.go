// Package notify defines the offline-push port. The broker calls it for
// users who hold device tokens but no live connection; delivery is
// best-effort with a bounded deadline and failures never reach the
// publish result.
package notify

import (
	"context"
	"time"
)

// DefaultTimeout bounds one PushOffline call end to end.
const DefaultTimeout = 5 * time.Second

// Notifier pushes a preview to an offline user's registered devices.
type Notifier interface {
	PushOffline(ctx context.Context, session, userID, preview string) error
}

// Nop is the default notifier; it delivers nothing and never fails.
type Nop struct{}

// PushOffline implements Notifier.
func (Nop) PushOffline(context.Context, string, string, string) error { return nil }

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, session, userID, preview string) error

// PushOffline implements Notifier.
func (f Func) PushOffline(ctx context.Context, session, userID, preview string) error {
	return f(ctx, session, userID, preview)
}

package syncer

import "context"

// Notifier is the capability the synchronizer uses to surface state changes
// to whatever front-end is running (a CLI, a tray app). internal/engine
// wires a concrete implementation; tests use a recording fake.
type Notifier interface {
	// UserActionRequired reports that the synchronizer has blocked on a
	// user-actionable error and is waiting for the operator to resolve it,
	// retry, or skip.
	UserActionRequired(ctx context.Context, docID string, err error)
	// Offline reports that the remote is unreachable.
	Offline(ctx context.Context, err error)
	// Resumed reports that the synchronizer has unblocked and is applying
	// changes again.
	Resumed(ctx context.Context)
}

// NoopNotifier discards every notification. Used as the default when the
// caller does not care to observe synchronizer state.
type NoopNotifier struct{}

// UserActionRequired implements Notifier.
func (NoopNotifier) UserActionRequired(context.Context, string, error) {}

// Offline implements Notifier.
func (NoopNotifier) Offline(context.Context, error) {}

// Resumed implements Notifier.
func (NoopNotifier) Resumed(context.Context) {}

var _ Notifier = NoopNotifier{}

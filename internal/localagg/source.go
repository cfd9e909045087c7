package localagg

import "context"

// EventSource is the injected LocalEventSource capability (spec.md §6):
// subscribe() → stream<LocalEvent>. internal/localagg/fswatch provides the
// default fsnotify-backed implementation; tests use a channel-fed fake.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan LocalEvent, error)
}

package manager

// Event represents a dispatcher lifecycle event.
// Minimal and stable: name + model name and optional fields via key/values.
type Event struct {
	Name   string
	Model  string
	Fields map[string]any
}

// Event names published by the manager.
const (
	EventLoadStart         = "load_start"
	EventLoadReady         = "load_ready"
	EventLoadFailed        = "load_failed"
	EventPoolRegistered    = "pool_registered"
	EventPoolSaturated     = "pool_saturated"
	EventUnregisterStart   = "unregister_start"
	EventUnregisterTimeout = "unregister_timeout"
	EventUnregisterDone    = "unregister_done"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use cases:
//   - Deployments where observability overhead is unwanted
//   - Tests that don't assert on events
type NullEmitter struct{}

// NewNullEmitter returns an emitter that discards all events.
// Safe for concurrent use, zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are organized by instance ID for retrieval and filtering. Intended
// for tests, debugging, and the paused-instance dashboards; production
// deployments with high event volume should prefer LogEmitter or OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // instanceID -> events
}

// HistoryFilter specifies criteria for filtering captured events.
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	// StateID filters by the state the event was emitted from.
	StateID string
	// Msg filters by event name, e.g. "instance_paused".
	Msg string
}

// NewBufferedEmitter creates a new in-memory emitter. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// History retrieves all events for an instance in emission order.
// Returns a copy; never nil.
func (b *BufferedEmitter) History(instanceID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[instanceID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter retrieves events for an instance matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, ev := range b.events[instanceID] {
		if filter.StateID != "" && ev.StateID != filter.StateID {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		result = append(result, ev)
	}
	return result
}

// Clear removes captured events for one instance, or all events when
// instanceID is empty.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instanceID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, instanceID)
}

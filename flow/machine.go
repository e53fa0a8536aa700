package flow

import (
	"context"
	"sync"
	"time"

	"github.com/statekit/statekit/flow/store"
)

// Machine holds the in-memory view of running instances: current state and
// context per instance, backed by the flow definition.
//
// The persisted context row is the authoritative truth; this view may lag
// but never leads. The engine serializes process steps per instance, so
// the mutex here only guards map access, not step execution.
type Machine struct {
	mu       sync.RWMutex
	flow     *FlowConfig
	registry *Registry
	states   map[string]string              // instanceID -> currentStateID
	contexts map[string]*store.StateContext // instanceID -> context
	clock    func() time.Time
}

// NewMachine creates a machine over a flow definition and handler registry.
func NewMachine(cfg *FlowConfig, registry *Registry) *Machine {
	return &Machine{
		flow:     cfg,
		registry: registry,
		states:   make(map[string]string),
		contexts: make(map[string]*store.StateContext),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Start creates the in-memory view for an instance.
//
// If the instance already exists (e.g. restored), the existing view is
// returned unchanged. Otherwise the current state becomes the context's
// CurrentStateID, falling back to the flow's initial state.
func (m *Machine) Start(id string, sc *store.StateContext) *store.StateContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.contexts[id]; ok {
		return existing
	}

	if sc == nil {
		sc = store.NewStateContext(id)
	}
	if sc.CurrentStateID == "" {
		sc.CurrentStateID = m.flow.InitialState()
	}
	m.states[id] = sc.CurrentStateID
	m.contexts[id] = sc
	return sc
}

// Restore rehydrates the in-memory view from a persisted context. The
// context's CurrentStateID must be non-empty.
func (m *Machine) Restore(id string, sc *store.StateContext) error {
	if sc.CurrentStateID == "" {
		return &StateError{Code: "EMPTY_STATE", Message: "cannot restore instance " + id + " without a current state"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = sc.CurrentStateID
	m.contexts[id] = sc
	return nil
}

// ProcessEvent executes one atomic step for an instance:
//
//  1. Run the handler for the current state (implicit success when none).
//  2. Select the next state from the outgoing edges, highest priority
//     first; if none match the instance stays where it is.
//  3. Merge the result data into local state, record the event in the
//     bounded window, clear any pause markers, and advance the view.
//
// Persistence is the engine's responsibility, called right after.
func (m *Machine) ProcessEvent(ctx context.Context, id string, ev *store.Event) (*StateResult, error) {
	m.mu.RLock()
	current, ok := m.states[id]
	sc := m.contexts[id]
	m.mu.RUnlock()

	if !ok || sc == nil {
		return nil, &StateError{Code: "UNKNOWN_INSTANCE", Message: "unknown instance: " + id}
	}
	if m.flow.State(current) == nil {
		return nil, &StateError{Code: "UNKNOWN_STATE", Message: "instance " + id + " is in unknown state: " + current}
	}

	res := m.registry.Invoke(ctx, current, sc)

	next := m.FindNextState(current, res)
	target := current
	if next != "" {
		target = next
	}

	m.mu.Lock()
	for k, v := range res.Data {
		sc.LocalState[k] = v
	}
	if ev != nil {
		sc.AppendEvent(*ev)
	}
	sc.ClearPauseMarkers()
	sc.CurrentStateID = target
	sc.LastUpdatedAt = m.clock()
	m.states[id] = target
	m.mu.Unlock()

	return res, nil
}

// FindNextState picks the first transition out of from whose condition
// matches the result, in descending priority with document order preserved
// on ties. Returns "" when no edge matches (terminal or stuck).
func (m *Machine) FindNextState(from string, res *StateResult) string {
	for _, tr := range m.flow.TransitionsFrom(from) {
		if m.flow.conditionMatches(tr.Condition, res) {
			return tr.To
		}
	}
	return ""
}

// ForceTransition moves an instance into target without running any
// handler. Local state is untouched; only the current state, pause
// markers, and LastUpdatedAt change.
func (m *Machine) ForceTransition(id, target, reason string) error {
	if m.flow.State(target) == nil {
		return &StateError{Code: "UNKNOWN_STATE", Message: "force transition target does not exist: " + target}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.contexts[id]
	if !ok {
		return &StateError{Code: "UNKNOWN_INSTANCE", Message: "unknown instance: " + id}
	}

	sc.ClearPauseMarkers()
	sc.CurrentStateID = target
	sc.LastUpdatedAt = m.clock()
	if reason != "" {
		sc.Metadata["_lastForcedReason"] = reason
	}
	m.states[id] = target
	return nil
}

// CurrentState returns the in-memory current state of an instance, or ""
// if the instance is not loaded.
func (m *Machine) CurrentState(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[id]
}

// Context returns a deep copy of an instance's in-memory context, or nil
// if the instance is not loaded. The live context stays internal to the
// step path, so callers can read the copy without holding any lock.
func (m *Machine) Context(id string) *store.StateContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.contexts[id]
	if !ok {
		return nil
	}
	return sc.Clone()
}

// context returns the live context for the serialized step path.
func (m *Machine) context(id string) *store.StateContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contexts[id]
}

// StateDefinition returns the definition for a state ID, or nil.
func (m *Machine) StateDefinition(stateID string) *StateDefinition {
	return m.flow.State(stateID)
}

// Flow returns the flow definition.
func (m *Machine) Flow() *FlowConfig {
	return m.flow
}

// Invalidate drops the in-memory view for an instance so the next access
// re-reads persistence. Called after a failed step persist.
func (m *Machine) Invalidate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	delete(m.contexts, id)
}

// Loaded reports whether the instance has an in-memory view.
func (m *Machine) Loaded(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.contexts[id]
	return ok
}

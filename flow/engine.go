package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statekit/statekit/flow/emit"
	"github.com/statekit/statekit/flow/store"
)

// Engine coordinates the state machine with persistence.
//
// The Engine is the per-flow facade that:
//   - Starts instances and persists their initial context
//   - Loads instances on demand (read-through from the store)
//   - Drives single process steps and persists each transition as one unit
//   - Forces transitions for the timeout path
//   - Runs instances to completion or to a pause-on-enter state
//
// Steps for one instance are strictly serialized (one writer per
// instance); distinct instances step concurrently.
type Engine struct {
	flow     *FlowConfig
	registry *Registry
	machine  *Machine
	store    store.Store
	emitter  emit.Emitter
	metrics  *Metrics
	clock    func() time.Time
	source   string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithEmitter sets the observability emitter. Default: NullEmitter.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithSource sets the Source field stamped on engine-constructed events.
// Default: "engine".
func WithSource(source string) Option {
	return func(e *Engine) { e.source = source }
}

// New creates an Engine over an explicit flow, registry, and store.
//
// Example:
//
//	cfg, err := flow.LoadFlow("transfer.yaml")
//	st, err := store.NewSQLiteStore("./flows.db")
//	reg := flow.NewRegistry()
//	reg.Register("checking_balance", checkBalance)
//	eng := flow.New(cfg, reg, st, flow.WithEmitter(emit.NewLogEmitter(nil, false)))
func New(cfg *FlowConfig, registry *Registry, st store.Store, opts ...Option) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		flow:     cfg,
		registry: registry,
		machine:  NewMachine(cfg, registry),
		store:    st,
		emitter:  emit.NewNullEmitter(),
		clock:    func() time.Time { return time.Now().UTC() },
		source:   "engine",
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.machine.clock = e.clock
	return e
}

// FromConfig builds a fully wired engine: flow document from configPath,
// SQLite store at dbPath, and handlers bound by name.
//
// The handlers map is keyed by function name for entries referenced from
// the document's functions section, and by state ID for direct bindings.
// Declarative bindings carry their priority/timeout/retry attributes into
// the registration.
func FromConfig(configPath, dbPath string, handlers map[string]Handler, opts ...Option) (*Engine, error) {
	cfg, err := LoadFlow(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	bound := make(map[string]bool)
	for _, b := range cfg.Bindings {
		h, ok := handlers[b.FunctionName]
		if !ok {
			continue
		}
		err := registry.Register(b.StateID, h,
			WithDescription(b.Description),
			WithPriority(b.Priority),
			WithTimeout(b.Timeout),
			WithRetryCount(b.RetryCount),
			WithAsync(b.Async),
			WithTags(b.Tags...),
			WithHandlerMetadata(b.Metadata),
		)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		bound[b.FunctionName] = true
	}
	for name, h := range handlers {
		if bound[name] {
			continue
		}
		if cfg.State(name) == nil {
			continue
		}
		if err := registry.Register(name, h); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	return New(cfg, registry, st, opts...), nil
}

// Flow returns the engine's flow definition.
func (e *Engine) Flow() *FlowConfig {
	return e.flow
}

// Registry returns the engine's handler registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Store returns the engine's persistence backend.
func (e *Engine) Store() store.Store {
	return e.store
}

// instanceLock returns the serialization mutex for an instance.
func (e *Engine) instanceLock(id string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

// Start allocates a new instance: a fresh ID (optionally prefixed), the
// given local state, and the flow's initial state. The context is
// persisted before the instance becomes visible in memory.
func (e *Engine) Start(ctx context.Context, idPrefix string, initialLocal map[string]any) (*store.StateContext, error) {
	id := idPrefix + uuid.NewString()

	sc := store.NewStateContext(id)
	sc.CreatedAt = e.clock()
	sc.LastUpdatedAt = sc.CreatedAt
	for k, v := range initialLocal {
		sc.LocalState[k] = v
	}
	sc.CurrentStateID = e.flow.InitialState()

	if err := e.store.SaveContext(ctx, sc); err != nil {
		return nil, &PersistenceError{Op: "save context", Err: err}
	}

	e.machine.Start(id, sc)
	if e.metrics != nil {
		e.metrics.InstanceStarted()
	}
	e.emitter.Emit(emit.Event{
		InstanceID: id,
		StateID:    sc.CurrentStateID,
		Msg:        "instance_started",
	})
	// The machine now owns sc; hand the caller its own copy.
	return sc.Clone(), nil
}

// loadInstance ensures an instance has an in-memory view, reading through
// from the store when absent. Returns store.ErrNotFound for unknown IDs.
func (e *Engine) loadInstance(ctx context.Context, id string) error {
	if e.machine.Loaded(id) {
		return nil
	}
	sc, err := e.store.LoadContext(ctx, id)
	if err != nil {
		return err
	}
	return e.machine.Restore(id, sc)
}

// CurrentState returns an instance's current state, loading it from the
// store when not in memory. Returns "" with store.ErrNotFound for unknown
// instances.
func (e *Engine) CurrentState(ctx context.Context, id string) (string, error) {
	if err := e.loadInstance(ctx, id); err != nil {
		return "", err
	}
	return e.machine.CurrentState(id), nil
}

// Context returns a deep copy of an instance's context, loading it from
// the store when not in memory. The copy is taken under the instance's
// step lock, so it is consistent even while the durable loop is stepping
// the same instance, and mutating it never touches the live view.
func (e *Engine) Context(ctx context.Context, id string) (*store.StateContext, error) {
	if err := e.loadInstance(ctx, id); err != nil {
		return nil, err
	}
	mu := e.instanceLock(id)
	mu.Lock()
	defer mu.Unlock()
	return e.machine.Context(id), nil
}

// History returns the instance's transition log, ascending by timestamp.
func (e *Engine) History(ctx context.Context, id string) ([]store.StateHistoryEntry, error) {
	return e.store.GetStateHistory(ctx, id)
}

// Events returns up to limit entries of the instance's event log.
func (e *Engine) Events(ctx context.Context, id string, limit int) ([]store.Event, error) {
	return e.store.GetEvents(ctx, id, limit)
}

// Process drives one step: construct the event, run the current state's
// handler, select the transition, and persist (event, history entry,
// context) as one unit.
//
// On persistence failure the step is aborted, the in-memory view is
// invalidated so the next access re-reads the store, and a
// PersistenceError is returned. Handler failures do NOT return an error;
// they surface through the result so Failure edges can match.
func (e *Engine) Process(ctx context.Context, id, eventType, eventName string, payload map[string]any) (*StateResult, error) {
	if err := e.loadInstance(ctx, id); err != nil {
		return nil, err
	}

	mu := e.instanceLock(id)
	mu.Lock()
	defer mu.Unlock()

	from := e.machine.CurrentState(id)
	started := e.clock()

	ev := &store.Event{
		ID:        uuid.NewString(),
		Type:      store.EventType{Namespace: "workflow", Name: eventType, Version: "1.0"},
		Name:      eventName,
		Timestamp: started,
		Source:    e.source,
		Priority:  store.PriorityNormal,
		Payload:   payload,
	}

	res, err := e.machine.ProcessEvent(ctx, id, ev)
	if err != nil {
		return nil, err
	}

	sc := e.machine.context(id)
	entry := &store.StateHistoryEntry{
		Timestamp:   e.clock(),
		FromStateID: from,
		ToStateID:   sc.CurrentStateID,
		EventID:     ev.ID,
		ContextID:   id,
	}

	if err := e.store.SaveStep(ctx, id, ev, entry, sc); err != nil {
		e.machine.Invalidate(id)
		return nil, &PersistenceError{Op: "save step", Err: err}
	}

	status := "success"
	if !res.Success {
		status = "failure"
	}
	if e.metrics != nil {
		e.metrics.ObserveStep(e.flow.Name, from, status, e.clock().Sub(started))
		if sc.CurrentStateID != from && e.flow.IsTerminal(sc.CurrentStateID) {
			e.metrics.InstanceCompleted()
		}
	}
	meta := map[string]any{"from": from, "to": sc.CurrentStateID}
	if res.Err != nil {
		meta["error"] = res.Err.Error()
	}
	e.emitter.Emit(emit.Event{
		InstanceID: id,
		StateID:    from,
		Msg:        "step_complete",
		Meta:       meta,
	})
	return res, nil
}

// ForceTransition moves an instance into target without running the
// target's handler. Used by the timeout path; validates the target and
// persists the transition with a history entry carrying no event ID.
func (e *Engine) ForceTransition(ctx context.Context, id, target, reason string) error {
	if err := e.loadInstance(ctx, id); err != nil {
		return err
	}

	mu := e.instanceLock(id)
	mu.Lock()
	defer mu.Unlock()

	from := e.machine.CurrentState(id)
	if err := e.machine.ForceTransition(id, target, reason); err != nil {
		return err
	}

	sc := e.machine.context(id)
	entry := &store.StateHistoryEntry{
		Timestamp:   e.clock(),
		FromStateID: from,
		ToStateID:   target,
		ContextID:   id,
	}

	if err := e.store.SaveStep(ctx, id, nil, entry, sc); err != nil {
		e.machine.Invalidate(id)
		return &PersistenceError{Op: "save step", Err: err}
	}

	e.emitter.Emit(emit.Event{
		InstanceID: id,
		StateID:    from,
		Msg:        "forced_transition",
		Meta:       map[string]any{"to": target, "reason": reason},
	})
	return nil
}

// MarkPaused writes the durable pause marker for an instance: the three
// reserved _pause* metadata keys, persisted in one context snapshot.
// timeoutSec <= 0 is recorded as -1 (no expiry).
func (e *Engine) MarkPaused(ctx context.Context, id, stateID string, timeoutSec int) error {
	if err := e.loadInstance(ctx, id); err != nil {
		return err
	}

	mu := e.instanceLock(id)
	mu.Lock()
	defer mu.Unlock()

	sc := e.machine.context(id)
	if timeoutSec <= 0 {
		timeoutSec = -1
	}
	sc.Metadata[store.MetaPausedAt] = e.clock().UnixMilli()
	sc.Metadata[store.MetaPausedState] = stateID
	sc.Metadata[store.MetaPauseTimeout] = timeoutSec
	sc.LastUpdatedAt = e.clock()

	if err := e.store.SaveContext(ctx, sc); err != nil {
		e.machine.Invalidate(id)
		return &PersistenceError{Op: "save context", Err: err}
	}

	if e.metrics != nil {
		e.metrics.InstancePaused()
	}
	e.emitter.Emit(emit.Event{
		InstanceID: id,
		StateID:    stateID,
		Msg:        "instance_paused",
		Meta:       map[string]any{"timeout_sec": timeoutSec},
	})
	return nil
}

// ClearPauseMarker strips the _pause* metadata keys from the persisted
// context if present. Idempotent; used by the timeout path after an
// action (or no action) ran.
func (e *Engine) ClearPauseMarker(ctx context.Context, id string) error {
	sc, err := e.store.LoadContext(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !sc.IsPaused() {
		return nil
	}
	sc.ClearPauseMarkers()
	sc.LastUpdatedAt = e.clock()
	if err := e.store.SaveContext(ctx, sc); err != nil {
		return &PersistenceError{Op: "save context", Err: err}
	}
	e.machine.Invalidate(id)
	return nil
}

// RunCallbacks receive notifications from RunUntilComplete.
type RunCallbacks struct {
	OnStateChange func(from, to string, res *StateResult)
	OnComplete    func(finalState string)
	OnError       func(err error)
}

// RunUntilComplete repeatedly processes an instance until it reaches a
// terminal state, the next state is pause-on-enter, or no transition
// matches (stuck). Errors are reported through OnError and stop the run.
func (e *Engine) RunUntilComplete(ctx context.Context, id, eventType, eventName string, cb RunCallbacks) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		current, err := e.CurrentState(ctx, id)
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return err
		}
		if e.flow.IsTerminal(current) {
			if cb.OnComplete != nil {
				cb.OnComplete(current)
			}
			return nil
		}
		// Parking durably is the executor's job; a synchronous run just
		// stops at the pause state.
		if def := e.flow.State(current); def != nil && def.PauseOnEnter {
			return nil
		}

		res, err := e.Process(ctx, id, eventType, eventName, nil)
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return err
		}

		next, _ := e.CurrentState(ctx, id)
		if cb.OnStateChange != nil {
			cb.OnStateChange(current, next, res)
		}
		if next == current {
			// No transition matched; terminal or stuck.
			if e.flow.IsTerminal(next) && cb.OnComplete != nil {
				cb.OnComplete(next)
			}
			return nil
		}
	}
}

// Delete removes an instance from persistence (cascading to its logs) and
// from the in-memory view.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.DeleteContext(ctx, id); err != nil {
		return &PersistenceError{Op: "delete context", Err: err}
	}
	e.machine.Invalidate(id)
	e.lockMu.Lock()
	delete(e.locks, id)
	e.lockMu.Unlock()
	return nil
}

// Close flushes and releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

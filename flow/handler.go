package flow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/statekit/statekit/flow/store"
)

// StateResult is the output of a handler invocation.
//
// Data is merged into the instance's local state before transition
// selection; Success (and Err for Failure edges and custom predicates)
// drives which edge is taken.
type StateResult struct {
	Success bool
	Data    map[string]any
	Err     error
}

// Handler is user code bound to a state ID, invoked once per visit.
//
// Handlers receive the instance's live context and return a StateResult.
// A returned error (or a panic) is converted to a failing result; it never
// propagates out of a process step.
type Handler func(ctx context.Context, sc *store.StateContext) (*StateResult, error)

// HandlerInfo carries the optional binding attributes of a registered
// handler. Timeout and RetryCount feed the invocation policy; the rest is
// informational.
type HandlerInfo struct {
	Description string
	Priority    int
	Timeout     int // advisory deadline in seconds; 0 = none
	RetryCount  int
	Async       bool
	Tags        []string
	Metadata    map[string]any
}

// HandlerOption configures a handler registration.
type HandlerOption func(*HandlerInfo)

// WithDescription sets the handler description.
func WithDescription(d string) HandlerOption {
	return func(info *HandlerInfo) { info.Description = d }
}

// WithPriority sets the handler priority. When multiple handlers are
// registered for one state, the highest priority wins.
func WithPriority(p int) HandlerOption {
	return func(info *HandlerInfo) { info.Priority = p }
}

// WithTimeout sets an advisory per-invocation deadline in seconds.
// On deadline hit the invocation yields a failing result whose error is
// "handler timeout".
func WithTimeout(seconds int) HandlerOption {
	return func(info *HandlerInfo) { info.Timeout = seconds }
}

// WithRetryCount retries the handler on error up to n times. Retries wrap
// the handler only, never transition selection.
func WithRetryCount(n int) HandlerOption {
	return func(info *HandlerInfo) { info.RetryCount = n }
}

// WithAsync marks the handler as asynchronous. Informational.
func WithAsync(async bool) HandlerOption {
	return func(info *HandlerInfo) { info.Async = async }
}

// WithTags attaches free-form tags to the registration.
func WithTags(tags ...string) HandlerOption {
	return func(info *HandlerInfo) { info.Tags = tags }
}

// WithHandlerMetadata attaches free-form metadata to the registration.
func WithHandlerMetadata(meta map[string]any) HandlerOption {
	return func(info *HandlerInfo) { info.Metadata = meta }
}

type registration struct {
	handler Handler
	info    HandlerInfo
	order   int
}

// Registry binds handlers to state IDs and provides uniform invocation.
//
// Only one handler per state is honoured by transition selection: the
// highest-priority registration wins, ties resolved by registration order,
// and the rest are ignored with a warning. A state with no handler yields
// an implicit Success result with empty data, which lets pure routing
// states exist without code.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	counter  int
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]registration)}
}

// Register binds a handler to a state ID.
func (r *Registry) Register(stateID string, h Handler, opts ...HandlerOption) error {
	if stateID == "" {
		return fmt.Errorf("state ID cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	var info HandlerInfo
	for _, opt := range opts {
		opt(&info)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter++
	r.handlers[stateID] = append(r.handlers[stateID], registration{
		handler: h,
		info:    info,
		order:   r.counter,
	})
	if n := len(r.handlers[stateID]); n > 1 {
		log.Printf("registry: state %s has %d handlers; only the highest-priority one runs", stateID, n)
	}
	return nil
}

// Has reports whether at least one handler is registered for a state.
func (r *Registry) Has(stateID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[stateID]) > 0
}

// Info returns the binding attributes of the effective handler for a state.
func (r *Registry) Info(stateID string) (HandlerInfo, bool) {
	reg, ok := r.resolve(stateID)
	if !ok {
		return HandlerInfo{}, false
	}
	return reg.info, true
}

// resolve picks the effective registration for a state: highest priority,
// ties by registration order.
func (r *Registry) resolve(stateID string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[stateID]
	if len(regs) == 0 {
		return registration{}, false
	}
	sorted := make([]registration, len(regs))
	copy(sorted, regs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].info.Priority != sorted[j].info.Priority {
			return sorted[i].info.Priority > sorted[j].info.Priority
		}
		return sorted[i].order < sorted[j].order
	})
	return sorted[0], true
}

// Invoke runs the effective handler for a state against the given context.
//
// Behavior:
//   - no handler registered: implicit Success with empty data
//   - handler error: failing StateResult carrying the error
//   - handler panic: recovered into a failing StateResult
//   - advisory timeout (binding attribute): deadline-wrapped invocation
//     producing a "handler timeout" failure
//   - retryCount: retries around the handler only
//
// Invoke never returns an error for handler misbehavior; failures surface
// through the result so Failure edges can match.
func (r *Registry) Invoke(ctx context.Context, stateID string, sc *store.StateContext) *StateResult {
	reg, ok := r.resolve(stateID)
	if !ok {
		return &StateResult{Success: true, Data: map[string]any{}}
	}
	return invokeWithPolicy(ctx, reg.handler, reg.info, sc)
}

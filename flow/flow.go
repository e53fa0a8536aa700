package flow

import (
	"strings"
	"sync"
)

// StateType classifies a state within a flow.
type StateType string

// State types. Initial marks the entry state, Final and Error mark
// terminal states, Normal is everything else.
const (
	StateTypeInitial StateType = "INITIAL"
	StateTypeNormal  StateType = "NORMAL"
	StateTypeFinal   StateType = "FINAL"
	StateTypeError   StateType = "ERROR"
)

// Timeout action kinds.
const (
	TimeoutActionTransition = "transition"
	TimeoutActionEvent      = "event"
)

// TimeoutAction is the engine's deterministic response to a pause that
// outlives its timeout.
//
// Two variants:
//   - transition: force the instance into TargetState without running that
//     state's handler
//   - event: synthesize an event with payload {"timeout": true} and feed it
//     to the normal process step
type TimeoutAction struct {
	Type        string `yaml:"type" json:"type"`
	TargetState string `yaml:"targetState,omitempty" json:"targetState,omitempty"`
	EventType   string `yaml:"eventType,omitempty" json:"eventType,omitempty"`
	EventName   string `yaml:"eventName,omitempty" json:"eventName,omitempty"`
}

// StateDefinition describes one state of a flow.
type StateDefinition struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Type        StateType `yaml:"type" json:"type"`
	ParentID    string    `yaml:"parentId,omitempty" json:"parentId,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`

	IsInitial bool `yaml:"isInitial,omitempty" json:"isInitial,omitempty"`
	IsFinal   bool `yaml:"isFinal,omitempty" json:"isFinal,omitempty"`
	IsError   bool `yaml:"isError,omitempty" json:"isError,omitempty"`

	// Pauseable overrides the flow-level default when set.
	Pauseable *bool `yaml:"pauseable,omitempty" json:"pauseable,omitempty"`

	// Timeout in seconds while paused at this state.
	// nil = flow default, -1 = infinite, 0 = none.
	Timeout *int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// PauseOnEnter parks the instance durably when it enters this state;
	// the state's handler does not run until an external event (or the
	// timeout monitor) resumes the instance.
	PauseOnEnter bool `yaml:"pauseOnEnter,omitempty" json:"pauseOnEnter,omitempty"`

	TimeoutAction *TimeoutAction `yaml:"timeoutAction,omitempty" json:"timeoutAction,omitempty"`
}

// Transition conditions recognized in flow documents. Any other condition
// string names a custom predicate registered via RegisterCondition.
const (
	ConditionSuccess = "Success"
	ConditionFailure = "Failure"
)

// TransitionDefinition describes one directed edge of a flow.
//
// Within a source state, edges are evaluated in descending Priority; ties
// preserve document order.
type TransitionDefinition struct {
	From        string `yaml:"from" json:"from"`
	To          string `yaml:"to" json:"to"`
	Condition   string `yaml:"condition" json:"condition"`
	Priority    int    `yaml:"priority,omitempty" json:"priority,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Predicate evaluates a handler result for a custom transition condition.
// Predicates should be pure functions of the result.
type Predicate func(res *StateResult) bool

// HandlerBinding binds a named handler function to a state, as declared in
// the optional functions section of a flow document.
type HandlerBinding struct {
	StateID      string         `yaml:"stateId" json:"stateId"`
	FunctionName string         `yaml:"functionName" json:"functionName"`
	ClassName    string         `yaml:"className,omitempty" json:"className,omitempty"`
	Description  string         `yaml:"description,omitempty" json:"description,omitempty"`
	Priority     int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	Timeout      int            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryCount   int            `yaml:"retryCount,omitempty" json:"retryCount,omitempty"`
	Async        bool           `yaml:"async,omitempty" json:"async,omitempty"`
	Tags         []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	Metadata     map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// FlowConfig is the immutable definition of states and transitions loaded
// from a declarative document.
type FlowConfig struct {
	Name        string
	Description string
	Version     string
	Author      string

	// Pauseable is the flow-level default for states without an override.
	Pauseable bool

	// DefaultTimeout in seconds applies to states whose Timeout is nil.
	DefaultTimeout int

	// AutoResume controls whether restored instances resume automatically.
	AutoResume bool

	// States maps state ID to its definition.
	States map[string]*StateDefinition

	// Transitions maps source state ID to its outgoing edges, ordered by
	// descending priority with document order preserved on ties.
	Transitions map[string][]TransitionDefinition

	// Bindings holds declarative handler bindings from the document's
	// functions section.
	Bindings []HandlerBinding

	// Metadata carries free-form document metadata.
	Metadata map[string]any

	initialID string

	predMu     sync.RWMutex
	predicates map[string]Predicate
}

// terminalSubstrings classify a state as terminal by its ID alone.
var terminalSubstrings = []string{"success", "completed", "failed", "error"}

// InitialState returns the flow's entry state ID: the first state in
// document order with isInitial set or type INITIAL.
func (f *FlowConfig) InitialState() string {
	return f.initialID
}

// State returns the definition for a state ID, or nil if unknown.
func (f *FlowConfig) State(id string) *StateDefinition {
	return f.States[id]
}

// TransitionsFrom returns the ordered outgoing edges of a state.
func (f *FlowConfig) TransitionsFrom(id string) []TransitionDefinition {
	return f.Transitions[id]
}

// IsTerminal reports whether a state ends the instance's lifecycle.
//
// A state is terminal when its ID contains one of the terminal substrings
// (success, completed, failed, error) or its type is FINAL or ERROR. The
// substring check runs first, so a NORMAL-typed state with a
// terminal-looking ID is treated as terminal.
func (f *FlowConfig) IsTerminal(id string) bool {
	lower := strings.ToLower(id)
	for _, sub := range terminalSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	if def := f.States[id]; def != nil {
		if def.Type == StateTypeFinal || def.Type == StateTypeError {
			return true
		}
		if def.IsFinal || def.IsError {
			return true
		}
	}
	return false
}

// EffectiveTimeout resolves a state's pause timeout in seconds:
// nil falls back to the flow default, -1 means infinite, 0 means none.
func (f *FlowConfig) EffectiveTimeout(def *StateDefinition) int {
	if def == nil {
		return f.DefaultTimeout
	}
	if def.Timeout != nil {
		return *def.Timeout
	}
	return f.DefaultTimeout
}

// IsPauseable reports whether an instance may park at a state. A state
// override wins; otherwise pause-on-enter states are pauseable and the
// rest follow the flow-level default. A pauseable:false override disables
// parking even on a pause-on-enter state.
func (f *FlowConfig) IsPauseable(def *StateDefinition) bool {
	if def == nil {
		return f.Pauseable
	}
	if def.Pauseable != nil {
		return *def.Pauseable
	}
	if def.PauseOnEnter {
		return true
	}
	return f.Pauseable
}

// HasPauseStates reports whether any state is marked pauseOnEnter. The
// facade uses this to choose between auto-process and durable mode.
func (f *FlowConfig) HasPauseStates() bool {
	for _, def := range f.States {
		if def.PauseOnEnter {
			return true
		}
	}
	return false
}

// RegisterCondition binds a named custom predicate so flow documents can
// reference conditions beyond Success and Failure.
//
// Example:
//
//	cfg.RegisterCondition("high_value", func(res *flow.StateResult) bool {
//	    amount, _ := res.Data["amount"].(float64)
//	    return amount > 10000
//	})
func (f *FlowConfig) RegisterCondition(name string, pred Predicate) {
	f.predMu.Lock()
	defer f.predMu.Unlock()
	if f.predicates == nil {
		f.predicates = make(map[string]Predicate)
	}
	f.predicates[name] = pred
}

// conditionMatches evaluates a transition condition against a result.
// Unknown custom conditions never match.
func (f *FlowConfig) conditionMatches(condition string, res *StateResult) bool {
	switch {
	case strings.EqualFold(condition, ConditionSuccess):
		return res.Success
	case strings.EqualFold(condition, ConditionFailure):
		return !res.Success
	}
	f.predMu.RLock()
	pred := f.predicates[condition]
	f.predMu.RUnlock()
	if pred == nil {
		return false
	}
	return pred(res)
}

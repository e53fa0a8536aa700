// Package store provides persistence backends for workflow instance state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested context ID does not exist.
var ErrNotFound = errors.New("not found")

// MaxRecentEvents bounds the in-context event window. Older events are
// dropped from StateContext.RecentEvents but remain queryable via GetEvents.
const MaxRecentEvents = 100

// Reserved metadata keys used to mark a durably paused instance.
//
// All three keys are written together when an instance parks at a
// pause-on-enter state, and removed together by the next successful
// transition (normal, forced, or timeout-driven). FindPausedInstances
// keys off MetaPausedAt.
const (
	MetaPausedAt     = "_pausedAt"
	MetaPausedState  = "_pausedState"
	MetaPauseTimeout = "_pauseTimeout"
)

// Priority classifies workflow events.
type Priority string

// Event priorities, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// EventType identifies an event kind by namespace, name, and version.
type EventType struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// String returns the canonical dotted form, e.g. "workflow.process.1.0".
func (t EventType) String() string {
	s := t.Namespace + "." + t.Name
	if t.Version != "" {
		s += "." + t.Version
	}
	return s
}

// Event is an input to a workflow process step. Events carry no ownership
// of the context; they are appended to the event log and to the bounded
// RecentEvents window of the target context.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      string         `json:"source,omitempty"`
	Priority    Priority       `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StateHistoryEntry records one durable transition. Entries are append-only:
// they are never rewritten, and history length is non-decreasing.
type StateHistoryEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	FromStateID string    `json:"fromStateId,omitempty"`
	ToStateID   string    `json:"toStateId"`
	EventID     string    `json:"eventId,omitempty"`
	ContextID   string    `json:"contextId"`
}

// StateContext is the durable unit of a workflow instance.
//
// The persisted row is the authoritative truth for CurrentStateID; any
// in-memory view may lag but never leads. LocalState is handler-owned and
// freely mutable, GlobalState holds flow-wide constants, and Metadata is
// engine-owned (including the reserved _pause* keys).
type StateContext struct {
	ID             string         `json:"id"`
	CurrentStateID string         `json:"currentStateId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastUpdatedAt  time.Time      `json:"lastUpdatedAt"`
	LocalState     map[string]any `json:"localState"`
	GlobalState    map[string]any `json:"globalState"`
	Metadata       map[string]any `json:"metadata"`
	RecentEvents   []Event        `json:"recentEvents,omitempty"`
}

// NewStateContext creates a context with initialized maps.
func NewStateContext(id string) *StateContext {
	now := time.Now().UTC()
	return &StateContext{
		ID:            id,
		CreatedAt:     now,
		LastUpdatedAt: now,
		LocalState:    make(map[string]any),
		GlobalState:   make(map[string]any),
		Metadata:      make(map[string]any),
	}
}

// AppendEvent adds an event to the bounded RecentEvents window, dropping
// the oldest entries beyond MaxRecentEvents.
func (c *StateContext) AppendEvent(ev Event) {
	c.RecentEvents = append(c.RecentEvents, ev)
	if n := len(c.RecentEvents); n > MaxRecentEvents {
		c.RecentEvents = c.RecentEvents[n-MaxRecentEvents:]
	}
}

// IsPaused reports whether the context carries the paused marker.
func (c *StateContext) IsPaused() bool {
	_, ok := c.Metadata[MetaPausedAt]
	return ok
}

// ClearPauseMarkers removes the three reserved _pause* metadata keys.
// Callers persist the context afterwards so the removal is atomic with
// the accompanying snapshot.
func (c *StateContext) ClearPauseMarkers() {
	delete(c.Metadata, MetaPausedAt)
	delete(c.Metadata, MetaPausedState)
	delete(c.Metadata, MetaPauseTimeout)
}

// Clone returns a deep copy of the context. Used by the memory backend and
// by callers that mutate a loaded context before persisting it back.
func (c *StateContext) Clone() *StateContext {
	cp := *c
	cp.LocalState = cloneMap(c.LocalState)
	cp.GlobalState = cloneMap(c.GlobalState)
	cp.Metadata = cloneMap(c.Metadata)
	if c.RecentEvents != nil {
		cp.RecentEvents = make([]Event, len(c.RecentEvents))
		copy(cp.RecentEvents, c.RecentEvents)
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneMap(val)
		case []any:
			cp := make([]any, len(val))
			copy(cp, val)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Store provides persistence for workflow contexts, their event log, and
// their state history.
//
// Three relations back the contract:
//   - state_contexts: one row per instance, upserted on every transition
//   - event_history: append-only event log
//   - state_history: append-only transition log
//
// The paused-instance index is a projection over state_contexts metadata
// (the MetaPausedAt key), not a separate relation.
//
// Atomicity contract per transition: SaveStep persists
// (event?, history entry, updated context) as one unit. SQL backends wrap
// the three writes in a transaction; ordered backends write
// event -> history -> context so that replay from persistence never yields
// a context whose CurrentStateID lacks its history entry.
//
// Implementations must be safe for concurrent use; the engine guarantees a
// single writer per instance but distinct instances write concurrently.
type Store interface {
	// SaveContext upserts the context by ID, replacing LocalState,
	// GlobalState, Metadata, CurrentStateID, and LastUpdatedAt.
	SaveContext(ctx context.Context, sc *StateContext) error

	// LoadContext retrieves a context by ID, including its RecentEvents
	// window. Returns ErrNotFound if the ID does not exist.
	LoadContext(ctx context.Context, id string) (*StateContext, error)

	// DeleteContext removes a context and cascades to its event log,
	// state history, and pause marker. Deleting a missing ID is a no-op.
	DeleteContext(ctx context.Context, id string) error

	// ListContextIDs returns all context IDs, most recently updated first.
	ListContextIDs(ctx context.Context) ([]string, error)

	// SaveEvent appends an event to the context's event log.
	SaveEvent(ctx context.Context, contextID string, ev *Event) error

	// SaveStateHistory appends one transition record.
	SaveStateHistory(ctx context.Context, contextID string, entry *StateHistoryEntry) error

	// SaveStep persists one transition as a unit: the triggering event
	// (nil for forced transitions), the history entry, and the updated
	// context, in that order.
	SaveStep(ctx context.Context, contextID string, ev *Event, entry *StateHistoryEntry, sc *StateContext) error

	// GetStateHistory returns all transition records for a context,
	// ordered ascending by timestamp.
	GetStateHistory(ctx context.Context, contextID string) ([]StateHistoryEntry, error)

	// GetEvents returns up to limit events for a context, oldest first.
	// A limit <= 0 returns the full log. Events older than the
	// RecentEvents window remain queryable here.
	GetEvents(ctx context.Context, contextID string, limit int) ([]Event, error)

	// FindPausedInstances returns the IDs of all contexts whose metadata
	// carries the MetaPausedAt key.
	FindPausedInstances(ctx context.Context) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend. Operations after Close return an error;
	// double-close is a no-op.
	Close() error
}

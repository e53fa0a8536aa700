// Package flow provides the durable state-rotation workflow engine: flow
// definitions, handler registry, per-instance state machine, engine facade,
// and the pausable executor.
package flow

import "fmt"

// ConfigError indicates an invalid flow document. Fatal at load time.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Message
}

// StateError indicates an unknown instance, unknown state ID, or an illegal
// transition target. Surfaced to the caller; never fatal.
type StateError struct {
	Message string
	Code    string
}

func (e *StateError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// PersistenceError wraps a store failure. The current step is aborted and
// the in-memory view is invalidated so the next access re-reads the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying store error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

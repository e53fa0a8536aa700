package emit

// Event represents an observability event emitted during workflow execution.
//
// Events provide insight into engine behavior:
//   - Step start/complete per instance
//   - Pause, resume, and timeout handling
//   - Forced transitions
//   - Errors surfaced by handlers or persistence
//
// Events are emitted to an Emitter which can log to stdout, create
// OpenTelemetry spans, or buffer for inspection in tests.
type Event struct {
	// InstanceID identifies the workflow instance that emitted this event.
	InstanceID string

	// StateID identifies the state the instance was in when emitting.
	// Empty for engine-level events (start, close, monitor).
	StateID string

	// Msg is a short event name, e.g. "step_complete", "instance_paused",
	// "timeout_transition".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": step duration in milliseconds
	//   - "error": error details
	//   - "from"/"to": transition endpoints
	//   - "elapsed_sec": seconds an instance spent paused
	Meta map[string]any
}

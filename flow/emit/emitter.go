// Package emit provides pluggable observability emitters for the engine.
package emit

// Emitter receives and processes observability events from workflow execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files
//   - Distributed tracing: OpenTelemetry
//   - In-memory capture for tests and dashboards
//
// Implementations should be:
//   - Non-blocking: never slow down the per-instance execution loop
//   - Thread-safe: instances emit concurrently from many goroutines
//   - Resilient: a failing backend must not crash the engine
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	// Emit must not panic; errors should be handled internally.
	Emit(event Event)
}

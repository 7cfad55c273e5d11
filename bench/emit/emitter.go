// Package emit provides the prompt/response side channel of the
// benchmark pipeline.
//
// Every LLM call produces one Event. Emitters route events to a
// backend: a rotating JSONL file, an in-memory buffer for tests, an
// OpenTelemetry tracer, or nowhere at all. Emitters are best-effort
// by contract; a broken log destination must never fail a run.
package emit

// Emitter receives prompt/response events from the pipeline.
//
// Implementations must be:
//   - Thread-safe: called concurrently from pipeline workers
//   - Non-failing: Emit has no error return on purpose; problems are
//     swallowed or logged internally
//   - Cheap: called once per LLM attempt on the hot path
type Emitter interface {
	Emit(event Event)
}

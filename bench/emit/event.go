package emit

import "time"

// Event is one prompt/response log entry, emitted once per LLM call.
//
// Events cover both outcomes: a successful call carries the parsed
// rating with OK set, a failed attempt carries the failure kind in
// Error. Emission is best-effort and must never influence pipeline
// behavior.
type Event struct {
	// TS is when the call completed.
	TS time.Time `json:"ts"`

	// RunID identifies the benchmark run.
	RunID string `json:"run_id"`

	// Persona is the persona UUID the prompt was rendered for.
	Persona string `json:"persona"`

	// Case is the trait case identifier.
	Case string `json:"case"`

	// Scale is the scale order, "in" or "rev".
	Scale string `json:"scale"`

	// Attempt is the 1-based attempt counter.
	Attempt int `json:"attempt"`

	// Model is the model identifier the call targeted.
	Model string `json:"model"`

	// Prompt is the full rendered prompt text.
	Prompt string `json:"prompt"`

	// Response is the raw completion text, including error markers.
	Response string `json:"response"`

	// Rating is the normalized rating, zero when the attempt failed.
	Rating int `json:"rating"`

	// GenMS is the generation wall time in milliseconds.
	GenMS int64 `json:"gen_ms"`

	// OK reports whether the attempt yielded a persistable rating.
	OK bool `json:"ok"`

	// Error names the failure kind for failed attempts, empty
	// otherwise.
	Error string `json:"error,omitempty"`
}

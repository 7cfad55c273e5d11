package llm

import (
	"context"
	"sync"
)

// FakeClient is a test implementation of Client.
//
// Use FakeClient in tests to exercise the pipeline without a live
// endpoint. It provides:
//   - Configurable response sequence
//   - Attempt-aware response scripting via RespondFunc
//   - Call history tracking
//   - Thread-safe operation
//
// Example usage:
//
//	fake := &FakeClient{
//	    Responses: []string{`{"rating": 4}`, `{"rating": 2}`},
//	}
//	res := fake.Generate(ctx, spec)
//	// Returns the first response, then the second on subsequent calls
//
// Example with attempt-dependent behavior:
//
//	fake := &FakeClient{
//	    RespondFunc: func(spec PromptSpec) string {
//	        if spec.Attempt == 1 {
//	            return "garbage"
//	        }
//	        return `{"rating": 3}`
//	    },
//	}
type FakeClient struct {
	// Model is the model name reported by ModelID. Defaults to "fake".
	Model string

	// Responses contains the sequence of completion texts to return.
	// Each call returns the next response in order. If all responses
	// are consumed, the last response repeats.
	Responses []string

	// RespondFunc, if set, computes the response from the submitted
	// spec and takes precedence over Responses.
	RespondFunc func(spec PromptSpec) string

	// Calls tracks the history of all Generate invocations.
	Calls []PromptSpec

	mu        sync.Mutex
	callIndex int
}

// ModelID returns the configured model name.
func (f *FakeClient) ModelID() string {
	if f.Model == "" {
		return "fake"
	}
	return f.Model
}

// Generate implements the Client interface.
//
// Always records the call in Calls history. Honors context
// cancellation by returning a request error marker, matching the
// real gateways.
func (f *FakeClient) Generate(ctx context.Context, spec PromptSpec) Result {
	if ctx.Err() != nil {
		return Result{Tag: spec.Tag, Text: "[error request] " + ctx.Err().Error()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, spec)

	if f.RespondFunc != nil {
		return Result{Tag: spec.Tag, Text: f.RespondFunc(spec)}
	}
	if len(f.Responses) == 0 {
		return Result{Tag: spec.Tag}
	}
	idx := f.callIndex
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	} else {
		f.callIndex++
	}
	return Result{Tag: spec.Tag, Text: f.Responses[idx]}
}

// CallCount returns the number of Generate invocations so far.
func (f *FakeClient) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// Reset clears the call history and resets the response index.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
	f.callIndex = 0
}

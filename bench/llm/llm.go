// Package llm provides gateway clients for language model endpoints
// and a bounded-concurrency streaming driver over them.
//
// Gateways never surface transport or HTTP failures as Go errors.
// A failed call produces a Result whose Text carries an error marker
// that the response postprocessor classifies like any other bad
// answer. This keeps the pipeline uniform: every submitted prompt
// yields exactly one Result.
package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PromptSpec is one unit of generation work.
type PromptSpec struct {
	// Prompt is the fully rendered prompt text.
	Prompt string

	// MaxNewTokens caps the completion length. Zero means the gateway
	// default.
	MaxNewTokens int

	// Attempt is the 1-based attempt counter, carried through for
	// logging and fail-log entries.
	Attempt int

	// Tag is opaque caller state returned unchanged on the Result.
	Tag any
}

// Result is the outcome of one generation call.
type Result struct {
	// Tag echoes PromptSpec.Tag.
	Tag any

	// Text is the raw completion, or an error marker of the form
	// "[error http <code>] <snippet>" or "[error request] <cause>".
	Text string

	// GenTime is the wall-clock duration of the call.
	GenTime time.Duration

	PromptTokens     int
	CompletionTokens int
}

// Client is a gateway to one model endpoint.
//
// Generate must honor ctx cancellation and must not return an error
// for endpoint failures; those are encoded in Result.Text.
type Client interface {
	Generate(ctx context.Context, spec PromptSpec) Result
	ModelID() string
}

// SourceFunc yields the next prompt to submit. It returns false when
// the source is exhausted. Stream serializes calls to it, so plain
// closures over iterator state are safe.
type SourceFunc func(ctx context.Context) (PromptSpec, bool)

// DiagnosticFunc is invoked when the stream has produced no result for
// a while, with the number of in-flight calls and the idle duration.
type DiagnosticFunc func(inflight int, idle time.Duration)

// stallInterval is how long the stream may go without a completed
// result before the diagnostic callback fires.
const stallInterval = 5 * time.Second

// Stream drives up to concurrency simultaneous Generate calls against
// the client, pulling work from next and emitting results in
// completion order. The returned channel closes once the source is
// exhausted and all in-flight calls have finished, or once ctx is
// cancelled.
//
// Results are never dropped: every PromptSpec pulled from the source
// produces exactly one Result on the channel unless ctx is cancelled
// mid-flight.
func Stream(ctx context.Context, c Client, next SourceFunc, concurrency int, diag DiagnosticFunc) <-chan Result {
	if concurrency < 1 {
		concurrency = 1
	}
	out := make(chan Result, concurrency)

	var (
		mu       sync.Mutex // serializes next
		inflight atomic.Int64
		lastDone atomic.Int64
	)
	lastDone.Store(time.Now().UnixNano())

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				mu.Lock()
				spec, ok := next(ctx)
				mu.Unlock()
				if !ok {
					return
				}
				inflight.Add(1)
				res := c.Generate(ctx, spec)
				inflight.Add(-1)
				lastDone.Store(time.Now().UnixNano())
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(out)
		close(done)
	}()

	if diag != nil {
		go func() {
			ticker := time.NewTicker(stallInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					idle := time.Since(time.Unix(0, lastDone.Load()))
					if n := inflight.Load(); idle >= stallInterval && n > 0 {
						diag(int(n), idle)
					}
				}
			}
		}()
	}

	return out
}

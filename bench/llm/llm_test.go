package llm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// sliceSource returns a SourceFunc over a fixed set of prompts.
func sliceSource(prompts []PromptSpec) SourceFunc {
	i := 0
	return func(ctx context.Context) (PromptSpec, bool) {
		if i >= len(prompts) {
			return PromptSpec{}, false
		}
		p := prompts[i]
		i++
		return p, true
	}
}

func TestStreamDeliversEveryPrompt(t *testing.T) {
	fake := &FakeClient{RespondFunc: func(spec PromptSpec) string {
		return "echo:" + spec.Prompt
	}}

	var prompts []PromptSpec
	for i := 0; i < 50; i++ {
		prompts = append(prompts, PromptSpec{
			Prompt: fmt.Sprintf("p%d", i),
			Tag:    i,
		})
	}

	results := Stream(context.Background(), fake, sliceSource(prompts), 8, nil)

	seen := make(map[int]bool)
	for res := range results {
		idx, ok := res.Tag.(int)
		if !ok {
			t.Fatalf("tag not echoed: %v", res.Tag)
		}
		if seen[idx] {
			t.Fatalf("prompt %d delivered twice", idx)
		}
		seen[idx] = true
		want := fmt.Sprintf("echo:p%d", idx)
		if res.Text != want {
			t.Errorf("result %d text = %q, want %q", idx, res.Text, want)
		}
	}
	if len(seen) != 50 {
		t.Errorf("received %d results, want 50", len(seen))
	}
}

// slowClient blocks each call until released, tracking peak
// concurrency.
type slowClient struct {
	gate    chan struct{}
	current atomic.Int64
	peak    atomic.Int64
}

func (c *slowClient) ModelID() string { return "slow" }

func (c *slowClient) Generate(ctx context.Context, spec PromptSpec) Result {
	n := c.current.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-c.gate:
	case <-ctx.Done():
	}
	c.current.Add(-1)
	return Result{Tag: spec.Tag, Text: "ok"}
}

func TestStreamBoundsConcurrency(t *testing.T) {
	const limit = 4
	client := &slowClient{gate: make(chan struct{})}

	var prompts []PromptSpec
	for i := 0; i < 20; i++ {
		prompts = append(prompts, PromptSpec{Prompt: "p", Tag: i})
	}

	results := Stream(context.Background(), client, sliceSource(prompts), limit, nil)

	// Give the workers time to saturate, then release all calls.
	time.Sleep(50 * time.Millisecond)
	close(client.gate)

	n := 0
	for range results {
		n++
	}
	if n != 20 {
		t.Errorf("received %d results, want 20", n)
	}
	if peak := client.peak.Load(); peak > limit {
		t.Errorf("peak concurrency %d exceeded limit %d", peak, limit)
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &slowClient{gate: make(chan struct{})}

	// Endless source; only cancellation can end the stream.
	source := func(ctx context.Context) (PromptSpec, bool) {
		return PromptSpec{Prompt: "p"}, true
	}

	results := Stream(ctx, client, source, 2, nil)
	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		for range results {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}

func TestStreamSerializesSource(t *testing.T) {
	// A deliberately racy closure; Stream must serialize access so the
	// counter never skips or repeats.
	var mu sync.Mutex
	issued := make(map[int]bool)
	i := 0
	source := func(ctx context.Context) (PromptSpec, bool) {
		if i >= 100 {
			return PromptSpec{}, false
		}
		mu.Lock()
		if issued[i] {
			t.Errorf("index %d issued twice", i)
		}
		issued[i] = true
		mu.Unlock()
		p := PromptSpec{Tag: i}
		i++
		return p, true
	}

	fake := &FakeClient{Responses: []string{"ok"}}
	results := Stream(context.Background(), fake, source, 16, nil)
	n := 0
	for range results {
		n++
	}
	if n != 100 {
		t.Errorf("received %d results, want 100", n)
	}
}

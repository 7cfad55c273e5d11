package bench

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/traitlab/biasbench/bench/emit"
	"github.com/traitlab/biasbench/bench/llm"
	"github.com/traitlab/biasbench/bench/store"
)

// ErrCancelled is returned by Pipeline.Run when cooperative
// cancellation was observed at a batch boundary.
var ErrCancelled = errors.New("run cancelled")

// failSnippetLen bounds the raw text and prompt excerpts stored in
// fail-log entries.
const failSnippetLen = 500

// WorkSource produces the work sequence of a run. Next returns false
// when the sequence is exhausted. Implementations need not be safe for
// concurrent use; the pipeline serializes access.
type WorkSource interface {
	Next(ctx context.Context) (WorkItem, bool, error)
}

// PipelineConfig wires one pipeline execution.
type PipelineConfig struct {
	Run       *store.BenchmarkRun
	Client    llm.Client
	Source    WorkSource
	Persister *Persister

	// Render converts a work item into prompt text. Must be pure.
	Render func(item WorkItem) string

	// CancelCheck is evaluated at batch boundaries. Nil means never
	// cancelled.
	CancelCheck func() bool

	// Emitter receives one event per LLM attempt. Nil disables the
	// side channel.
	Emitter emit.Emitter

	// Metrics is optional.
	Metrics *Metrics

	// Diag, if set, is invoked when no result has arrived for several
	// seconds while calls are in flight.
	Diag llm.DiagnosticFunc
}

// PipelineStats summarizes one pipeline execution.
type PipelineStats struct {
	// Attempts counts LLM calls issued, including retries.
	Attempts int

	// Persisted counts result rows accepted by the store.
	Persisted int

	// Failed counts work items whose attempt budget was exhausted.
	Failed int

	// Retried counts re-enqueued attempts.
	Retried int
}

// Pipeline drives work items through prompt rendering, the LLM
// gateway, response classification and batched persistence.
//
// Concurrency model: llm.Stream runs up to batch_size simultaneous
// calls over a source closure. Retries feed back into that closure
// through an auxiliary queue, so the gateway sees one monotonically
// advancing stream and every retry rides the same connection pool.
// Completion order is arbitrary; all downstream context travels with
// each spec as its Tag.
type Pipeline struct {
	cfg PipelineConfig
}

// NewPipeline validates nothing eagerly; the config is checked on Run.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{cfg: cfg}
}

// workTag is the per-spec metadata carried through the gateway.
type workTag struct {
	item   WorkItem
	prompt string
}

// Run executes the pipeline to completion, cancellation or fatal
// persistence failure.
//
// Returns ErrCancelled when CancelCheck fired; the stream is drained
// and buffers are flushed before returning. A persistence failure
// after its own retries aborts the run with that error.
func (p *Pipeline) Run(ctx context.Context) (PipelineStats, error) {
	cfg := p.cfg
	var stats PipelineStats

	if cfg.Run == nil || cfg.Client == nil || cfg.Source == nil || cfg.Persister == nil || cfg.Render == nil {
		return stats, errors.New("pipeline config incomplete")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	cancelCheck := cfg.CancelCheck
	if cancelCheck == nil {
		cancelCheck = func() bool { return false }
	}
	batchSize := cfg.Run.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	maxAttempts := cfg.Run.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	ws := newWorkSource(cfg.Source, cfg.Render, cfg.Run.MaxNewTokens)

	// Wake any worker parked on the source when the context dies, so
	// cancellation cannot strand the stream.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		ws.stop()
	}()

	results := llm.Stream(runCtx, cfg.Client, ws.Next, batchSize, cfg.Diag)

	var (
		buffer    []store.BenchmarkResult
		processed int
		cancelled bool
		fatalErr  error
	)

	flush := func() {
		if len(buffer) == 0 || fatalErr != nil {
			return
		}
		start := time.Now()
		accepted, err := cfg.Persister.PersistResults(ctx, buffer)
		if err != nil {
			fatalErr = err
			ws.stop()
			buffer = nil
			return
		}
		cfg.Metrics.RecordPersist(accepted, time.Since(start))
		stats.Persisted += accepted
		buffer = buffer[:0]
	}

	checkCancel := func() {
		if !cancelled && cancelCheck() {
			cancelled = true
			ws.stop()
		}
	}

	for res := range results {
		tag := res.Tag.(workTag)
		item := tag.item
		verdict := Classify(res.Text, item.Order, cfg.Run.IncludeRationale)
		stats.Attempts++

		outcome := "ok"
		if !verdict.OK {
			outcome = string(verdict.Kind)
		}
		cfg.Metrics.RecordCall(cfg.Client.ModelID(), outcome, res.GenTime)

		emitter.Emit(emit.Event{
			TS:       time.Now(),
			RunID:    cfg.Run.ID,
			Persona:  item.Persona.UUID,
			Case:     item.Trait.ID,
			Scale:    string(item.Order),
			Attempt:  item.Attempt,
			Model:    cfg.Client.ModelID(),
			Prompt:   tag.prompt,
			Response: res.Text,
			Rating:   verdict.Rating,
			GenMS:    res.GenTime.Milliseconds(),
			OK:       verdict.OK,
			Error:    failKindLabel(verdict),
		})

		if verdict.OK {
			buffer = append(buffer, store.BenchmarkResult{
				RunID:           cfg.Run.ID,
				PersonaUUID:     item.Persona.UUID,
				CaseID:          item.Trait.ID,
				Order:           item.Order,
				Attempt:         item.Attempt,
				AnswerRaw:       res.Text,
				Rating:          verdict.Rating,
				RatingRaw:       verdict.RatingRaw,
				GenTimeMS:       res.GenTime.Milliseconds(),
				ModelName:       cfg.Client.ModelID(),
				TemplateVersion: cfg.Run.TemplateVersion,
			})
			ws.consumed()
		} else {
			p.logFailure(ctx, item, verdict.Kind, res.Text, tag.prompt)
			switch {
			case cancelled || fatalErr != nil:
				ws.consumed()
			case item.Attempt < maxAttempts:
				stats.Retried++
				cfg.Metrics.RecordRetry(string(verdict.Kind))
				ws.requeue(item)
			default:
				// Budget exhausted: record the terminal entry next to
				// the attempt's own classification.
				p.logFailure(ctx, item, FailMaxAttempts, res.Text, tag.prompt)
				stats.Failed++
				ws.consumed()
			}
		}

		processed++
		if len(buffer) >= batchSize {
			flush()
			checkCancel()
		} else if processed%batchSize == 0 {
			checkCancel()
		}
	}

	flush()

	if fatalErr != nil {
		return stats, fatalErr
	}
	if err := ws.err(); err != nil {
		return stats, err
	}
	if cancelled {
		return stats, ErrCancelled
	}
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	return stats, nil
}

func (p *Pipeline) logFailure(ctx context.Context, item WorkItem, kind FailKind, rawText, prompt string) {
	_ = p.cfg.Persister.PersistFailure(ctx, &store.FailLog{
		RunID:       p.cfg.Run.ID,
		PersonaUUID: item.Persona.UUID,
		CaseID:      item.Trait.ID,
		ModelID:     p.cfg.Client.ModelID(),
		Attempt:     item.Attempt,
		ErrorKind:   string(kind),
		RawSnippet:  truncate(rawText, failSnippetLen),
		PromptSnip:  truncate(prompt, failSnippetLen),
	})
}

func failKindLabel(v Verdict) string {
	if v.OK {
		return ""
	}
	return string(v.Kind)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// workSource adapts a WorkSource plus a retry queue into the
// llm.SourceFunc contract. Retries must be able to arrive while the
// underlying sequence is already exhausted, so Next blocks on a
// condition variable while results are still in flight instead of
// declaring the stream done.
type workSource struct {
	mu   sync.Mutex
	cond *sync.Cond

	src          WorkSource
	render       func(WorkItem) string
	maxNewTokens int

	retries  []WorkItem
	inflight int
	srcDone  bool
	srcErr   error
	stopped  bool
}

func newWorkSource(src WorkSource, render func(WorkItem) string, maxNewTokens int) *workSource {
	ws := &workSource{
		src:          src,
		render:       render,
		maxNewTokens: maxNewTokens,
	}
	ws.cond = sync.NewCond(&ws.mu)
	return ws
}

// Next implements llm.SourceFunc. Blocks while the sequence is drained
// but results that could still spawn retries are in flight.
func (w *workSource) Next(ctx context.Context) (llm.PromptSpec, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.stopped || ctx.Err() != nil {
			return llm.PromptSpec{}, false
		}
		if len(w.retries) > 0 {
			item := w.retries[0]
			w.retries = w.retries[1:]
			w.inflight++
			return w.spec(item), true
		}
		if !w.srcDone {
			item, ok, err := w.src.Next(ctx)
			if err != nil {
				// Source failure: stop submitting, keep draining.
				w.srcDone = true
				w.srcErr = err
				continue
			}
			if !ok {
				w.srcDone = true
				continue
			}
			w.inflight++
			return w.spec(item), true
		}
		if w.inflight == 0 {
			return llm.PromptSpec{}, false
		}
		w.cond.Wait()
	}
}

func (w *workSource) spec(item WorkItem) llm.PromptSpec {
	prompt := w.render(item)
	return llm.PromptSpec{
		Prompt:       prompt,
		MaxNewTokens: w.maxNewTokens,
		Attempt:      item.Attempt,
		Tag:          workTag{item: item, prompt: prompt},
	}
}

// consumed marks one in-flight result as finally handled.
func (w *workSource) consumed() {
	w.mu.Lock()
	w.inflight--
	w.cond.Broadcast()
	w.mu.Unlock()
}

// requeue re-enqueues a failed item with the next attempt number.
func (w *workSource) requeue(item WorkItem) {
	w.mu.Lock()
	item.Attempt++
	w.retries = append(w.retries, item)
	w.inflight--
	w.cond.Broadcast()
	w.mu.Unlock()
}

// stop halts submission of any further work. In-flight calls finish
// and drain normally.
func (w *workSource) stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *workSource) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.srcErr
}

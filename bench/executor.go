package bench

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/traitlab/biasbench/bench/emit"
	"github.com/traitlab/biasbench/bench/llm"
	"github.com/traitlab/biasbench/bench/prompt"
	"github.com/traitlab/biasbench/bench/store"
)

// progressPollInterval is how often the executor refreshes the
// progress registry from the persisted result count.
const progressPollInterval = 2 * time.Second

// ClientFactory builds the LLM gateway for a run. Replaceable for
// tests and custom backends.
type ClientFactory func(ctx context.Context, run *store.BenchmarkRun) (llm.Client, error)

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Store    store.Store
	Registry *ProgressRegistry
	Emitter  emit.Emitter
	Metrics  *Metrics

	// Clients defaults to the backend switch over vllm, anthropic,
	// gemini and fake.
	Clients ClientFactory
}

// Executor runs benchmark runs end to end: gateway construction,
// work dispatch, the pipeline, progress polling and the terminal
// status transition.
type Executor struct {
	store     store.Store
	registry  *ProgressRegistry
	emitter   emit.Emitter
	metrics   *Metrics
	clients   ClientFactory
	persister *Persister
}

// NewExecutor creates an Executor. Store is required; Registry
// defaults to a private one, Clients to the standard backend switch.
func NewExecutor(cfg ExecutorConfig) *Executor {
	registry := cfg.Registry
	if registry == nil {
		registry = NewProgressRegistry()
	}
	clients := cfg.Clients
	if clients == nil {
		clients = defaultClientFactory
	}
	return &Executor{
		store:     cfg.Store,
		registry:  registry,
		emitter:   cfg.Emitter,
		metrics:   cfg.Metrics,
		clients:   clients,
		persister: NewPersister(cfg.Store),
	}
}

// Registry exposes the progress registry for API handlers and the
// cancellation endpoint.
func (e *Executor) Registry() *ProgressRegistry {
	return e.registry
}

// RunBenchmark executes one run to its terminal state.
//
// The terminal status written to the store and the registry is:
//
//	done      all expected triples persisted
//	partial   fewer triples than expected persisted, including none
//	cancelled cooperative cancellation was observed
//	failed    gateway unreachable, source failure, or persistence
//	          failure
//
// Gateway construction failures (including endpoint discovery) mark
// the run failed immediately; there is no retry at this level.
func (e *Executor) RunBenchmark(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	traits, err := e.store.ActiveTraits(ctx)
	if err != nil {
		return e.fail(ctx, runID, fmt.Errorf("load traits: %w", err))
	}
	personas, err := e.store.CountPersonas(ctx, run.DatasetID)
	if err != nil {
		return e.fail(ctx, runID, fmt.Errorf("count personas: %w", err))
	}
	total := ExpectedTotal(personas, len(traits), run.ScaleMode, run.DualFraction)

	e.registry.Init(runID, total)
	e.metrics.RunStarted()
	defer e.metrics.RunFinished()

	client, err := e.clients(ctx, run)
	if err != nil {
		return e.fail(ctx, runID, fmt.Errorf("gateway for run %s: %w", runID, err))
	}
	if closer, ok := client.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var skip map[store.ResultKey]struct{}
	if run.SkipCompleted {
		skip, err = e.store.CompletedKeys(ctx, runID)
		if err != nil {
			return e.fail(ctx, runID, fmt.Errorf("load completed keys: %w", err))
		}
	}

	if err := e.setStatus(ctx, runID, store.RunRunning); err != nil {
		return err
	}

	var source WorkSource = NewDispatcher(e.store, run, traits, skip)
	if run.AttrGenRunID != "" {
		source = &attrSource{store: e.store, attrGenRunID: run.AttrGenRunID, inner: source}
	}

	// Rows persisted before this attempt (resume) seed the cheap done
	// estimate the poller feeds the registry between store refreshes.
	baseline, err := e.store.CountResults(ctx, runID)
	if err != nil {
		return e.fail(ctx, runID, fmt.Errorf("count results: %w", err))
	}
	totalFn := func(ctx context.Context) (int, error) {
		n, err := e.store.CountPersonas(ctx, run.DatasetID)
		if err != nil {
			return 0, err
		}
		return ExpectedTotal(n, len(traits), run.ScaleMode, run.DualFraction), nil
	}

	pollDone := make(chan struct{})
	pollStopped := make(chan struct{})
	go e.pollProgress(ctx, runID, baseline, totalFn, pollDone, pollStopped)

	pipeline := NewPipeline(PipelineConfig{
		Run:       run,
		Client:    client,
		Source:    source,
		Persister: e.persister,
		Render:    e.renderer(run),
		CancelCheck: func() bool {
			return e.registry.CancelRequested(runID)
		},
		Emitter: e.emitter,
		Metrics: e.metrics,
		Diag:    stallDiagnostic(runID),
	})
	_, runErr := pipeline.Run(ctx)

	close(pollDone)
	<-pollStopped
	e.persister.ResetProgressCount(runID)

	done, countErr := e.store.CountResults(ctx, runID)
	if countErr != nil && runErr == nil {
		runErr = countErr
	}
	e.registry.SetDone(runID, done)

	status := classifyTerminal(runErr, done, total)
	if err := e.setStatus(ctx, runID, status); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, ErrCancelled) {
		return runErr
	}
	return nil
}

// renderer builds the pure prompt function for the run.
func (e *Executor) renderer(run *store.BenchmarkRun) func(WorkItem) string {
	systemPrompt := run.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = prompt.DefaultSystemPrompt
	}
	return func(item WorkItem) string {
		return prompt.Render(prompt.Request{
			SystemPrompt:     systemPrompt,
			Persona:          item.Persona,
			Attributes:       item.Attrs,
			Trait:            item.Trait,
			Order:            item.Order,
			IncludeRationale: run.IncludeRationale,
			TemplateVersion:  run.TemplateVersion,
		})
	}
}

// pollProgress refreshes the registry until the run ends. Each tick
// feeds the cheap done estimate (baseline plus the persister's
// accepted count); the registry itself throttles the authoritative
// store reads. Poll failures are skipped; the next tick retries.
func (e *Executor) pollProgress(ctx context.Context, runID string, baseline int, total func(context.Context) (int, error), done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			counted := baseline + e.persister.ProgressCount(runID)
			_ = e.registry.Refresh(ctx, e.store, runID, counted, total)
		}
	}
}

// stallDiagnostic logs when the gateway has in-flight calls but no
// completion for several seconds, which usually means the endpoint is
// wedged rather than slow.
func stallDiagnostic(runID string) llm.DiagnosticFunc {
	return func(inflight int, idle time.Duration) {
		log.Printf("run %s: no completion for %s with %d calls in flight", runID, idle.Truncate(time.Second), inflight)
	}
}

func (e *Executor) setStatus(ctx context.Context, runID string, status store.RunStatus) error {
	if err := e.store.SetRunStatus(ctx, runID, status); err != nil {
		return fmt.Errorf("set run %s status %s: %w", runID, status, err)
	}
	e.registry.SetStatus(runID, status)
	return nil
}

// fail marks the run failed in store and registry, then returns err.
func (e *Executor) fail(ctx context.Context, runID string, err error) error {
	_ = e.store.SetRunStatus(ctx, runID, store.RunFailed)
	e.registry.SetStatus(runID, store.RunFailed)
	return err
}

// classifyTerminal maps a pipeline outcome onto the run's terminal
// status. A clean finish that persisted fewer triples than expected is
// partial, even at zero rows: exhausted attempt budgets are recorded
// in the fail log, not as a run failure.
func classifyTerminal(runErr error, done, total int) store.RunStatus {
	switch {
	case errors.Is(runErr, ErrCancelled):
		return store.RunCancelled
	case runErr != nil:
		return store.RunFailed
	case done >= total:
		return store.RunDone
	default:
		return store.RunPartial
	}
}

// defaultClientFactory is the standard backend switch. The vllm
// backend resolves its base URL through endpoint discovery first; a
// run whose gateway cannot be reached fails without retry.
func defaultClientFactory(ctx context.Context, run *store.BenchmarkRun) (llm.Client, error) {
	switch run.Backend {
	case "", "vllm":
		baseURL, err := llm.DiscoverBaseURL(ctx, run.BaseURL, run.APIKey, run.ModelID)
		if err != nil {
			return nil, err
		}
		return llm.NewVLLM(baseURL, run.APIKey, run.ModelID,
			llm.WithMaxNewTokens(run.MaxNewTokens),
			llm.WithConnectionPool(run.BatchSize),
		), nil
	case "anthropic":
		return llm.NewAnthropic(run.APIKey, run.ModelID, run.MaxNewTokens), nil
	case "gemini":
		return llm.NewGemini(ctx, run.APIKey, run.ModelID, run.MaxNewTokens)
	case "fake":
		return &llm.FakeClient{Model: run.ModelID}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", run.Backend)
	}
}

// attrSource decorates dispatched work items with the generated
// persona attributes of the run's attribute-generation run. Lookups
// are memoized per persona; the dispatcher emits each persona's
// triples contiguously, so the memo stays tiny.
type attrSource struct {
	store        store.Store
	attrGenRunID string
	inner        WorkSource

	lastUUID  string
	lastAttrs map[string]string
}

func (a *attrSource) Next(ctx context.Context) (WorkItem, bool, error) {
	item, ok, err := a.inner.Next(ctx)
	if err != nil || !ok {
		return item, ok, err
	}
	if item.Persona.UUID != a.lastUUID {
		attrs, err := a.store.PersonaAttributes(ctx, item.Persona.UUID, a.attrGenRunID)
		if err != nil {
			return WorkItem{}, false, fmt.Errorf("attributes for persona %s: %w", item.Persona.UUID, err)
		}
		a.lastUUID = item.Persona.UUID
		a.lastAttrs = attrs
	}
	item.Attrs = a.lastAttrs
	return item, true, nil
}

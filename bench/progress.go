package bench

import (
	"context"
	"sync"
	"time"

	"github.com/traitlab/biasbench/bench/store"
)

// Refresh throttles. Between store reads the done count advances from
// the persister's in-memory accepted counter, so the registry stays
// live without hammering CountResults on every poller tick.
const (
	doneRefreshInterval  = 30 * time.Second
	totalRefreshInterval = 60 * time.Second
)

// Progress is a snapshot of one run's execution state.
type Progress struct {
	RunID  string
	Status store.RunStatus

	// Done counts distinct persisted triples; Total is the expected
	// pre-skip cardinality of the run.
	Done  int
	Total int

	// CancelRequested is the cooperative cancellation flag observed by
	// the pipeline at batch boundaries.
	CancelRequested bool

	LastUpdate time.Time
}

// progressEntry is the registry's internal record: the snapshot plus
// the refresh throttle state.
type progressEntry struct {
	Progress

	lastDoneRefresh  time.Time
	lastTotalRefresh time.Time
}

// ProgressRegistry is the shared in-memory progress map. Updates are
// short critical sections under one mutex; reads return copies, never
// internal pointers.
type ProgressRegistry struct {
	mu   sync.Mutex
	runs map[string]*progressEntry
}

// NewProgressRegistry creates an empty registry.
func NewProgressRegistry() *ProgressRegistry {
	return &ProgressRegistry{runs: make(map[string]*progressEntry)}
}

// Init registers a run with its expected total and queued status.
// Re-initializing an existing run resets its counters but preserves a
// pending cancellation request. The freshly computed total and zero
// done count start both refresh clocks.
func (r *ProgressRegistry) Init(runID string, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel := false
	if prev, ok := r.runs[runID]; ok {
		cancel = prev.CancelRequested
	}
	now := time.Now()
	r.runs[runID] = &progressEntry{
		Progress: Progress{
			RunID:           runID,
			Status:          store.RunQueued,
			Total:           total,
			CancelRequested: cancel,
			LastUpdate:      now,
		},
		lastDoneRefresh:  now,
		lastTotalRefresh: now,
	}
}

// Get returns a copy of the run's progress. The second return is
// false for unknown runs.
func (r *ProgressRegistry) Get(runID string) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	if !ok {
		return Progress{}, false
	}
	return e.Progress, true
}

// SetStatus updates the run's lifecycle status.
func (r *ProgressRegistry) SetStatus(runID string, status store.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[runID]; ok {
		e.Status = status
		e.LastUpdate = time.Now()
	}
}

// SetDone updates the completed-triple count.
func (r *ProgressRegistry) SetDone(runID string, done int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[runID]; ok {
		e.Done = done
		e.LastUpdate = time.Now()
	}
}

// RequestCancel flags the run for cooperative cancellation. Unknown
// runs get a placeholder entry so a cancel that races run startup is
// not lost.
func (r *ProgressRegistry) RequestCancel(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	if !ok {
		e = &progressEntry{Progress: Progress{RunID: runID, Status: store.RunCancelling}}
		r.runs[runID] = e
	}
	e.CancelRequested = true
	e.Status = store.RunCancelling
	e.LastUpdate = time.Now()
}

// CancelRequested reports the cancellation flag.
func (r *ProgressRegistry) CancelRequested(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[runID]; ok {
		return e.CancelRequested
	}
	return false
}

// Remove drops the run from the registry.
func (r *ProgressRegistry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Refresh advances the run's progress on each poller tick.
//
// counted is the caller's cheap done estimate (rows persisted before
// the run started plus the persister's in-memory accepted count); it
// advances Done monotonically between store reads. The authoritative
// CountResults read happens at most every 30 seconds, and total is
// recomputed via the supplied function at most every 60 seconds.
func (r *ProgressRegistry) Refresh(ctx context.Context, st store.Store, runID string, counted int, total func(context.Context) (int, error)) error {
	r.mu.Lock()
	e, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	now := time.Now()
	refreshDone := now.Sub(e.lastDoneRefresh) >= doneRefreshInterval
	refreshTotal := total != nil && now.Sub(e.lastTotalRefresh) >= totalRefreshInterval
	if !refreshDone && counted > e.Done {
		e.Done = counted
		e.LastUpdate = now
	}
	r.mu.Unlock()

	if refreshDone {
		done, err := st.CountResults(ctx, runID)
		if err != nil {
			return err
		}
		r.mu.Lock()
		e.Done = done
		e.lastDoneRefresh = now
		e.LastUpdate = now
		r.mu.Unlock()
	}
	if refreshTotal {
		n, err := total(ctx)
		if err != nil {
			return err
		}
		r.mu.Lock()
		e.Total = n
		e.lastTotalRefresh = now
		e.LastUpdate = now
		r.mu.Unlock()
	}
	return nil
}

// UpdateFromStore forces an unthrottled Done refresh from the
// persisted result count. Used for the terminal snapshot.
func (r *ProgressRegistry) UpdateFromStore(ctx context.Context, st store.Store, runID string) error {
	done, err := st.CountResults(ctx, runID)
	if err != nil {
		return err
	}
	r.SetDone(runID, done)
	return nil
}

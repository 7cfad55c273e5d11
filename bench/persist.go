package bench

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/traitlab/biasbench/bench/store"
)

// persistMu serializes result batches process-wide. Concurrent batch
// writers on the same tables are the dominant source of deadlock and
// serialization failures on shared database backends, and the batches
// are short enough that serializing them costs little.
var persistMu sync.Mutex

const (
	persistMaxAttempts = 3
	persistBaseDelay   = 100 * time.Millisecond
)

// Persister writes result batches and fail-log entries. It also keeps
// an in-memory accepted-row count per run, incremented by the number
// of rows each batch actually inserted, which progress reporting uses
// without re-counting the table.
type Persister struct {
	store store.Store

	mu     sync.Mutex
	counts map[string]*runCount
}

type runCount struct {
	count      int
	lastUpdate time.Time
}

// NewPersister creates a Persister over the given store.
func NewPersister(st store.Store) *Persister {
	return &Persister{
		store:  st,
		counts: make(map[string]*runCount),
	}
}

// PersistResults writes one batch in a single transaction with
// conflict-ignore semantics on (run, persona, case, order) and returns
// the number of rows accepted.
//
// Retryable store failures (deadlock, serialization, lock timeout) are
// retried up to three times with exponential backoff starting at
// about 100ms. Anything else is returned immediately.
func (p *Persister) PersistResults(ctx context.Context, rows []store.BenchmarkResult) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	persistMu.Lock()
	defer persistMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < persistMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt-1, persistBaseDelay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		accepted, err := p.store.InsertResults(ctx, rows)
		if err == nil {
			p.addCount(rows[0].RunID, accepted)
			return accepted, nil
		}
		if !retryableStoreError(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("persist batch failed after %d attempts: %w", persistMaxAttempts, lastErr)
}

// PersistFailure appends a fail-log entry. Append-only, no retry; a
// lost fail-log line is not worth failing a run over, but the error is
// still surfaced so callers can log it.
func (p *Persister) PersistFailure(ctx context.Context, entry *store.FailLog) error {
	return p.store.InsertFailure(ctx, entry)
}

// ProgressCount returns the accepted-row count recorded for the run
// since the last reset.
func (p *Persister) ProgressCount(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counts[runID]; ok {
		return c.count
	}
	return 0
}

// ResetProgressCount zeroes the in-memory count for the run.
func (p *Persister) ResetProgressCount(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, runID)
}

func (p *Persister) addCount(runID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counts[runID]
	if !ok {
		c = &runCount{}
		p.counts[runID] = c
	}
	c.count += n
	c.lastUpdate = time.Now()
}

// retryableStoreError reports whether a store failure is transient.
// Matches on message because the three supported backends surface
// these conditions through different error types.
func retryableStoreError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"deadlock",
		"serialization",
		"database is locked",
		"lock wait timeout",
		"busy",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// computeBackoff returns base * 2^attempt plus jitter in [0, base).
func computeBackoff(attempt int, base time.Duration) time.Duration {
	delay := base * (1 << attempt)
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	return delay + jitter
}

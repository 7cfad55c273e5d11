package bench

import (
	"context"
	"testing"
	"time"

	"github.com/traitlab/biasbench/bench/store"
)

func TestProgressRegistryLifecycle(t *testing.T) {
	r := NewProgressRegistry()

	r.Init("run-1", 40)
	p, ok := r.Get("run-1")
	if !ok {
		t.Fatal("run not found after Init")
	}
	if p.Status != store.RunQueued || p.Total != 40 || p.Done != 0 {
		t.Fatalf("unexpected initial progress: %+v", p)
	}

	r.SetStatus("run-1", store.RunRunning)
	r.SetDone("run-1", 12)
	p, _ = r.Get("run-1")
	if p.Status != store.RunRunning || p.Done != 12 {
		t.Errorf("progress = %+v, want running with 12 done", p)
	}

	r.Remove("run-1")
	if _, ok := r.Get("run-1"); ok {
		t.Error("run still present after Remove")
	}
}

func TestProgressRegistryCancelBeforeInit(t *testing.T) {
	r := NewProgressRegistry()

	// A cancel racing run startup must not be lost.
	r.RequestCancel("run-1")
	if !r.CancelRequested("run-1") {
		t.Fatal("cancel request not recorded for unknown run")
	}

	r.Init("run-1", 10)
	if !r.CancelRequested("run-1") {
		t.Error("Init dropped a pending cancel request")
	}
}

func TestProgressRegistryCancelStatus(t *testing.T) {
	r := NewProgressRegistry()
	r.Init("run-1", 10)
	r.SetStatus("run-1", store.RunRunning)
	r.RequestCancel("run-1")

	p, _ := r.Get("run-1")
	if p.Status != store.RunCancelling {
		t.Errorf("status = %q, want cancelling", p.Status)
	}
	if r.CancelRequested("run-2") {
		t.Error("cancel reported for a different run")
	}
}

func TestProgressRegistryUpdateFromStore(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	rows := []store.BenchmarkResult{
		{RunID: "run-1", PersonaUUID: "p-1", CaseID: "t-1", Order: store.OrderIn, Attempt: 1, Rating: 3, RatingRaw: 3},
		{RunID: "run-1", PersonaUUID: "p-1", CaseID: "t-2", Order: store.OrderIn, Attempt: 1, Rating: 2, RatingRaw: 2},
	}
	if _, err := st.InsertResults(ctx, rows); err != nil {
		t.Fatalf("InsertResults: %v", err)
	}

	r := NewProgressRegistry()
	r.Init("run-1", 10)
	if err := r.UpdateFromStore(ctx, st, "run-1"); err != nil {
		t.Fatalf("UpdateFromStore: %v", err)
	}
	p, _ := r.Get("run-1")
	if p.Done != 2 {
		t.Errorf("Done = %d, want 2", p.Done)
	}
}

func TestProgressRegistryRefreshThrottle(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	rows := []store.BenchmarkResult{
		{RunID: "run-1", PersonaUUID: "p-1", CaseID: "t-1", Order: store.OrderIn, Attempt: 1, Rating: 3, RatingRaw: 3},
		{RunID: "run-1", PersonaUUID: "p-1", CaseID: "t-2", Order: store.OrderIn, Attempt: 1, Rating: 2, RatingRaw: 2},
		{RunID: "run-1", PersonaUUID: "p-2", CaseID: "t-1", Order: store.OrderIn, Attempt: 1, Rating: 4, RatingRaw: 4},
	}
	if _, err := st.InsertResults(ctx, rows); err != nil {
		t.Fatalf("InsertResults: %v", err)
	}

	r := NewProgressRegistry()
	r.Init("run-1", 10)

	totalCalls := 0
	totalFn := func(context.Context) (int, error) {
		totalCalls++
		return 20, nil
	}

	// Inside the throttle window the cheap counter advances Done and
	// neither the store nor the total function is consulted.
	if err := r.Refresh(ctx, st, "run-1", 5, totalFn); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	p, _ := r.Get("run-1")
	if p.Done != 5 {
		t.Errorf("Done = %d, want 5 from the in-memory count", p.Done)
	}
	if p.Total != 10 || totalCalls != 0 {
		t.Errorf("Total = %d (calls %d), want untouched 10", p.Total, totalCalls)
	}

	// The counter only moves Done forward.
	if err := r.Refresh(ctx, st, "run-1", 4, totalFn); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if p, _ = r.Get("run-1"); p.Done != 5 {
		t.Errorf("Done regressed to %d", p.Done)
	}

	// Once the done window elapses the store count is authoritative,
	// even below the counter.
	r.mu.Lock()
	r.runs["run-1"].lastDoneRefresh = time.Now().Add(-time.Minute)
	r.mu.Unlock()
	if err := r.Refresh(ctx, st, "run-1", 99, totalFn); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if p, _ = r.Get("run-1"); p.Done != 3 {
		t.Errorf("Done = %d, want 3 from the store after refresh", p.Done)
	}
	if totalCalls != 0 {
		t.Errorf("total recomputed %d times before its window elapsed", totalCalls)
	}

	// And the total window triggers its own recompute.
	r.mu.Lock()
	r.runs["run-1"].lastTotalRefresh = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()
	if err := r.Refresh(ctx, st, "run-1", 0, totalFn); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	p, _ = r.Get("run-1")
	if p.Total != 20 || totalCalls != 1 {
		t.Errorf("Total = %d (calls %d), want 20 after one recompute", p.Total, totalCalls)
	}
}

func TestProgressRegistryRefreshUnknownRun(t *testing.T) {
	r := NewProgressRegistry()
	if err := r.Refresh(context.Background(), store.NewMemStore(), "ghost", 5, nil); err != nil {
		t.Fatalf("Refresh on unknown run: %v", err)
	}
}

func TestProgressRegistryGetReturnsCopy(t *testing.T) {
	r := NewProgressRegistry()
	r.Init("run-1", 10)
	p, _ := r.Get("run-1")
	p.Done = 999
	again, _ := r.Get("run-1")
	if again.Done != 0 {
		t.Error("Get leaked a mutable reference")
	}
}

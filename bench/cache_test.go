package bench

import (
	"context"
	"testing"

	"github.com/traitlab/biasbench/bench/store"
)

func TestResultCacheInvalidatesOnNewRows(t *testing.T) {
	st := store.NewMemStore()
	cache := NewResultCache(st)
	ctx := context.Background()

	row := func(caseID string) store.BenchmarkResult {
		return store.BenchmarkResult{
			RunID: "run-1", PersonaUUID: "p-1", CaseID: caseID,
			Order: store.OrderIn, Attempt: 1, Rating: 3, RatingRaw: 3,
		}
	}
	if _, err := st.InsertResults(ctx, []store.BenchmarkResult{row("t-1")}); err != nil {
		t.Fatalf("InsertResults: %v", err)
	}

	if _, ok := cache.Get(ctx, "run-1", "summary"); ok {
		t.Fatal("hit on empty cache")
	}
	cache.Put(ctx, "run-1", "summary", []byte(`{"mean": 3.0}`))
	payload, ok := cache.Get(ctx, "run-1", "summary")
	if !ok || string(payload) != `{"mean": 3.0}` {
		t.Fatalf("Get = %q, %v; want payload hit", payload, ok)
	}

	// A new result row shifts the key; the stale entry stops matching.
	if _, err := st.InsertResults(ctx, []store.BenchmarkResult{row("t-2")}); err != nil {
		t.Fatalf("InsertResults: %v", err)
	}
	if _, ok := cache.Get(ctx, "run-1", "summary"); ok {
		t.Error("stale cache entry served after row count changed")
	}
}

func TestResultCacheClear(t *testing.T) {
	st := store.NewMemStore()
	cache := NewResultCache(st)
	ctx := context.Background()

	cache.Put(ctx, "run-1", "summary", []byte("x"))
	cache.Clear(ctx, "run-1")
	if _, ok := cache.Get(ctx, "run-1", "summary"); ok {
		t.Error("entry survived Clear")
	}
}

func TestResultCacheKindsAreIndependent(t *testing.T) {
	st := store.NewMemStore()
	cache := NewResultCache(st)
	ctx := context.Background()

	cache.Put(ctx, "run-1", "summary", []byte("a"))
	cache.Put(ctx, "run-1", "histogram", []byte("b"))
	if payload, ok := cache.Get(ctx, "run-1", "histogram"); !ok || string(payload) != "b" {
		t.Errorf("histogram = %q, %v", payload, ok)
	}
}

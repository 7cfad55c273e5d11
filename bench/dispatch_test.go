package bench

import (
	"context"
	"fmt"
	"testing"

	"github.com/traitlab/biasbench/bench/store"
)

func seedDispatchStore(t *testing.T, personas int) (*store.MemStore, []store.Trait) {
	t.Helper()
	st := store.NewMemStore()
	ctx := context.Background()

	if err := st.CreateDataset(ctx, &store.Dataset{ID: "ds-1", Name: "pool", Kind: "pool"}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	batch := make([]store.Persona, 0, personas)
	for i := 0; i < personas; i++ {
		batch = append(batch, store.Persona{
			UUID:   fmt.Sprintf("p-%04d", i),
			Age:    30 + i%40,
			Gender: "female",
		})
	}
	if err := st.AddPersonas(ctx, "ds-1", batch); err != nil {
		t.Fatalf("AddPersonas: %v", err)
	}
	traits := []store.Trait{
		{ID: "t-intelligent", Adjective: "intelligent", Active: true, Valence: 1},
		{ID: "t-aggressiv", Adjective: "aggressiv", Active: true, Valence: -1},
	}
	if err := st.UpsertTraits(ctx, traits); err != nil {
		t.Fatalf("UpsertTraits: %v", err)
	}
	return st, traits
}

func drainDispatcher(t *testing.T, d *Dispatcher) []WorkItem {
	t.Helper()
	var items []WorkItem
	for {
		item, ok, err := d.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			return items
		}
		items = append(items, item)
	}
}

func TestDispatcherEmitsEachTripleOnce(t *testing.T) {
	st, traits := seedDispatchStore(t, 3)
	run := &store.BenchmarkRun{ID: "run-1", DatasetID: "ds-1", ScaleMode: store.ModeIn}

	items := drainDispatcher(t, NewDispatcher(st, run, traits, nil))
	if len(items) != 6 {
		t.Fatalf("got %d items, want 6", len(items))
	}
	seen := make(map[store.ResultKey]struct{})
	for _, item := range items {
		if item.Order != store.OrderIn {
			t.Errorf("order = %q, want in", item.Order)
		}
		if item.Attempt != 1 {
			t.Errorf("attempt = %d, want 1", item.Attempt)
		}
		key := item.Key()
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate triple %+v", key)
		}
		seen[key] = struct{}{}
	}
}

func TestDispatcherRevModeSwapsPrimary(t *testing.T) {
	st, traits := seedDispatchStore(t, 1)
	run := &store.BenchmarkRun{ID: "run-1", DatasetID: "ds-1", ScaleMode: store.ModeRev}

	items := drainDispatcher(t, NewDispatcher(st, run, traits, nil))
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	for _, item := range items {
		if item.Order != store.OrderRev {
			t.Errorf("order = %q, want rev", item.Order)
		}
	}
}

func TestDispatcherSkipSet(t *testing.T) {
	st, traits := seedDispatchStore(t, 2)
	run := &store.BenchmarkRun{ID: "run-1", DatasetID: "ds-1", ScaleMode: store.ModeIn}

	skip := map[store.ResultKey]struct{}{
		{PersonaUUID: "p-0000", CaseID: "t-intelligent", Order: store.OrderIn}: {},
		{PersonaUUID: "p-0001", CaseID: "t-aggressiv", Order: store.OrderIn}:   {},
	}
	items := drainDispatcher(t, NewDispatcher(st, run, traits, skip))
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 after skipping", len(items))
	}
	for _, item := range items {
		if _, skipped := skip[item.Key()]; skipped {
			t.Fatalf("skipped triple %+v was emitted", item.Key())
		}
	}
}

func TestDispatcherDualFullFraction(t *testing.T) {
	st, traits := seedDispatchStore(t, 2)
	run := &store.BenchmarkRun{ID: "run-1", DatasetID: "ds-1", ScaleMode: store.ModeDual, DualFraction: 1.0}

	items := drainDispatcher(t, NewDispatcher(st, run, traits, nil))
	if len(items) != 8 {
		t.Fatalf("got %d items, want 8", len(items))
	}
	orders := map[store.ScaleOrder]int{}
	for _, item := range items {
		orders[item.Order]++
	}
	if orders[store.OrderIn] != 4 || orders[store.OrderRev] != 4 {
		t.Errorf("order counts = %v, want 4/4", orders)
	}
}

func TestDispatcherDualSamplingDeterministic(t *testing.T) {
	st, traits := seedDispatchStore(t, 200)
	run := &store.BenchmarkRun{ID: "run-1", DatasetID: "ds-1", ScaleMode: store.ModeDual, DualFraction: 0.5}

	first := drainDispatcher(t, NewDispatcher(st, run, traits, nil))
	second := drainDispatcher(t, NewDispatcher(st, run, traits, nil))

	if len(first) != len(second) {
		t.Fatalf("sequence lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Key() != second[i].Key() {
			t.Fatalf("sequence diverges at %d: %+v vs %+v", i, first[i].Key(), second[i].Key())
		}
	}

	rev := 0
	for _, item := range first {
		if item.Order == store.OrderRev {
			rev++
		}
	}
	// 400 (persona, trait) pairs at fraction 0.5; the hash should land
	// well inside [0.3, 0.7].
	if rev < 120 || rev > 280 {
		t.Errorf("rev count = %d of 400 pairs, outside plausible band for fraction 0.5", rev)
	}
}

func TestDispatcherDualDifferentRunsDifferentSample(t *testing.T) {
	st, traits := seedDispatchStore(t, 200)
	runA := &store.BenchmarkRun{ID: "run-a", DatasetID: "ds-1", ScaleMode: store.ModeDual, DualFraction: 0.5}
	runB := &store.BenchmarkRun{ID: "run-b", DatasetID: "ds-1", ScaleMode: store.ModeDual, DualFraction: 0.5}

	itemsA := drainDispatcher(t, NewDispatcher(st, runA, traits, nil))
	itemsB := drainDispatcher(t, NewDispatcher(st, runB, traits, nil))
	if len(itemsA) == len(itemsB) {
		same := true
		for i := range itemsA {
			if itemsA[i].Key() != itemsB[i].Key() {
				same = false
				break
			}
		}
		if same {
			t.Error("two runs produced the identical dual sample; hash does not include the run id")
		}
	}
}

func TestExpectedTotal(t *testing.T) {
	tests := []struct {
		personas, traits int
		mode             store.ScaleMode
		fraction         float64
		want             int
	}{
		{10, 5, store.ModeIn, 0, 50},
		{10, 5, store.ModeRev, 0.5, 50},
		{10, 5, store.ModeDual, 1.0, 100},
		{10, 5, store.ModeDual, 0.5, 75},
		{10, 5, store.ModeDual, 0, 50},
		{0, 5, store.ModeDual, 1.0, 0},
	}
	for _, tt := range tests {
		got := ExpectedTotal(tt.personas, tt.traits, tt.mode, tt.fraction)
		if got != tt.want {
			t.Errorf("ExpectedTotal(%d, %d, %s, %v) = %d, want %d",
				tt.personas, tt.traits, tt.mode, tt.fraction, got, tt.want)
		}
	}
}

func TestUnitHashRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := unitHash("run", fmt.Sprintf("p-%d", i), "trait")
		if v < 0 || v >= 1 {
			t.Fatalf("unitHash out of [0,1): %v", v)
		}
	}
}

package bench

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/traitlab/biasbench/bench/store"
)

// dispatchPageSize is the keyset pagination page size over persona
// UUIDs. Memory stays bounded by one page regardless of dataset size.
const dispatchPageSize = 1000

// WorkItem is one (persona, trait, scale order) triple to be rated.
type WorkItem struct {
	Persona store.Persona
	Trait   store.Trait
	Order   store.ScaleOrder

	// Attrs carries the generated persona attributes when the run is
	// scoped to an attribute-generation run. Nil otherwise.
	Attrs map[string]string

	// Attempt is 1 on dispatch; the pipeline increments it on retry.
	Attempt int
}

// Key returns the triple's result uniqueness key.
func (w WorkItem) Key() store.ResultKey {
	return store.ResultKey{
		PersonaUUID: w.Persona.UUID,
		CaseID:      w.Trait.ID,
		Order:       w.Order,
	}
}

// Dispatcher lazily produces the finite work sequence of a run:
// personas streamed by keyset pagination crossed with the active
// traits and the scale orders the run's mode selects.
//
// The sequence is not restartable. Each triple is emitted at most
// once; triples in the skip set are silently dropped (resume
// semantics).
//
// Not safe for concurrent use; the pipeline serializes access.
type Dispatcher struct {
	store  store.Store
	runID  string
	mode   store.ScaleMode
	frac   float64
	traits []store.Trait
	skip   map[store.ResultKey]struct{}

	datasetID string
	page      []store.Persona
	pageIdx   int
	afterUUID string
	exhausted bool

	// position within the current persona's trait x order expansion
	queue []WorkItem
}

// NewDispatcher creates the work sequence for one run. traits must be
// the active traits in a stable order; skip may be nil.
func NewDispatcher(st store.Store, run *store.BenchmarkRun, traits []store.Trait, skip map[store.ResultKey]struct{}) *Dispatcher {
	return &Dispatcher{
		store:     st,
		runID:     run.ID,
		mode:      run.ScaleMode,
		frac:      run.DualFraction,
		traits:    traits,
		skip:      skip,
		datasetID: run.DatasetID,
	}
}

// Next returns the next work item. The second return is false when
// the sequence is exhausted. Store errors end the sequence.
func (d *Dispatcher) Next(ctx context.Context) (WorkItem, bool, error) {
	for {
		if len(d.queue) > 0 {
			item := d.queue[0]
			d.queue = d.queue[1:]
			if _, done := d.skip[item.Key()]; done {
				continue
			}
			return item, true, nil
		}

		persona, ok, err := d.nextPersona(ctx)
		if err != nil {
			return WorkItem{}, false, err
		}
		if !ok {
			return WorkItem{}, false, nil
		}
		d.expand(persona)
	}
}

// expand queues this persona's trait x order items.
func (d *Dispatcher) expand(persona store.Persona) {
	primary, secondary := store.OrderIn, store.OrderRev
	if d.mode == store.ModeRev {
		primary, secondary = store.OrderRev, store.OrderIn
	}
	for _, trait := range d.traits {
		d.queue = append(d.queue, WorkItem{
			Persona: persona,
			Trait:   trait,
			Order:   primary,
			Attempt: 1,
		})
		if d.mode == store.ModeDual && d.selectDual(persona.UUID, trait.ID) {
			d.queue = append(d.queue, WorkItem{
				Persona: persona,
				Trait:   trait,
				Order:   secondary,
				Attempt: 1,
			})
		}
	}
}

// selectDual decides whether the secondary order is sampled for this
// (persona, trait). A deterministic hash of (run, persona, trait) maps
// onto the unit interval; the pair is selected when it falls inside
// the first dual_fraction of it. Deterministic, so a resumed run
// selects exactly the same pairs.
func (d *Dispatcher) selectDual(personaUUID, traitID string) bool {
	if d.frac <= 0 {
		return false
	}
	if d.frac >= 1 {
		return true
	}
	return unitHash(d.runID, personaUUID, traitID) < d.frac
}

// unitHash maps the triple onto [0, 1) via SHA-256.
func unitHash(parts ...string) float64 {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
}

func (d *Dispatcher) nextPersona(ctx context.Context) (store.Persona, bool, error) {
	if d.pageIdx < len(d.page) {
		p := d.page[d.pageIdx]
		d.pageIdx++
		return p, true, nil
	}
	if d.exhausted {
		return store.Persona{}, false, nil
	}
	page, err := d.store.PersonaPage(ctx, d.datasetID, d.afterUUID, dispatchPageSize)
	if err != nil {
		return store.Persona{}, false, err
	}
	if len(page) == 0 {
		d.exhausted = true
		return store.Persona{}, false, nil
	}
	d.page = page
	d.pageIdx = 1
	d.afterUUID = page[len(page)-1].UUID
	if len(page) < dispatchPageSize {
		d.exhausted = true
	}
	return page[0], true, nil
}

// ExpectedTotal computes the pre-skip output cardinality of a run:
// personas x traits for the primary order, plus the deterministically
// sampled secondary share in dual mode.
func ExpectedTotal(personas, traits int, mode store.ScaleMode, fraction float64) int {
	base := personas * traits
	if mode != store.ModeDual {
		return base
	}
	return base + int(math.Round(fraction*float64(base)))
}

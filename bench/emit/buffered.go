package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory,
// organized by run.
//
// Intended for tests and for development dashboards that replay the
// call history of a run. Everything stays in memory; production runs
// with large datasets should use the rotating prompt log instead.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects events from a run's history. All set fields
// must match (AND logic).
type HistoryFilter struct {
	// Persona filters by persona UUID. Empty matches all.
	Persona string

	// Case filters by case ID. Empty matches all.
	Case string

	// FailedOnly keeps only events with OK == false.
	FailedOnly bool
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event under its run ID. Thread-safe.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of all events of a run in emission order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the run's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events[runID] {
		if filter.Persona != "" && ev.Persona != filter.Persona {
			continue
		}
		if filter.Case != "" && ev.Case != filter.Case {
			continue
		}
		if filter.FailedOnly && ev.OK {
			continue
		}
		out = append(out, ev)
	}
	if out == nil {
		out = []Event{}
	}
	return out
}

// Clear removes stored events. A non-empty runID clears only that
// run; an empty runID clears everything.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}

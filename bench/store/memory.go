package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process experiments where persistence isn't required
//
// MemStore is thread-safe and honors the same conflict-ignore contract
// as the database backends: inserting a result row whose
// (run, persona, case, order) key already exists is silently dropped.
//
// Data is lost when the process terminates. For durable runs use
// SQLiteStore, MySQLStore or PostgresStore.
type MemStore struct {
	mu sync.RWMutex

	datasets     map[string]Dataset
	members      map[string][]string // datasetID -> persona UUIDs, sorted
	personas     map[string]Persona
	attrs        map[string]map[string]string // personaUUID+"\x00"+attrRunID -> key -> value
	traits       map[string]Trait
	runs         map[string]BenchmarkRun
	results      map[string][]BenchmarkResult   // runID -> rows
	resultKeys   map[string]map[ResultKey]bool  // runID -> key set
	failures     map[string][]FailLog           // runID -> entries
	tasks        map[string]Task
	cache        map[string]map[string][]byte // runID -> kind+"\x00"+key -> payload
	cfLinks      map[string][]CounterfactualLink
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		datasets:   make(map[string]Dataset),
		members:    make(map[string][]string),
		personas:   make(map[string]Persona),
		attrs:      make(map[string]map[string]string),
		traits:     make(map[string]Trait),
		runs:       make(map[string]BenchmarkRun),
		results:    make(map[string][]BenchmarkResult),
		resultKeys: make(map[string]map[ResultKey]bool),
		failures:   make(map[string][]FailLog),
		tasks:      make(map[string]Task),
		cache:      make(map[string]map[string][]byte),
		cfLinks:    make(map[string][]CounterfactualLink),
	}
}

func attrKey(personaUUID, attrRunID string) string {
	return personaUUID + "\x00" + attrRunID
}

// CreateDataset stores a dataset record.
func (m *MemStore) CreateDataset(_ context.Context, d *Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.datasets[cp.ID] = cp
	return nil
}

// GetDataset returns a dataset by ID.
func (m *MemStore) GetDataset(_ context.Context, id string) (*Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.datasets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := d
	return &cp, nil
}

// DeleteDataset removes the dataset and everything it owns: member
// personas, their attributes, runs over the dataset with their results,
// failures and cache entries, and counterfactual links.
func (m *MemStore) DeleteDataset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.datasets[id]; !ok {
		return ErrNotFound
	}

	for _, uuid := range m.members[id] {
		delete(m.personas, uuid)
		for k := range m.attrs {
			if len(k) > len(uuid) && k[:len(uuid)] == uuid && k[len(uuid)] == '\x00' {
				delete(m.attrs, k)
			}
		}
	}
	delete(m.members, id)

	for runID, run := range m.runs {
		if run.DatasetID != id {
			continue
		}
		delete(m.runs, runID)
		delete(m.results, runID)
		delete(m.resultKeys, runID)
		delete(m.failures, runID)
		delete(m.cache, runID)
	}

	delete(m.cfLinks, id)
	delete(m.datasets, id)
	return nil
}

// AddPersonas attaches personas to a dataset, keeping the membership
// list sorted so keyset pagination stays stable.
func (m *MemStore) AddPersonas(_ context.Context, datasetID string, personas []Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]struct{}, len(m.members[datasetID]))
	for _, uuid := range m.members[datasetID] {
		existing[uuid] = struct{}{}
	}
	for _, p := range personas {
		m.personas[p.UUID] = p
		if _, ok := existing[p.UUID]; ok {
			continue
		}
		existing[p.UUID] = struct{}{}
		m.members[datasetID] = append(m.members[datasetID], p.UUID)
	}
	sort.Strings(m.members[datasetID])
	return nil
}

// PersonaPage returns up to limit personas with UUID > afterUUID,
// ascending by UUID.
func (m *MemStore) PersonaPage(_ context.Context, datasetID, afterUUID string, limit int) ([]Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uuids := m.members[datasetID]
	start := sort.SearchStrings(uuids, afterUUID)
	// SearchStrings finds the first >= afterUUID; pagination is strictly
	// greater.
	if start < len(uuids) && uuids[start] == afterUUID {
		start++
	}

	out := make([]Persona, 0, limit)
	for i := start; i < len(uuids) && len(out) < limit; i++ {
		out = append(out, m.personas[uuids[i]])
	}
	return out, nil
}

// CountPersonas counts dataset members.
func (m *MemStore) CountPersonas(_ context.Context, datasetID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members[datasetID]), nil
}

// PersonaAttributes returns the generated attributes of a persona for
// one generation run. Missing personas yield an empty map, not an error.
func (m *MemStore) PersonaAttributes(_ context.Context, personaUUID, attrGenRunID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.attrs[attrKey(personaUUID, attrGenRunID)]
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// PutPersonaAttributes stores generated attributes, last write wins per
// (persona, run, key).
func (m *MemStore) PutPersonaAttributes(_ context.Context, attrs []PersonaAttribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range attrs {
		k := attrKey(a.PersonaUUID, a.AttrGenRunID)
		if m.attrs[k] == nil {
			m.attrs[k] = make(map[string]string)
		}
		m.attrs[k][a.Key] = a.Value
	}
	return nil
}

// UpsertTraits inserts or replaces traits by ID.
func (m *MemStore) UpsertTraits(_ context.Context, traits []Trait) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range traits {
		m.traits[t.ID] = t
	}
	return nil
}

// ActiveTraits returns active traits sorted by ID for stable iteration.
func (m *MemStore) ActiveTraits(_ context.Context) ([]Trait, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Trait, 0, len(m.traits))
	for _, t := range m.traits {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteTrait removes a trait unless a result references it.
func (m *MemStore) DeleteTrait(_ context.Context, traitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.traits[traitID]; !ok {
		return ErrNotFound
	}
	for _, rows := range m.results {
		for _, r := range rows {
			if r.CaseID == traitID {
				return ErrTraitInUse
			}
		}
	}
	delete(m.traits, traitID)
	return nil
}

// CreateRun stores a run record.
func (m *MemStore) CreateRun(_ context.Context, run *BenchmarkRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.Status == "" {
		cp.Status = RunQueued
	}
	m.runs[cp.ID] = cp
	return nil
}

// GetRun returns a run by ID.
func (m *MemStore) GetRun(_ context.Context, runID string) (*BenchmarkRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := run
	return &cp, nil
}

// SetRunStatus updates the only mutable field of a run.
func (m *MemStore) SetRunStatus(_ context.Context, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	m.runs[runID] = run
	return nil
}

// DeleteRun removes the run with its results, failures and cache.
func (m *MemStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(m.runs, runID)
	delete(m.results, runID)
	delete(m.resultKeys, runID)
	delete(m.failures, runID)
	delete(m.cache, runID)
	return nil
}

// InsertResults appends rows whose key is not yet present and reports
// how many were accepted. The whole batch is applied under one lock,
// mirroring the single-transaction contract of the SQL backends.
func (m *MemStore) InsertResults(_ context.Context, rows []BenchmarkResult) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accepted := 0
	for _, r := range rows {
		keys := m.resultKeys[r.RunID]
		if keys == nil {
			keys = make(map[ResultKey]bool)
			m.resultKeys[r.RunID] = keys
		}
		k := r.Key()
		if keys[k] {
			continue
		}
		keys[k] = true
		cp := r
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		m.results[r.RunID] = append(m.results[r.RunID], cp)
		accepted++
	}
	return accepted, nil
}

// CountResults counts distinct persisted triples for the run.
func (m *MemStore) CountResults(_ context.Context, runID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.resultKeys[runID]), nil
}

// Results returns a copy of all rows for the run. Test aid.
func (m *MemStore) Results(runID string) []BenchmarkResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BenchmarkResult, len(m.results[runID]))
	copy(out, m.results[runID])
	return out
}

// CompletedKeys returns the persisted triple set for resume.
func (m *MemStore) CompletedKeys(_ context.Context, runID string) (map[ResultKey]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[ResultKey]struct{}, len(m.resultKeys[runID]))
	for k := range m.resultKeys[runID] {
		out[k] = struct{}{}
	}
	return out, nil
}

// InsertFailure appends a fail-log entry.
func (m *MemStore) InsertFailure(_ context.Context, entry *FailLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.failures[cp.RunID] = append(m.failures[cp.RunID], cp)
	return nil
}

// CountFailures counts fail-log entries for the run.
func (m *MemStore) CountFailures(_ context.Context, runID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.failures[runID]), nil
}

// Failures returns a copy of the fail log for the run.
func (m *MemStore) Failures(_ context.Context, runID string) ([]FailLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FailLog, len(m.failures[runID]))
	copy(out, m.failures[runID])
	return out, nil
}

// EnqueueTask stores a task in status queued.
func (m *MemStore) EnqueueTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *task
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.Status == "" {
		cp.Status = TaskQueued
	}
	m.tasks[cp.ID] = cp
	return nil
}

// GetTask returns a task by ID.
func (m *MemStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := task
	return &cp, nil
}

// QueuedTasks returns queued tasks, FIFO by CreatedAt with Position as
// tie-breaker.
func (m *MemStore) QueuedTasks(_ context.Context) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Task, 0)
	for _, t := range m.tasks {
		if t.Status == TaskQueued {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateTask replaces a task row.
func (m *MemStore) UpdateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[task.ID] = *task
	return nil
}

// ResetRunningTasks recovers orphans: every running task goes back to
// queued.
func (m *MemStore) ResetRunningTasks(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.tasks {
		if t.Status == TaskRunning {
			t.Status = TaskQueued
			t.StartedAt = nil
			m.tasks[id] = t
			n++
		}
	}
	return n, nil
}

// CancelDependents cascade-cancels queued tasks depending, directly or
// transitively, on taskID.
func (m *MemStore) CancelDependents(_ context.Context, taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := map[string]bool{taskID: true}
	for changed := true; changed; {
		changed = false
		for id, t := range m.tasks {
			if t.Status != TaskQueued || t.DependsOn == "" || !cancelled[t.DependsOn] {
				continue
			}
			now := time.Now()
			t.Status = TaskCancelled
			t.Error = reason
			t.FinishedAt = &now
			m.tasks[id] = t
			cancelled[id] = true
			changed = true
		}
	}
	return nil
}

// CacheGet returns a cached payload if present.
func (m *MemStore) CacheGet(_ context.Context, runID, kind, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.cache[runID][kind+"\x00"+key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(entry))
	copy(cp, entry)
	return cp, true, nil
}

// CachePut stores a cached payload.
func (m *MemStore) CachePut(_ context.Context, runID, kind, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cache[runID] == nil {
		m.cache[runID] = make(map[string][]byte)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.cache[runID][kind+"\x00"+key] = cp
	return nil
}

// CacheClear drops all cached payloads for the run.
func (m *MemStore) CacheClear(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, runID)
	return nil
}

// AddCounterfactualLinks stores persona pairings. Pairings already
// present on (source, counter) are ignored, matching the SQL backends'
// conflict-ignore inserts.
func (m *MemStore) AddCounterfactualLinks(_ context.Context, links []CounterfactualLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range links {
		dup := false
		for _, have := range m.cfLinks[l.DatasetID] {
			if have.SourceUUID == l.SourceUUID && have.CounterUUID == l.CounterUUID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		m.cfLinks[l.DatasetID] = append(m.cfLinks[l.DatasetID], l)
	}
	return nil
}

// CounterfactualLinks returns the pairings of a dataset.
func (m *MemStore) CounterfactualLinks(_ context.Context, datasetID string) ([]CounterfactualLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CounterfactualLink, len(m.cfLinks[datasetID]))
	copy(out, m.cfLinks[datasetID])
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }

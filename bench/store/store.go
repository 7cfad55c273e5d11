// Package store provides persistence backends for the benchmark harness.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested dataset, run, trait, or task
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrTraitInUse is returned when deleting a trait that is already
// referenced by at least one benchmark result.
var ErrTraitInUse = errors.New("trait referenced by results")

// ScaleOrder identifies the direction of the Likert scale presented to
// the model. Dual-order sampling issues the same case in both directions
// to measure order-effect bias.
type ScaleOrder string

const (
	// OrderIn presents the scale in its natural direction (1 = lowest).
	OrderIn ScaleOrder = "in"

	// OrderRev presents the scale with inverted labels (1 = highest).
	OrderRev ScaleOrder = "rev"
)

// Dataset groups a set of personas sampled for a particular purpose.
type Dataset struct {
	// ID uniquely identifies the dataset.
	ID string

	// Name is a human-readable label.
	Name string

	// Kind is one of "pool", "balanced", "counterfactual", "reality".
	Kind string

	// Config carries the opaque sampling configuration the dataset was
	// built from.
	Config json.RawMessage

	CreatedAt time.Time
}

// Persona is a synthetic respondent. Immutable after creation.
type Persona struct {
	UUID            string
	Age             int
	Gender          string
	Education       string
	Occupation      string
	MaritalStatus   string
	MigrationStatus string
	OriginCountry   string
	Religion        string
	Sexuality       string
}

// PersonaAttribute is a generated free-text attribute attached to a
// persona by an attribute-generation run. Unique per
// (persona, generation run, key).
type PersonaAttribute struct {
	PersonaUUID  string
	AttrGenRunID string
	Key          string
	Value        string
}

// Attribute keys the prompt factory consumes when present.
const (
	AttrName       = "name"
	AttrAppearance = "appearance"
	AttrBiography  = "biography"
)

// Trait is an adjective to be rated on a five-point scale.
type Trait struct {
	ID           string
	Adjective    string
	CaseTemplate string
	Category     string

	// Valence is -1, 0 or 1.
	Valence int

	// Active controls whether the trait participates in new runs.
	Active bool
}

// RunStatus is the lifecycle state of a benchmark run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunCancelling RunStatus = "cancelling"
	RunDone       RunStatus = "done"
	RunPartial    RunStatus = "partial"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// ScaleMode selects which scale orders a run samples.
type ScaleMode string

const (
	ModeIn   ScaleMode = "in"
	ModeRev  ScaleMode = "rev"
	ModeDual ScaleMode = "dual"
)

// BenchmarkRun is one configured execution of the pipeline over a
// dataset and model. Read-only after creation except for Status.
type BenchmarkRun struct {
	ID        string
	DatasetID string
	ModelID   string

	BatchSize        int
	MaxAttempts      int
	IncludeRationale bool
	SystemPrompt     string
	ScaleMode        ScaleMode
	DualFraction     float64
	MaxNewTokens     int

	// Backend selects the LLM gateway implementation
	// ("vllm", "anthropic", "gemini", "fake").
	Backend string
	BaseURL string
	APIKey  string

	// SkipCompleted enables resume semantics: triples already persisted
	// are not dispatched again.
	SkipCompleted bool

	// AttrGenRunID scopes which generated persona attributes feed the
	// prompt factory. Empty means attributes are not used.
	AttrGenRunID string

	TemplateVersion string
	Status          RunStatus
	CreatedAt       time.Time
}

// ResultKey is the uniqueness key of a benchmark result within a run.
// A triple that is present is treated as completed for resume purposes.
type ResultKey struct {
	PersonaUUID string
	CaseID      string
	Order       ScaleOrder
}

// BenchmarkResult is one persisted rating.
//
// Rating is always normalized onto the in-order scale: for OrderRev the
// stored value is 6 - raw. RatingRaw retains the value as parsed from
// the model output; AnswerRaw retains the unedited response text.
type BenchmarkResult struct {
	RunID       string
	PersonaUUID string
	CaseID      string
	Order       ScaleOrder
	Attempt     int

	AnswerRaw string
	Rating    int
	RatingRaw int

	GenTimeMS       int64
	ModelName       string
	TemplateVersion string
	CreatedAt       time.Time
}

// Key returns the conflict-ignore uniqueness key for the row.
func (r BenchmarkResult) Key() ResultKey {
	return ResultKey{PersonaUUID: r.PersonaUUID, CaseID: r.CaseID, Order: r.Order}
}

// FailLog records one failed attempt, or the terminal
// "max_attempts_exceeded" entry when the attempt budget is exhausted.
type FailLog struct {
	RunID       string
	PersonaUUID string
	CaseID      string
	ModelID     string
	Attempt     int
	ErrorKind   string
	RawSnippet  string
	PromptSnip  string
	CreatedAt   time.Time
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one row of the task queue consumed by the queue executor.
type Task struct {
	ID     string
	Type   string
	Label  string
	Status TaskStatus

	// Position is a tie-breaker only; FIFO by CreatedAt is authoritative.
	Position int

	// DependsOn optionally names a task that must complete first.
	DependsOn string

	Config json.RawMessage

	ResultRunID   string
	ResultRunType string
	Error         string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// CounterfactualLink pairs a persona with its counterfactual twin that
// differs in exactly one attribute.
type CounterfactualLink struct {
	DatasetID     string
	SourceUUID    string
	CounterUUID   string
	ChangedAttr   string
	FromValue     string
	ToValue       string
}

// Store is the single handle onto the persistent state of the harness.
//
// Implementations must support conflict-ignored inserts on the result
// uniqueness key (run, persona, case, order) so that retries and
// crash-resume cannot duplicate rows. Each batch write is its own
// transaction; no long-held transactions.
//
// Backends:
//   - MemStore: in-memory, for tests and development
//   - SQLiteStore: single-file default backend (modernc.org/sqlite)
//   - MySQLStore: shared-server backend (go-sql-driver/mysql)
//   - PostgresStore: shared-server backend (jackc/pgx)
type Store interface {
	// Datasets and personas.

	CreateDataset(ctx context.Context, d *Dataset) error
	GetDataset(ctx context.Context, id string) (*Dataset, error)

	// DeleteDataset cascades: personas, runs, results, failures and
	// counterfactual links owned by the dataset are removed.
	DeleteDataset(ctx context.Context, id string) error

	// AddPersonas attaches personas to a dataset.
	AddPersonas(ctx context.Context, datasetID string, personas []Persona) error

	// PersonaPage returns up to limit personas of the dataset whose UUID
	// is strictly greater than afterUUID, ascending. Keyset pagination
	// keeps memory bounded regardless of dataset size.
	PersonaPage(ctx context.Context, datasetID, afterUUID string, limit int) ([]Persona, error)

	CountPersonas(ctx context.Context, datasetID string) (int, error)

	// PersonaAttributes returns the generated attributes of one persona
	// for a given attribute-generation run, keyed by attribute name.
	PersonaAttributes(ctx context.Context, personaUUID, attrGenRunID string) (map[string]string, error)

	PutPersonaAttributes(ctx context.Context, attrs []PersonaAttribute) error

	// Traits.

	UpsertTraits(ctx context.Context, traits []Trait) error
	ActiveTraits(ctx context.Context) ([]Trait, error)

	// DeleteTrait refuses with ErrTraitInUse once any result references
	// the trait.
	DeleteTrait(ctx context.Context, traitID string) error

	// Runs.

	CreateRun(ctx context.Context, run *BenchmarkRun) error
	GetRun(ctx context.Context, runID string) (*BenchmarkRun, error)
	SetRunStatus(ctx context.Context, runID string, status RunStatus) error

	// DeleteRun removes the run with its results, failures and cache
	// entries.
	DeleteRun(ctx context.Context, runID string) error

	// Results.

	// InsertResults performs a conflict-ignored batch insert in one
	// transaction and reports the number of rows actually accepted.
	InsertResults(ctx context.Context, rows []BenchmarkResult) (int, error)

	// CountResults counts distinct persisted triples for the run.
	CountResults(ctx context.Context, runID string) (int, error)

	// CompletedKeys returns the set of triples already persisted,
	// used for resume skip-sets.
	CompletedKeys(ctx context.Context, runID string) (map[ResultKey]struct{}, error)

	InsertFailure(ctx context.Context, entry *FailLog) error
	CountFailures(ctx context.Context, runID string) (int, error)
	Failures(ctx context.Context, runID string) ([]FailLog, error)

	// Task queue.

	EnqueueTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// QueuedTasks returns tasks in status queued, FIFO by CreatedAt with
	// Position as tie-breaker.
	QueuedTasks(ctx context.Context) ([]Task, error)

	UpdateTask(ctx context.Context, task *Task) error

	// ResetRunningTasks transitions every running task back to queued
	// and reports how many were recovered. Called on executor start.
	ResetRunningTasks(ctx context.Context) (int, error)

	// CancelDependents cascade-cancels queued tasks whose dependency
	// chain leads to taskID, recording reason as their error.
	CancelDependents(ctx context.Context, taskID, reason string) error

	// Result cache.

	CacheGet(ctx context.Context, runID, kind, key string) ([]byte, bool, error)
	CachePut(ctx context.Context, runID, kind, key string, payload []byte) error
	CacheClear(ctx context.Context, runID string) error

	// Counterfactual links.

	AddCounterfactualLinks(ctx context.Context, links []CounterfactualLink) error
	CounterfactualLinks(ctx context.Context, datasetID string) ([]CounterfactualLink, error)

	// Close releases the underlying handle.
	Close() error
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default single-file backend.
//
// Designed for:
//   - Development and single-host deployments with zero setup
//   - Long benchmark runs that must survive process restarts
//
// SQLiteStore uses WAL mode so the progress poller and analytics
// readers can read while the persister writes. The connection pool is
// capped at one writer, which matches SQLite's locking model; the
// persister additionally serializes batches with its own mutex.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and if needed creates) the database at path.
//
// Use ":memory:" for an in-memory database in tests. The store enables
// WAL mode, foreign keys and a 5 s busy timeout, and auto-migrates the
// schema on first use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS personas (
			uuid TEXT PRIMARY KEY,
			age INTEGER NOT NULL,
			gender TEXT NOT NULL DEFAULT '',
			education TEXT NOT NULL DEFAULT '',
			occupation TEXT NOT NULL DEFAULT '',
			marital_status TEXT NOT NULL DEFAULT '',
			migration_status TEXT NOT NULL DEFAULT '',
			origin_country TEXT NOT NULL DEFAULT '',
			religion TEXT NOT NULL DEFAULT '',
			sexuality TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS dataset_personas (
			dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
			persona_uuid TEXT NOT NULL REFERENCES personas(uuid) ON DELETE CASCADE,
			PRIMARY KEY (dataset_id, persona_uuid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dataset_personas_uuid
			ON dataset_personas(dataset_id, persona_uuid)`,
		`CREATE TABLE IF NOT EXISTS persona_attributes (
			persona_uuid TEXT NOT NULL,
			attr_gen_run_id TEXT NOT NULL,
			attr_key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (persona_uuid, attr_gen_run_id, attr_key)
		)`,
		`CREATE TABLE IF NOT EXISTS traits (
			id TEXT PRIMARY KEY,
			adjective TEXT NOT NULL,
			case_template TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			valence INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS benchmark_runs (
			id TEXT PRIMARY KEY,
			dataset_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			batch_size INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			include_rationale INTEGER NOT NULL DEFAULT 0,
			system_prompt TEXT NOT NULL DEFAULT '',
			scale_mode TEXT NOT NULL DEFAULT 'in',
			dual_fraction REAL NOT NULL DEFAULT 0,
			max_new_tokens INTEGER NOT NULL DEFAULT 0,
			backend TEXT NOT NULL DEFAULT 'vllm',
			base_url TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT '',
			skip_completed INTEGER NOT NULL DEFAULT 0,
			attr_gen_run_id TEXT NOT NULL DEFAULT '',
			template_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS benchmark_results (
			run_id TEXT NOT NULL,
			persona_uuid TEXT NOT NULL,
			case_id TEXT NOT NULL,
			scale_order TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			answer_raw TEXT NOT NULL DEFAULT '',
			rating INTEGER,
			rating_raw INTEGER,
			gen_time_ms INTEGER NOT NULL DEFAULT 0,
			model_name TEXT NOT NULL DEFAULT '',
			template_version TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, persona_uuid, case_id, scale_order)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run ON benchmark_results(run_id)`,
		`CREATE TABLE IF NOT EXISTS fail_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			persona_uuid TEXT NOT NULL,
			case_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL,
			error_kind TEXT NOT NULL,
			raw_snippet TEXT NOT NULL DEFAULT '',
			prompt_snippet TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fail_log_run ON fail_log(run_id)`,
		`CREATE TABLE IF NOT EXISTS task_queue (
			id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued',
			position INTEGER NOT NULL DEFAULT 0,
			depends_on TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL DEFAULT '{}',
			result_run_id TEXT NOT NULL DEFAULT '',
			result_run_type TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_queue_status ON task_queue(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS result_cache (
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, kind, cache_key)
		)`,
		`CREATE TABLE IF NOT EXISTS counterfactual_links (
			dataset_id TEXT NOT NULL,
			source_uuid TEXT NOT NULL,
			counter_uuid TEXT NOT NULL,
			changed_attr TEXT NOT NULL,
			from_value TEXT NOT NULL DEFAULT '',
			to_value TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (dataset_id, source_uuid, counter_uuid)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateDataset inserts a dataset record.
func (s *SQLiteStore) CreateDataset(ctx context.Context, d *Dataset) error {
	config := d.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, name, kind, config) VALUES (?, ?, ?, ?)`,
		d.ID, d.Name, d.Kind, string(config))
	if err != nil {
		return fmt.Errorf("failed to insert dataset: %w", err)
	}
	return nil
}

// GetDataset returns a dataset by ID.
func (s *SQLiteStore) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	var d Dataset
	var config string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, config, created_at FROM datasets WHERE id = ?`, id).
		Scan(&d.ID, &d.Name, &d.Kind, &config, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dataset: %w", err)
	}
	d.Config = []byte(config)
	return &d, nil
}

// DeleteDataset removes the dataset and cascades to personas, runs,
// results, failures, cache entries and counterfactual links.
func (s *SQLiteStore) DeleteDataset(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	// benchmark_runs has no FK on datasets so runs can outlive imports;
	// cascade by hand inside the same transaction.
	rows, err := tx.QueryContext(ctx, `SELECT id FROM benchmark_runs WHERE dataset_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan run id: %w", err)
		}
		runIDs = append(runIDs, runID)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("failed to close rows: %w", err)
	}

	for _, runID := range runIDs {
		for _, q := range []string{
			`DELETE FROM benchmark_results WHERE run_id = ?`,
			`DELETE FROM fail_log WHERE run_id = ?`,
			`DELETE FROM result_cache WHERE run_id = ?`,
			`DELETE FROM benchmark_runs WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, runID); err != nil {
				return fmt.Errorf("failed to cascade run delete: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM counterfactual_links WHERE dataset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete links: %w", err)
	}

	return tx.Commit()
}

// AddPersonas inserts personas and their dataset membership edges in a
// single transaction.
func (s *SQLiteStore) AddPersonas(ctx context.Context, datasetID string, personas []Persona) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range personas {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO personas
			 (uuid, age, gender, education, occupation, marital_status,
			  migration_status, origin_country, religion, sexuality)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.UUID, p.Age, p.Gender, p.Education, p.Occupation, p.MaritalStatus,
			p.MigrationStatus, p.OriginCountry, p.Religion, p.Sexuality); err != nil {
			return fmt.Errorf("failed to insert persona: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO dataset_personas (dataset_id, persona_uuid) VALUES (?, ?)`,
			datasetID, p.UUID); err != nil {
			return fmt.Errorf("failed to insert membership: %w", err)
		}
	}
	return tx.Commit()
}

// PersonaPage returns up to limit personas with UUID > afterUUID,
// ascending. Keyset pagination over the membership index.
func (s *SQLiteStore) PersonaPage(ctx context.Context, datasetID, afterUUID string, limit int) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.uuid, p.age, p.gender, p.education, p.occupation, p.marital_status,
		        p.migration_status, p.origin_country, p.religion, p.sexuality
		 FROM dataset_personas dp
		 JOIN personas p ON p.uuid = dp.persona_uuid
		 WHERE dp.dataset_id = ? AND dp.persona_uuid > ?
		 ORDER BY dp.persona_uuid ASC
		 LIMIT ?`, datasetID, afterUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query persona page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Persona, 0, limit)
	for rows.Next() {
		var p Persona
		if err := rows.Scan(&p.UUID, &p.Age, &p.Gender, &p.Education, &p.Occupation,
			&p.MaritalStatus, &p.MigrationStatus, &p.OriginCountry, &p.Religion,
			&p.Sexuality); err != nil {
			return nil, fmt.Errorf("failed to scan persona: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPersonas counts dataset members.
func (s *SQLiteStore) CountPersonas(ctx context.Context, datasetID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dataset_personas WHERE dataset_id = ?`, datasetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count personas: %w", err)
	}
	return n, nil
}

// PersonaAttributes returns generated attributes keyed by name.
func (s *SQLiteStore) PersonaAttributes(ctx context.Context, personaUUID, attrGenRunID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attr_key, value FROM persona_attributes
		 WHERE persona_uuid = ? AND attr_gen_run_id = ?`, personaUUID, attrGenRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attributes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// PutPersonaAttributes upserts generated attributes.
func (s *SQLiteStore) PutPersonaAttributes(ctx context.Context, attrs []PersonaAttribute) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO persona_attributes (persona_uuid, attr_gen_run_id, attr_key, value)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(persona_uuid, attr_gen_run_id, attr_key) DO UPDATE SET value = excluded.value`,
			a.PersonaUUID, a.AttrGenRunID, a.Key, a.Value); err != nil {
			return fmt.Errorf("failed to upsert attribute: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertTraits inserts or replaces traits by ID.
func (s *SQLiteStore) UpsertTraits(ctx context.Context, traits []Trait) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range traits {
		active := 0
		if t.Active {
			active = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO traits (id, adjective, case_template, category, valence, is_active)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   adjective = excluded.adjective,
			   case_template = excluded.case_template,
			   category = excluded.category,
			   valence = excluded.valence,
			   is_active = excluded.is_active`,
			t.ID, t.Adjective, t.CaseTemplate, t.Category, t.Valence, active); err != nil {
			return fmt.Errorf("failed to upsert trait: %w", err)
		}
	}
	return tx.Commit()
}

// ActiveTraits returns active traits ordered by ID.
func (s *SQLiteStore) ActiveTraits(ctx context.Context) ([]Trait, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, adjective, case_template, category, valence, is_active
		 FROM traits WHERE is_active = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query traits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Trait
	for rows.Next() {
		var t Trait
		var active int
		if err := rows.Scan(&t.ID, &t.Adjective, &t.CaseTemplate, &t.Category, &t.Valence, &active); err != nil {
			return nil, fmt.Errorf("failed to scan trait: %w", err)
		}
		t.Active = active != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTrait removes a trait unless any benchmark result references it.
func (s *SQLiteStore) DeleteTrait(ctx context.Context, traitID string) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM benchmark_results WHERE case_id = ?`, traitID).Scan(&n); err != nil {
		return fmt.Errorf("failed to check trait usage: %w", err)
	}
	if n > 0 {
		return ErrTraitInUse
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM traits WHERE id = ?`, traitID)
	if err != nil {
		return fmt.Errorf("failed to delete trait: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun inserts a run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *BenchmarkRun) error {
	status := run.Status
	if status == "" {
		status = RunQueued
	}
	includeRationale, skipCompleted := 0, 0
	if run.IncludeRationale {
		includeRationale = 1
	}
	if run.SkipCompleted {
		skipCompleted = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO benchmark_runs
		 (id, dataset_id, model_id, batch_size, max_attempts, include_rationale,
		  system_prompt, scale_mode, dual_fraction, max_new_tokens, backend,
		  base_url, api_key, skip_completed, attr_gen_run_id, template_version, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DatasetID, run.ModelID, run.BatchSize, run.MaxAttempts,
		includeRationale, run.SystemPrompt, string(run.ScaleMode), run.DualFraction,
		run.MaxNewTokens, run.Backend, run.BaseURL, run.APIKey, skipCompleted,
		run.AttrGenRunID, run.TemplateVersion, string(status))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*BenchmarkRun, error) {
	var run BenchmarkRun
	var includeRationale, skipCompleted int
	var mode, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dataset_id, model_id, batch_size, max_attempts, include_rationale,
		        system_prompt, scale_mode, dual_fraction, max_new_tokens, backend,
		        base_url, api_key, skip_completed, attr_gen_run_id, template_version,
		        status, created_at
		 FROM benchmark_runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.DatasetID, &run.ModelID, &run.BatchSize, &run.MaxAttempts,
			&includeRationale, &run.SystemPrompt, &mode, &run.DualFraction,
			&run.MaxNewTokens, &run.Backend, &run.BaseURL, &run.APIKey, &skipCompleted,
			&run.AttrGenRunID, &run.TemplateVersion, &status, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	run.IncludeRationale = includeRationale != 0
	run.SkipCompleted = skipCompleted != 0
	run.ScaleMode = ScaleMode(mode)
	run.Status = RunStatus(status)
	return &run, nil
}

// SetRunStatus updates run status.
func (s *SQLiteStore) SetRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE benchmark_runs SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRun removes the run with its results, failures and cache.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM benchmark_runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM benchmark_results WHERE run_id = ?`,
		`DELETE FROM fail_log WHERE run_id = ?`,
		`DELETE FROM result_cache WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, runID); err != nil {
			return fmt.Errorf("failed to cascade run delete: %w", err)
		}
	}
	return tx.Commit()
}

// InsertResults performs a conflict-ignored batch insert in one
// transaction and reports the number of rows actually accepted.
func (s *SQLiteStore) InsertResults(ctx context.Context, rows []BenchmarkResult) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO benchmark_results
		 (run_id, persona_uuid, case_id, scale_order, attempt, answer_raw,
		  rating, rating_raw, gen_time_ms, model_name, template_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	accepted := 0
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx,
			r.RunID, r.PersonaUUID, r.CaseID, string(r.Order), r.Attempt,
			r.AnswerRaw, r.Rating, r.RatingRaw, r.GenTimeMS, r.ModelName,
			r.TemplateVersion)
		if err != nil {
			return 0, fmt.Errorf("failed to insert result: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			accepted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return accepted, nil
}

// CountResults counts distinct persisted triples for the run.
func (s *SQLiteStore) CountResults(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT persona_uuid || '|' || case_id || '|' || scale_order)
		 FROM benchmark_results WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return n, nil
}

// CompletedKeys returns the set of persisted triples for resume.
func (s *SQLiteStore) CompletedKeys(ctx context.Context, runID string) (map[ResultKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona_uuid, case_id, scale_order FROM benchmark_results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[ResultKey]struct{})
	for rows.Next() {
		var k ResultKey
		var order string
		if err := rows.Scan(&k.PersonaUUID, &k.CaseID, &order); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		k.Order = ScaleOrder(order)
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

// InsertFailure appends a fail-log entry.
func (s *SQLiteStore) InsertFailure(ctx context.Context, entry *FailLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fail_log
		 (run_id, persona_uuid, case_id, model_id, attempt, error_kind, raw_snippet, prompt_snippet)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.PersonaUUID, entry.CaseID, entry.ModelID,
		entry.Attempt, entry.ErrorKind, entry.RawSnippet, entry.PromptSnip)
	if err != nil {
		return fmt.Errorf("failed to insert failure: %w", err)
	}
	return nil
}

// CountFailures counts fail-log entries for the run.
func (s *SQLiteStore) CountFailures(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fail_log WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return n, nil
}

// Failures returns the fail log for the run, oldest first.
func (s *SQLiteStore) Failures(ctx context.Context, runID string) ([]FailLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, persona_uuid, case_id, model_id, attempt, error_kind,
		        raw_snippet, prompt_snippet, created_at
		 FROM fail_log WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FailLog
	for rows.Next() {
		var f FailLog
		if err := rows.Scan(&f.RunID, &f.PersonaUUID, &f.CaseID, &f.ModelID,
			&f.Attempt, &f.ErrorKind, &f.RawSnippet, &f.PromptSnip, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// EnqueueTask inserts a task in status queued.
func (s *SQLiteStore) EnqueueTask(ctx context.Context, task *Task) error {
	status := task.Status
	if status == "" {
		status = TaskQueued
	}
	config := task.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_queue (id, task_type, label, status, position, depends_on, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Type, task.Label, string(status), task.Position,
		task.DependsOn, string(config))
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func scanTask(scan func(...any) error) (*Task, error) {
	var t Task
	var status, config string
	var startedAt, finishedAt sql.NullTime
	err := scan(&t.ID, &t.Type, &t.Label, &status, &t.Position, &t.DependsOn,
		&config, &t.ResultRunID, &t.ResultRunType, &t.Error, &t.CreatedAt,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Config = []byte(config)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	return &t, nil
}

const taskColumns = `id, task_type, label, status, position, depends_on, config,
	result_run_id, result_run_type, error, created_at, started_at, finished_at`

// GetTask returns a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// QueuedTasks returns queued tasks, FIFO by created_at with position as
// tie-breaker.
func (s *SQLiteStore) QueuedTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue
		 WHERE status = 'queued' ORDER BY created_at ASC, position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTask replaces the mutable columns of a task row.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ?, result_run_id = ?, result_run_type = ?,
		        error = ?, started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(task.Status), task.ResultRunID, task.ResultRunType, task.Error,
		task.StartedAt, task.FinishedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetRunningTasks recovers orphans left by a crashed process.
func (s *SQLiteStore) ResetRunningTasks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET status = 'queued', started_at = NULL WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CancelDependents cascade-cancels queued tasks depending, directly or
// transitively, on taskID.
func (s *SQLiteStore) CancelDependents(ctx context.Context, taskID, reason string) error {
	// Breadth-first over the dependency edges; the queue is small so a
	// loop of UPDATE ... RETURNING-free passes is fine.
	frontier := []string{taskID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			rows, err := s.db.QueryContext(ctx,
				`SELECT id FROM task_queue WHERE status = 'queued' AND depends_on = ?`, id)
			if err != nil {
				return fmt.Errorf("failed to query dependents: %w", err)
			}
			for rows.Next() {
				var depID string
				if err := rows.Scan(&depID); err != nil {
					_ = rows.Close()
					return fmt.Errorf("failed to scan dependent: %w", err)
				}
				next = append(next, depID)
			}
			if err := rows.Close(); err != nil {
				return fmt.Errorf("failed to close rows: %w", err)
			}
		}
		for _, depID := range next {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE task_queue SET status = 'cancelled', error = ?, finished_at = CURRENT_TIMESTAMP
				 WHERE id = ? AND status = 'queued'`, reason, depID); err != nil {
				return fmt.Errorf("failed to cancel dependent: %w", err)
			}
		}
		frontier = next
	}
	return nil
}

// CacheGet returns a cached payload if present.
func (s *SQLiteStore) CacheGet(ctx context.Context, runID, kind, key string) ([]byte, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM result_cache WHERE run_id = ? AND kind = ? AND cache_key = ?`,
		runID, kind, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query cache: %w", err)
	}
	return []byte(payload), true, nil
}

// CachePut upserts a cached payload.
func (s *SQLiteStore) CachePut(ctx context.Context, runID, kind, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO result_cache (run_id, kind, cache_key, payload, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(run_id, kind, cache_key) DO UPDATE SET
		   payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`,
		runID, kind, key, string(payload))
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// CacheClear drops all cache entries of the run.
func (s *SQLiteStore) CacheClear(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// AddCounterfactualLinks stores persona pairings.
func (s *SQLiteStore) AddCounterfactualLinks(ctx context.Context, links []CounterfactualLink) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, l := range links {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO counterfactual_links
			 (dataset_id, source_uuid, counter_uuid, changed_attr, from_value, to_value)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			l.DatasetID, l.SourceUUID, l.CounterUUID, l.ChangedAttr, l.FromValue, l.ToValue); err != nil {
			return fmt.Errorf("failed to insert link: %w", err)
		}
	}
	return tx.Commit()
}

// CounterfactualLinks returns the pairings of a dataset.
func (s *SQLiteStore) CounterfactualLinks(ctx context.Context, datasetID string) ([]CounterfactualLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dataset_id, source_uuid, counter_uuid, changed_attr, from_value, to_value
		 FROM counterfactual_links WHERE dataset_id = ?`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CounterfactualLink
	for rows.Next() {
		var l CounterfactualLink
		if err := rows.Scan(&l.DatasetID, &l.SourceUUID, &l.CounterUUID,
			&l.ChangedAttr, &l.FromValue, &l.ToValue); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

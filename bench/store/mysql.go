package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for shared deployments where several processes (API, queue
// executor, analytics readers) point at the same database. Uses
// connection pooling and one transaction per batch write.
//
// The DSN must include parseTime=true so TIMESTAMP columns scan into
// time.Time:
//
//	user:pass@tcp(localhost:3306)/biasbench?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a pooled connection and auto-migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS datasets (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			config JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS personas (
			uuid VARCHAR(64) PRIMARY KEY,
			age INT NOT NULL,
			gender VARCHAR(64) NOT NULL DEFAULT '',
			education VARCHAR(128) NOT NULL DEFAULT '',
			occupation VARCHAR(255) NOT NULL DEFAULT '',
			marital_status VARCHAR(64) NOT NULL DEFAULT '',
			migration_status VARCHAR(64) NOT NULL DEFAULT '',
			origin_country VARCHAR(128) NOT NULL DEFAULT '',
			religion VARCHAR(128) NOT NULL DEFAULT '',
			sexuality VARCHAR(64) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS dataset_personas (
			dataset_id VARCHAR(64) NOT NULL,
			persona_uuid VARCHAR(64) NOT NULL,
			PRIMARY KEY (dataset_id, persona_uuid)
		)`,
		`CREATE TABLE IF NOT EXISTS persona_attributes (
			persona_uuid VARCHAR(64) NOT NULL,
			attr_gen_run_id VARCHAR(64) NOT NULL,
			attr_key VARCHAR(64) NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (persona_uuid, attr_gen_run_id, attr_key)
		)`,
		`CREATE TABLE IF NOT EXISTS traits (
			id VARCHAR(64) PRIMARY KEY,
			adjective VARCHAR(128) NOT NULL,
			case_template TEXT,
			category VARCHAR(128) NOT NULL DEFAULT '',
			valence INT NOT NULL DEFAULT 0,
			is_active TINYINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS benchmark_runs (
			id VARCHAR(64) PRIMARY KEY,
			dataset_id VARCHAR(64) NOT NULL,
			model_id VARCHAR(255) NOT NULL,
			batch_size INT NOT NULL,
			max_attempts INT NOT NULL,
			include_rationale TINYINT NOT NULL DEFAULT 0,
			system_prompt TEXT,
			scale_mode VARCHAR(8) NOT NULL DEFAULT 'in',
			dual_fraction DOUBLE NOT NULL DEFAULT 0,
			max_new_tokens INT NOT NULL DEFAULT 0,
			backend VARCHAR(32) NOT NULL DEFAULT 'vllm',
			base_url VARCHAR(255) NOT NULL DEFAULT '',
			api_key VARCHAR(255) NOT NULL DEFAULT '',
			skip_completed TINYINT NOT NULL DEFAULT 0,
			attr_gen_run_id VARCHAR(64) NOT NULL DEFAULT '',
			template_version VARCHAR(32) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT 'queued',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS benchmark_results (
			run_id VARCHAR(64) NOT NULL,
			persona_uuid VARCHAR(64) NOT NULL,
			case_id VARCHAR(64) NOT NULL,
			scale_order VARCHAR(4) NOT NULL,
			attempt INT NOT NULL,
			answer_raw MEDIUMTEXT,
			rating INT,
			rating_raw INT,
			gen_time_ms BIGINT NOT NULL DEFAULT 0,
			model_name VARCHAR(255) NOT NULL DEFAULT '',
			template_version VARCHAR(32) NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY uq_result (run_id, persona_uuid, case_id, scale_order),
			KEY idx_results_run (run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS fail_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			persona_uuid VARCHAR(64) NOT NULL,
			case_id VARCHAR(64) NOT NULL DEFAULT '',
			model_id VARCHAR(255) NOT NULL DEFAULT '',
			attempt INT NOT NULL,
			error_kind VARCHAR(32) NOT NULL,
			raw_snippet TEXT,
			prompt_snippet TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			KEY idx_fail_log_run (run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_queue (
			id VARCHAR(64) PRIMARY KEY,
			task_type VARCHAR(32) NOT NULL,
			label VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT 'queued',
			position INT NOT NULL DEFAULT 0,
			depends_on VARCHAR(64) NOT NULL DEFAULT '',
			config JSON NOT NULL,
			result_run_id VARCHAR(64) NOT NULL DEFAULT '',
			result_run_type VARCHAR(32) NOT NULL DEFAULT '',
			error TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP NULL,
			finished_at TIMESTAMP NULL,
			KEY idx_task_queue_status (status, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS result_cache (
			run_id VARCHAR(64) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			cache_key VARCHAR(128) NOT NULL,
			payload MEDIUMTEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, kind, cache_key)
		)`,
		`CREATE TABLE IF NOT EXISTS counterfactual_links (
			dataset_id VARCHAR(64) NOT NULL,
			source_uuid VARCHAR(64) NOT NULL,
			counter_uuid VARCHAR(64) NOT NULL,
			changed_attr VARCHAR(64) NOT NULL,
			from_value VARCHAR(255) NOT NULL DEFAULT '',
			to_value VARCHAR(255) NOT NULL DEFAULT '',
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
func (s *MySQLStore) CreateDataset(ctx context.Context, d *Dataset) error {
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
func (s *MySQLStore) GetDataset(ctx context.Context, id string) (*Dataset, error) {
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

// DeleteDataset removes the dataset and cascades by hand inside one
// transaction (membership, personas are shared and left in place for
// other datasets; runs/results/failures/cache/links are removed).
func (s *MySQLStore) DeleteDataset(ctx context.Context, id string) error {
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
	if _, err := tx.ExecContext(ctx, `DELETE FROM dataset_personas WHERE dataset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete memberships: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE r FROM benchmark_results r
		 JOIN benchmark_runs br ON br.id = r.run_id WHERE br.dataset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE f FROM fail_log f
		 JOIN benchmark_runs br ON br.id = f.run_id WHERE br.dataset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete failures: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE c FROM result_cache c
		 JOIN benchmark_runs br ON br.id = c.run_id WHERE br.dataset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM benchmark_runs WHERE dataset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM counterfactual_links WHERE dataset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete links: %w", err)
	}
	return tx.Commit()
}

// AddPersonas inserts personas and membership edges in one transaction.
func (s *MySQLStore) AddPersonas(ctx context.Context, datasetID string, personas []Persona) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range personas {
		if _, err := tx.ExecContext(ctx,
			`INSERT IGNORE INTO personas
			 (uuid, age, gender, education, occupation, marital_status,
			  migration_status, origin_country, religion, sexuality)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.UUID, p.Age, p.Gender, p.Education, p.Occupation, p.MaritalStatus,
			p.MigrationStatus, p.OriginCountry, p.Religion, p.Sexuality); err != nil {
			return fmt.Errorf("failed to insert persona: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT IGNORE INTO dataset_personas (dataset_id, persona_uuid) VALUES (?, ?)`,
			datasetID, p.UUID); err != nil {
			return fmt.Errorf("failed to insert membership: %w", err)
		}
	}
	return tx.Commit()
}

// PersonaPage returns up to limit personas with UUID > afterUUID.
func (s *MySQLStore) PersonaPage(ctx context.Context, datasetID, afterUUID string, limit int) ([]Persona, error) {
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
func (s *MySQLStore) CountPersonas(ctx context.Context, datasetID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dataset_personas WHERE dataset_id = ?`, datasetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count personas: %w", err)
	}
	return n, nil
}

// PersonaAttributes returns generated attributes keyed by name.
func (s *MySQLStore) PersonaAttributes(ctx context.Context, personaUUID, attrGenRunID string) (map[string]string, error) {
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
func (s *MySQLStore) PutPersonaAttributes(ctx context.Context, attrs []PersonaAttribute) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO persona_attributes (persona_uuid, attr_gen_run_id, attr_key, value)
			 VALUES (?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE value = VALUES(value)`,
			a.PersonaUUID, a.AttrGenRunID, a.Key, a.Value); err != nil {
			return fmt.Errorf("failed to upsert attribute: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertTraits inserts or replaces traits by ID.
func (s *MySQLStore) UpsertTraits(ctx context.Context, traits []Trait) error {
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
			 ON DUPLICATE KEY UPDATE
			   adjective = VALUES(adjective),
			   case_template = VALUES(case_template),
			   category = VALUES(category),
			   valence = VALUES(valence),
			   is_active = VALUES(is_active)`,
			t.ID, t.Adjective, t.CaseTemplate, t.Category, t.Valence, active); err != nil {
			return fmt.Errorf("failed to upsert trait: %w", err)
		}
	}
	return tx.Commit()
}

// ActiveTraits returns active traits ordered by ID.
func (s *MySQLStore) ActiveTraits(ctx context.Context) ([]Trait, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, adjective, COALESCE(case_template, ''), category, valence, is_active
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
func (s *MySQLStore) DeleteTrait(ctx context.Context, traitID string) error {
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
func (s *MySQLStore) CreateRun(ctx context.Context, run *BenchmarkRun) error {
	status := run.Status
	if status == "" {
		status = RunQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO benchmark_runs
		 (id, dataset_id, model_id, batch_size, max_attempts, include_rationale,
		  system_prompt, scale_mode, dual_fraction, max_new_tokens, backend,
		  base_url, api_key, skip_completed, attr_gen_run_id, template_version, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DatasetID, run.ModelID, run.BatchSize, run.MaxAttempts,
		run.IncludeRationale, run.SystemPrompt, string(run.ScaleMode), run.DualFraction,
		run.MaxNewTokens, run.Backend, run.BaseURL, run.APIKey, run.SkipCompleted,
		run.AttrGenRunID, run.TemplateVersion, string(status))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *MySQLStore) GetRun(ctx context.Context, runID string) (*BenchmarkRun, error) {
	var run BenchmarkRun
	var mode, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dataset_id, model_id, batch_size, max_attempts, include_rationale,
		        COALESCE(system_prompt, ''), scale_mode, dual_fraction, max_new_tokens,
		        backend, base_url, api_key, skip_completed, attr_gen_run_id,
		        template_version, status, created_at
		 FROM benchmark_runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.DatasetID, &run.ModelID, &run.BatchSize, &run.MaxAttempts,
			&run.IncludeRationale, &run.SystemPrompt, &mode, &run.DualFraction,
			&run.MaxNewTokens, &run.Backend, &run.BaseURL, &run.APIKey,
			&run.SkipCompleted, &run.AttrGenRunID, &run.TemplateVersion, &status,
			&run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	run.ScaleMode = ScaleMode(mode)
	run.Status = RunStatus(status)
	return &run, nil
}

// SetRunStatus updates run status.
func (s *MySQLStore) SetRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE benchmark_runs SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// MySQL reports 0 affected rows for no-op updates; confirm the
		// run exists before treating this as missing.
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRun removes the run with its results, failures and cache.
func (s *MySQLStore) DeleteRun(ctx context.Context, runID string) error {
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
// transaction and reports how many rows were accepted.
func (s *MySQLStore) InsertResults(ctx context.Context, rows []BenchmarkResult) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT IGNORE INTO benchmark_results
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
func (s *MySQLStore) CountResults(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT persona_uuid, case_id, scale_order)
		 FROM benchmark_results WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return n, nil
}

// CompletedKeys returns the set of persisted triples for resume.
func (s *MySQLStore) CompletedKeys(ctx context.Context, runID string) (map[ResultKey]struct{}, error) {
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
func (s *MySQLStore) InsertFailure(ctx context.Context, entry *FailLog) error {
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
func (s *MySQLStore) CountFailures(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fail_log WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return n, nil
}

// Failures returns the fail log for the run, oldest first.
func (s *MySQLStore) Failures(ctx context.Context, runID string) ([]FailLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, persona_uuid, case_id, model_id, attempt, error_kind,
		        COALESCE(raw_snippet, ''), COALESCE(prompt_snippet, ''), created_at
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
func (s *MySQLStore) EnqueueTask(ctx context.Context, task *Task) error {
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

// GetTask returns a task by ID.
func (s *MySQLStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_type, label, status, position, depends_on, config,
		        result_run_id, result_run_type, COALESCE(error, ''), created_at,
		        started_at, finished_at
		 FROM task_queue WHERE id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// QueuedTasks returns queued tasks, FIFO by created_at.
func (s *MySQLStore) QueuedTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_type, label, status, position, depends_on, config,
		        result_run_id, result_run_type, COALESCE(error, ''), created_at,
		        started_at, finished_at
		 FROM task_queue WHERE status = 'queued'
		 ORDER BY created_at ASC, position ASC`)
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
func (s *MySQLStore) UpdateTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ?, result_run_id = ?, result_run_type = ?,
		        error = ?, started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(task.Status), task.ResultRunID, task.ResultRunType, task.Error,
		task.StartedAt, task.FinishedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// ResetRunningTasks recovers orphans left by a crashed process.
func (s *MySQLStore) ResetRunningTasks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET status = 'queued', started_at = NULL WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CancelDependents cascade-cancels queued tasks depending on taskID.
func (s *MySQLStore) CancelDependents(ctx context.Context, taskID, reason string) error {
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
				`UPDATE task_queue SET status = 'cancelled', error = ?, finished_at = NOW()
				 WHERE id = ? AND status = 'queued'`, reason, depID); err != nil {
				return fmt.Errorf("failed to cancel dependent: %w", err)
			}
		}
		frontier = next
	}
	return nil
}

// CacheGet returns a cached payload if present.
func (s *MySQLStore) CacheGet(ctx context.Context, runID, kind, key string) ([]byte, bool, error) {
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
func (s *MySQLStore) CachePut(ctx context.Context, runID, kind, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO result_cache (run_id, kind, cache_key, payload)
		 VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = NOW()`,
		runID, kind, key, string(payload))
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// CacheClear drops all cache entries of the run.
func (s *MySQLStore) CacheClear(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// AddCounterfactualLinks stores persona pairings.
func (s *MySQLStore) AddCounterfactualLinks(ctx context.Context, links []CounterfactualLink) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, l := range links {
		if _, err := tx.ExecContext(ctx,
			`INSERT IGNORE INTO counterfactual_links
			 (dataset_id, source_uuid, counter_uuid, changed_attr, from_value, to_value)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			l.DatasetID, l.SourceUUID, l.CounterUUID, l.ChangedAttr, l.FromValue, l.ToValue); err != nil {
			return fmt.Errorf("failed to insert link: %w", err)
		}
	}
	return tx.Commit()
}

// CounterfactualLinks returns the pairings of a dataset.
func (s *MySQLStore) CounterfactualLinks(ctx context.Context, datasetID string) ([]CounterfactualLink, error) {
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
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// Reef is a rolling firmware update engine for Redfish BMC fleets.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed job store and workflow step
// journal persistence: schema migrations, pending-job dispatch reads,
// status/details patches, host inventory resolution, and step upserts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"reef/pkg/crypto"
	"reef/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Store wraps a SQLite database connection and provides typed accessors.
// An optional Encryptor transparently encrypts BMC passwords at rest.
type Store struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store. enc may be nil, in
// which case BMC passwords are stored as given.
func Open(ctx context.Context, path string, enc *crypto.Encryptor) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, enc: enc}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// hosts table: target inventory with BMC access details
		`CREATE TABLE IF NOT EXISTS hosts (
  id            TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  model         TEXT NULL,
  group_id      TEXT NULL,
  bmc_address   TEXT NOT NULL,
  bmc_username  TEXT NOT NULL,
  bmc_password  TEXT NOT NULL,
  hypervisor_json TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_group ON hosts(group_id);`,

		// jobs table
		`CREATE TABLE IF NOT EXISTS jobs (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  status        TEXT NOT NULL CHECK (status IN ('pending','running','paused','completed','failed','cancelled')),
  details_json  TEXT NOT NULL,
  target_json   TEXT NOT NULL,
  created_by    TEXT NOT NULL,
  scheduled_at  TIMESTAMP NOT NULL,
  created_at    TIMESTAMP NOT NULL,
  updated_at    TIMESTAMP NOT NULL,
  started_at    TIMESTAMP NULL,
  completed_at  TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_sched ON jobs(status, scheduled_at);`,

		// workflow_steps table; (job_id, step_number) drives the upsert
		`CREATE TABLE IF NOT EXISTS workflow_steps (
  job_id       TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  step_number  INTEGER NOT NULL,
  name         TEXT NOT NULL,
  status       TEXT NOT NULL CHECK (status IN ('running','completed','failed','paused','skipped','warning')),
  started_at   TIMESTAMP NOT NULL,
  completed_at TIMESTAMP NULL,
  details_json TEXT NULL,
  step_error   TEXT NULL,
  PRIMARY KEY (job_id, step_number)
);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_job ON workflow_steps(job_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Hosts ---------------

// UpsertHost inserts or updates a target host record by id, encrypting the
// BMC password when an encryptor is configured.
func (s *Store) UpsertHost(ctx context.Context, h models.TargetHost) error {
	pass := h.BMC.Password
	if s.enc != nil && pass != "" {
		encPass, err := s.enc.Encrypt(pass)
		if err != nil {
			return fmt.Errorf("encrypt bmc password: %w", err)
		}
		pass = encPass
	}

	var hvJSON any
	if h.Hypervisor != nil {
		b, err := json.Marshal(h.Hypervisor)
		if err != nil {
			return fmt.Errorf("marshal hypervisor ref: %w", err)
		}
		hvJSON = string(b)
	}

	const upsert = `
INSERT INTO hosts(id, name, model, group_id, bmc_address, bmc_username, bmc_password, hypervisor_json)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  model=excluded.model,
  group_id=excluded.group_id,
  bmc_address=excluded.bmc_address,
  bmc_username=excluded.bmc_username,
  bmc_password=excluded.bmc_password,
  hypervisor_json=excluded.hypervisor_json;`

	_, err := s.db.ExecContext(ctx, upsert,
		h.ID, h.Name, nullIfEmpty(h.Model), nullIfEmpty(h.GroupID),
		h.BMC.Address, h.BMC.Username, pass, hvJSON)
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	return nil
}

// GetHost retrieves one host by id.
func (s *Store) GetHost(ctx context.Context, id string) (*models.TargetHost, error) {
	hosts, err := s.queryHosts(ctx, `SELECT id, name, model, group_id, bmc_address, bmc_username, bmc_password, hypervisor_json FROM hosts WHERE id=?`, id)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, ErrNotFound
	}
	return hosts[0], nil
}

// ResolveTargets materialises a job's target scope into host handles.
// Results are ordered by host name for deterministic sequencing.
func (s *Store) ResolveTargets(ctx context.Context, scope models.TargetScope) ([]*models.TargetHost, error) {
	const cols = `SELECT id, name, model, group_id, bmc_address, bmc_username, bmc_password, hypervisor_json FROM hosts `
	switch scope.Kind() {
	case models.ScopeServers:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(scope.ServerIDs)), ",")
		args := make([]any, len(scope.ServerIDs))
		for i, id := range scope.ServerIDs {
			args[i] = id
		}
		return s.queryHosts(ctx, cols+`WHERE id IN (`+placeholders+`) ORDER BY name ASC`, args...)
	case models.ScopeGroup:
		return s.queryHosts(ctx, cols+`WHERE group_id=? ORDER BY name ASC`, scope.GroupID)
	default:
		// Cluster membership is carried on the hypervisor ref.
		return s.queryHosts(ctx, cols+`WHERE hypervisor_json LIKE ? ORDER BY name ASC`, `%"cluster":"`+scope.Cluster+`"%`)
	}
}

func (s *Store) queryHosts(ctx context.Context, q string, args ...any) ([]*models.TargetHost, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	var out []*models.TargetHost
	for rows.Next() {
		var row struct {
			id, name, addr, user, pass string
			model, group, hvJSON       sql.NullString
		}
		if err := rows.Scan(&row.id, &row.name, &row.model, &row.group, &row.addr, &row.user, &row.pass, &row.hvJSON); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		pass := row.pass
		if s.enc != nil && crypto.IsEncrypted(pass) {
			dec, err := s.enc.Decrypt(pass)
			if err != nil {
				return nil, fmt.Errorf("decrypt bmc password for %s: %w", row.id, err)
			}
			pass = dec
		}
		h := &models.TargetHost{
			ID:      row.id,
			Name:    row.name,
			Model:   fromNullString(row.model),
			GroupID: fromNullString(row.group),
			BMC: models.BMCEndpoint{
				Address:  row.addr,
				Username: row.user,
				Password: pass,
			},
		}
		if row.hvJSON.Valid && row.hvJSON.String != "" {
			var ref models.HypervisorRef
			if err := json.Unmarshal([]byte(row.hvJSON.String), &ref); err != nil {
				return nil, fmt.Errorf("decode hypervisor ref for %s: %w", row.id, err)
			}
			h.Hypervisor = &ref
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return out, nil
}

// --------------- Jobs ---------------

// InsertJob inserts a new job, assigning a UUID when the caller left
// the ID empty.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	detailsJSON, err := json.Marshal(job.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	targetJSON, err := json.Marshal(job.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}

	const ins = `
INSERT INTO jobs (id, kind, status, details_json, target_json, created_by, scheduled_at, created_at, updated_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	var startedAt, completedAt any
	if job.StartedAt != nil {
		startedAt = job.StartedAt.UTC()
	}
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, ins,
		job.ID, string(job.Kind), job.Status.String(), string(detailsJSON), string(targetJSON),
		job.CreatedBy, job.ScheduledAt.UTC(), job.CreatedAt.UTC(), job.UpdatedAt.UTC(), startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	const q = `SELECT id, kind, status, details_json, target_json, created_by, scheduled_at, created_at, updated_at, started_at, completed_at
FROM jobs WHERE id=?`
	job, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJobStatus reads only the status column; used by the orchestrator's
// cancellation checkpoints where fetching the whole row is wasteful.
func (s *Store) GetJobStatus(ctx context.Context, id string) (models.JobStatus, error) {
	const q = `SELECT status FROM jobs WHERE id=?`
	var st string
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get job status: %w", err)
	}
	return models.JobStatus(st), nil
}

// FetchPending returns dispatchable jobs: pending status with scheduled_at
// in the past, in creation order.
func (s *Store) FetchPending(ctx context.Context, now time.Time) ([]*models.Job, error) {
	const q = `SELECT id, kind, status, details_json, target_json, created_by, scheduled_at, created_at, updated_at, started_at, completed_at
FROM jobs WHERE status='pending' AND scheduled_at <= ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("fetch pending jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// CountJobsByStatus returns how many jobs sit in each lifecycle state.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM jobs GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// PatchStatus transitions a job to a new status. Entering running sets
// started_at (once); entering any terminal status sets completed_at.
func (s *Store) PatchStatus(ctx context.Context, id string, status models.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	now := time.Now().UTC()
	switch {
	case status == models.JobStatusRunning:
		const upd = `UPDATE jobs SET status=?, started_at=COALESCE(started_at, ?), updated_at=? WHERE id=?`
		_, err := s.db.ExecContext(ctx, upd, status.String(), now, now, id)
		return err
	case status.IsTerminal():
		const upd = `UPDATE jobs SET status=?, completed_at=?, updated_at=? WHERE id=?`
		_, err := s.db.ExecContext(ctx, upd, status.String(), now, now, id)
		return err
	default:
		const upd = `UPDATE jobs SET status=?, updated_at=? WHERE id=?`
		_, err := s.db.ExecContext(ctx, upd, status.String(), now, id)
		return err
	}
}

// MergeDetails overlays patch onto the job's details map inside a
// transaction. Keys absent from patch are preserved; the engine never
// replaces the whole map.
func (s *Store) MergeDetails(ctx context.Context, id string, patch models.Details) error {
	if len(patch) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT details_json FROM jobs WHERE id=?`
		var raw string
		if err := tx.QueryRowContext(ctx, sel, id).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read details: %w", err)
		}
		details := models.Details{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &details); err != nil {
				return fmt.Errorf("decode details: %w", err)
			}
		}
		details.Merge(patch)
		merged, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		const upd = `UPDATE jobs SET details_json=?, updated_at=? WHERE id=?`
		if _, err := tx.ExecContext(ctx, upd, string(merged), time.Now().UTC(), id); err != nil {
			return fmt.Errorf("write details: %w", err)
		}
		return nil
	})
}

// --------------- Workflow steps ---------------

// UpsertStep inserts or updates a workflow step by (job_id, step_number).
// A terminal row is overwritten when the new status differs, which is how
// a resumed pause re-runs the same step number.
func (s *Store) UpsertStep(ctx context.Context, step models.WorkflowStep) error {
	var detailsJSON any
	if len(step.Details) > 0 {
		b, err := json.Marshal(step.Details)
		if err != nil {
			return fmt.Errorf("marshal step details: %w", err)
		}
		detailsJSON = string(b)
	}
	var completedAt any
	if step.CompletedAt != nil {
		completedAt = step.CompletedAt.UTC()
	}
	var stepErr any
	if step.Error != "" {
		stepErr = step.Error
	}

	const upsert = `
INSERT INTO workflow_steps(job_id, step_number, name, status, started_at, completed_at, details_json, step_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id, step_number) DO UPDATE SET
  name=excluded.name,
  status=excluded.status,
  started_at=excluded.started_at,
  completed_at=excluded.completed_at,
  details_json=excluded.details_json,
  step_error=excluded.step_error;`

	_, err := s.db.ExecContext(ctx, upsert,
		step.JobID, step.StepNumber, step.Name, step.Status.String(),
		step.StartedAt.UTC(), completedAt, detailsJSON, stepErr)
	if err != nil {
		return fmt.Errorf("upsert workflow step: %w", err)
	}
	return nil
}

// ListSteps fetches all steps for a job ordered by step number.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]models.WorkflowStep, error) {
	const q = `SELECT job_id, step_number, name, status, started_at, completed_at, details_json, step_error
FROM workflow_steps WHERE job_id=? ORDER BY step_number ASC`
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowStep
	for rows.Next() {
		var (
			step        models.WorkflowStep
			status      string
			completedAt sql.NullTime
			detailsJSON sql.NullString
			stepErr     sql.NullString
		)
		if err := rows.Scan(&step.JobID, &step.StepNumber, &step.Name, &status, &step.StartedAt, &completedAt, &detailsJSON, &stepErr); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		step.Status = models.StepStatus(status)
		step.StartedAt = step.StartedAt.UTC()
		step.CompletedAt = fromNullTimePtr(completedAt)
		if detailsJSON.Valid && detailsJSON.String != "" {
			details := models.Details{}
			if err := json.Unmarshal([]byte(detailsJSON.String), &details); err == nil {
				step.Details = details
			}
		}
		step.Error = fromNullString(stepErr)
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow steps: %w", err)
	}
	return out, nil
}

// --------------- Internal helpers ---------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var row struct {
		id, kind, status, detailsJSON, targetJSON, createdBy string
		scheduledAt, createdAt, updatedAt                    time.Time
		startedAt, completedAt                               sql.NullTime
	}
	err := r.Scan(&row.id, &row.kind, &row.status, &row.detailsJSON, &row.targetJSON,
		&row.createdBy, &row.scheduledAt, &row.createdAt, &row.updatedAt, &row.startedAt, &row.completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	details := models.Details{}
	if row.detailsJSON != "" {
		if err := json.Unmarshal([]byte(row.detailsJSON), &details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	var target models.TargetScope
	if row.targetJSON != "" {
		if err := json.Unmarshal([]byte(row.targetJSON), &target); err != nil {
			return nil, fmt.Errorf("decode target: %w", err)
		}
	}

	return &models.Job{
		ID:          row.id,
		Kind:        models.JobKind(row.kind),
		Status:      models.JobStatus(row.status),
		Details:     details,
		Target:      target,
		CreatedBy:   row.createdBy,
		ScheduledAt: row.scheduledAt.UTC(),
		CreatedAt:   row.createdAt.UTC(),
		UpdatedAt:   row.updatedAt.UTC(),
		StartedAt:   fromNullTimePtr(row.startedAt),
		CompletedAt: fromNullTimePtr(row.completedAt),
	}, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

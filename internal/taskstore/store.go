// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskstore persists analysis tasks, reports, and API credentials
// in SQLite.
package taskstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a SQLite uniqueness violation,
// as raised by concurrent inserts sharing an idempotency key.
func IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

// TaskColumns is the select list matching the Task struct.
const TaskColumns = `id, credential_id, purl, package_name, package_version, ecosystem, status,
	priority, queue_position, timeout_minutes, local_path, idempotency_key, container_id,
	report_id, download_url, error_category, error_message, error_details,
	created_at, queued_at, started_at, completed_at, last_heartbeat`

// Store wraps the SQLite database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting migration dialect")
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying migrations")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rolling back: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// InsertTask inserts t and populates its ID. A zero CreatedAt defaults to
// the current time; an empty status defaults to pending.
func InsertTask(ctx context.Context, e sqlx.ExtContext, t *Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = analysis.StatusPending
	}
	res, err := sqlx.NamedExecContext(ctx, e, `
		INSERT INTO tasks (credential_id, purl, package_name, package_version, ecosystem, status,
			priority, queue_position, timeout_minutes, local_path, idempotency_key, container_id,
			report_id, download_url, error_category, error_message, error_details,
			created_at, queued_at, started_at, completed_at, last_heartbeat)
		VALUES (:credential_id, :purl, :package_name, :package_version, :ecosystem, :status,
			:priority, :queue_position, :timeout_minutes, :local_path, :idempotency_key, :container_id,
			:report_id, :download_url, :error_category, :error_message, :error_details,
			:created_at, :queued_at, :started_at, :completed_at, :last_heartbeat)`, t)
	if err != nil {
		return errors.Wrap(err, "inserting task")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "reading task id")
	}
	t.ID = id
	return nil
}

// GetTask fetches one task by id.
func GetTask(ctx context.Context, e sqlx.ExtContext, id int64) (*Task, error) {
	var t Task
	err := sqlx.GetContext(ctx, e, &t, `SELECT `+TaskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching task")
	}
	return &t, nil
}

// MaxQueuePosition returns the highest position among queued tasks, zero
// when the queue is empty.
func MaxQueuePosition(ctx context.Context, e sqlx.ExtContext) (int, error) {
	var pos int
	err := sqlx.GetContext(ctx, e, &pos,
		`SELECT COALESCE(MAX(queue_position), 0) FROM tasks WHERE status = ?`, analysis.StatusQueued)
	return pos, errors.Wrap(err, "finding max queue position")
}

// SetQueued transitions a pending task into the queue at pos.
func SetQueued(ctx context.Context, e sqlx.ExtContext, id int64, pos int, at time.Time) error {
	res, err := e.ExecContext(ctx, `
		UPDATE tasks SET status = ?, queue_position = ?, queued_at = ?
		WHERE id = ? AND status = ?`,
		analysis.StatusQueued, pos, at, id, analysis.StatusPending)
	if err != nil {
		return errors.Wrap(err, "queueing task")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if n != 1 {
		return errors.Errorf("task %d is not pending", id)
	}
	return nil
}

// SetRunning atomically transitions a task to running, stamping started_at
// and the first heartbeat and vacating its queue position.
func SetRunning(ctx context.Context, e sqlx.ExtContext, id int64, at time.Time) error {
	_, err := e.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, last_heartbeat = ?, queue_position = NULL
		WHERE id = ?`,
		analysis.StatusRunning, at, at, id)
	return errors.Wrap(err, "marking task running")
}

// SetCompleted finalizes a task with its report linkage.
func SetCompleted(ctx context.Context, e sqlx.ExtContext, id, reportID int64, downloadURL string, at time.Time) error {
	_, err := e.ExecContext(ctx, `
		UPDATE tasks SET status = ?, report_id = ?, download_url = ?, completed_at = ?, queue_position = NULL
		WHERE id = ?`,
		analysis.StatusCompleted, reportID, downloadURL, at, id)
	return errors.Wrap(err, "marking task completed")
}

// CountByStatus counts tasks in the given status.
func CountByStatus(ctx context.Context, e sqlx.ExtContext, status analysis.TaskStatus) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, e, &n, `SELECT COUNT(*) FROM tasks WHERE status = ?`, status)
	return n, errors.Wrap(err, "counting tasks")
}

// HeadQueued returns the queued task that should run next, or ErrNotFound
// when the queue is empty.
func HeadQueued(ctx context.Context, e sqlx.ExtContext) (*Task, error) {
	var t Task
	err := sqlx.GetContext(ctx, e, &t, `
		SELECT `+TaskColumns+` FROM tasks WHERE status = ?
		ORDER BY priority DESC, queue_position ASC LIMIT 1`, analysis.StatusQueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching queue head")
	}
	return &t, nil
}

// LatestCompletedWithReport returns the newest completed task for purl that
// has a linked report, or ErrNotFound.
func LatestCompletedWithReport(ctx context.Context, e sqlx.ExtContext, purl string) (*Task, error) {
	var t Task
	err := sqlx.GetContext(ctx, e, &t, `
		SELECT `+TaskColumns+` FROM tasks
		WHERE purl = ? AND status = ? AND report_id IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1`, purl, analysis.StatusCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching completed task")
	}
	return &t, nil
}

// QueuedIDsByPriority lists queued task ids in scheduling order: higher
// priority first, earlier enqueue first within a priority.
func QueuedIDsByPriority(ctx context.Context, e sqlx.ExtContext) ([]int64, error) {
	var ids []int64
	err := sqlx.SelectContext(ctx, e, &ids, `
		SELECT id FROM tasks WHERE status = ?
		ORDER BY priority DESC, queued_at ASC`, analysis.StatusQueued)
	return ids, errors.Wrap(err, "listing queued tasks")
}

// SetQueuePosition overwrites one task's queue position.
func SetQueuePosition(ctx context.Context, e sqlx.ExtContext, id int64, pos int) error {
	_, err := e.ExecContext(ctx, `UPDATE tasks SET queue_position = ? WHERE id = ?`, pos, id)
	return errors.Wrap(err, "setting queue position")
}

// CreateTask inserts a task outside a transaction.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	return InsertTask(ctx, s.db, t)
}

// TaskByID fetches one task by id.
func (s *Store) TaskByID(ctx context.Context, id int64) (*Task, error) {
	return GetTask(ctx, s.db, id)
}

// TaskForCredential fetches a task only if it belongs to the credential.
func (s *Store) TaskForCredential(ctx context.Context, credentialID, taskID int64) (*Task, error) {
	var t Task
	err := sqlx.GetContext(ctx, s.db, &t,
		`SELECT `+TaskColumns+` FROM tasks WHERE id = ? AND credential_id = ?`, taskID, credentialID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching task")
	}
	return &t, nil
}

// LatestCompletedByPURL returns the newest completed task with a report for
// the given purl.
func (s *Store) LatestCompletedByPURL(ctx context.Context, purl string) (*Task, error) {
	return LatestCompletedWithReport(ctx, s.db, purl)
}

// LatestActiveByPURL returns the newest pending, queued, or running task
// for purl created at or after since.
func (s *Store) LatestActiveByPURL(ctx context.Context, purl string, since time.Time) (*Task, error) {
	var t Task
	err := sqlx.GetContext(ctx, s.db, &t, `
		SELECT `+TaskColumns+` FROM tasks
		WHERE purl = ? AND status IN (?, ?, ?) AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		purl, analysis.StatusPending, analysis.StatusQueued, analysis.StatusRunning, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching active task")
	}
	return &t, nil
}

// TaskByIdempotencyKey returns the newest task submitted by the credential
// under the given idempotency key.
func (s *Store) TaskByIdempotencyKey(ctx context.Context, credentialID int64, key string) (*Task, error) {
	var t Task
	err := sqlx.GetContext(ctx, s.db, &t, `
		SELECT `+TaskColumns+` FROM tasks
		WHERE credential_id = ? AND idempotency_key = ?
		ORDER BY created_at DESC LIMIT 1`, credentialID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching task by idempotency key")
	}
	return &t, nil
}

// ListFilter scopes and pages a task listing.
type ListFilter struct {
	CredentialID int64
	Status       string
	Limit        int
	Offset       int
}

// ListTasks returns tasks for a credential, newest first.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]Task, error) {
	query := `SELECT ` + TaskColumns + ` FROM tasks WHERE credential_id = ?`
	args := []any{f.CredentialID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)
	tasks := []Task{}
	err := sqlx.SelectContext(ctx, s.db, &tasks, query, args...)
	return tasks, errors.Wrap(err, "listing tasks")
}

// CountTasks counts the rows ListTasks would page over.
func (s *Store) CountTasks(ctx context.Context, f ListFilter) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE credential_id = ?`
	args := []any{f.CredentialID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	var n int
	err := sqlx.GetContext(ctx, s.db, &n, query, args...)
	return n, errors.Wrap(err, "counting tasks")
}

// QueuedTasks lists queued tasks in position order.
func (s *Store) QueuedTasks(ctx context.Context) ([]Task, error) {
	tasks := []Task{}
	err := sqlx.SelectContext(ctx, s.db, &tasks, `
		SELECT `+TaskColumns+` FROM tasks WHERE status = ?
		ORDER BY queue_position ASC`, analysis.StatusQueued)
	return tasks, errors.Wrap(err, "listing queued tasks")
}

// RunningTasks lists running tasks, oldest start first.
func (s *Store) RunningTasks(ctx context.Context) ([]Task, error) {
	tasks := []Task{}
	err := sqlx.SelectContext(ctx, s.db, &tasks, `
		SELECT `+TaskColumns+` FROM tasks WHERE status = ?
		ORDER BY started_at ASC`, analysis.StatusRunning)
	return tasks, errors.Wrap(err, "listing running tasks")
}

// MarkRunning transitions a task to running outside a transaction.
func (s *Store) MarkRunning(ctx context.Context, id int64, at time.Time) error {
	return SetRunning(ctx, s.db, id, at)
}

// MarkCompleted finalizes a successful task.
func (s *Store) MarkCompleted(ctx context.Context, id, reportID int64, downloadURL string, at time.Time) error {
	return SetCompleted(ctx, s.db, id, reportID, downloadURL, at)
}

// MarkFailed finalizes a failed task with its classification.
func (s *Store) MarkFailed(ctx context.Context, id int64, f Failure, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_category = ?, error_message = ?, error_details = ?,
			completed_at = ?, queue_position = NULL
		WHERE id = ?`,
		analysis.StatusFailed, nullIfEmpty(string(f.Category)), nullIfEmpty(f.Message), f.Details, at, id)
	return errors.Wrap(err, "marking task failed")
}

// SetContainerID records the sandbox container once it is known.
func (s *Store) SetContainerID(ctx context.Context, id int64, containerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET container_id = ? WHERE id = ?`, containerID, id)
	return errors.Wrap(err, "setting container id")
}

// Heartbeat stamps a running task as alive.
func (s *Store) Heartbeat(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_heartbeat = ? WHERE id = ?`, at, id)
	return errors.Wrap(err, "updating heartbeat")
}

// InsertReport stores an analysis result and populates its ID.
func (s *Store) InsertReport(ctx context.Context, r *Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (ecosystem, package_name, package_version, duration_seconds, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Ecosystem, r.PackageName, r.PackageVersion, r.DurationSeconds, string(r.Payload), r.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "inserting report")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "reading report id")
	}
	r.ID = id
	return nil
}

// ReportByID fetches one stored report.
func (s *Store) ReportByID(ctx context.Context, id int64) (*Report, error) {
	var r Report
	err := sqlx.GetContext(ctx, s.db, &r, `
		SELECT id, ecosystem, package_name, package_version, duration_seconds, payload, created_at
		FROM reports WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching report")
	}
	return &r, nil
}

// CredentialByKey returns the active credential for an API key.
func (s *Store) CredentialByKey(ctx context.Context, key string) (*Credential, error) {
	var c Credential
	err := sqlx.GetContext(ctx, s.db, &c, `
		SELECT id, name, key, is_active, rate_limit_per_hour, created_at, last_used
		FROM credentials WHERE key = ? AND is_active = 1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching credential")
	}
	return &c, nil
}

// TouchCredential records when the credential was last used.
func (s *Store) TouchCredential(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET last_used = ? WHERE id = ?`, at, id)
	return errors.Wrap(err, "touching credential")
}

// CreateCredential provisions a new API key.
func (s *Store) CreateCredential(ctx context.Context, c *Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (name, key, is_active, rate_limit_per_hour, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Name, c.Key, c.IsActive, c.RateLimitPerHour, c.CreatedAt, c.LastUsed)
	if err != nil {
		return errors.Wrap(err, "inserting credential")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "reading credential id")
	}
	c.ID = id
	return nil
}

// Credentials lists every provisioned key, newest first.
func (s *Store) Credentials(ctx context.Context) ([]Credential, error) {
	creds := []Credential{}
	err := sqlx.SelectContext(ctx, s.db, &creds, `
		SELECT id, name, key, is_active, rate_limit_per_hour, created_at, last_used
		FROM credentials ORDER BY created_at DESC`)
	return creds, errors.Wrap(err, "listing credentials")
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

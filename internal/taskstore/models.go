// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package taskstore

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pkg/errors"
)

// Task is one analysis submission and its lifecycle state.
type Task struct {
	ID             int64               `db:"id"`
	CredentialID   int64               `db:"credential_id"`
	PURL           string              `db:"purl"`
	PackageName    string              `db:"package_name"`
	PackageVersion string              `db:"package_version"`
	Ecosystem      string              `db:"ecosystem"`
	Status         analysis.TaskStatus `db:"status"`
	Priority       int                 `db:"priority"`
	QueuePosition  *int                `db:"queue_position"`
	TimeoutMinutes int                 `db:"timeout_minutes"`
	LocalPath      string              `db:"local_path"`
	IdempotencyKey *string             `db:"idempotency_key"`
	ContainerID    *string             `db:"container_id"`
	ReportID       *int64              `db:"report_id"`
	DownloadURL    *string             `db:"download_url"`
	ErrorCategory  *string             `db:"error_category"`
	ErrorMessage   *string             `db:"error_message"`
	ErrorDetails   ErrorDetails        `db:"error_details"`
	CreatedAt      time.Time           `db:"created_at"`
	QueuedAt       *time.Time          `db:"queued_at"`
	StartedAt      *time.Time          `db:"started_at"`
	CompletedAt    *time.Time          `db:"completed_at"`
	LastHeartbeat  *time.Time          `db:"last_heartbeat"`
}

// Target reconstructs the analysis target from the stored coordinates.
func (t *Task) Target() analysis.Target {
	return analysis.Target{
		Ecosystem: analysis.Ecosystem(t.Ecosystem),
		Package:   t.PackageName,
		Version:   t.PackageVersion,
	}
}

// Deadline is the instant the task times out, valid once started.
func (t *Task) Deadline() time.Time {
	if t.StartedAt == nil {
		return time.Time{}
	}
	return t.StartedAt.Add(time.Duration(t.TimeoutMinutes) * time.Minute)
}

// IsTimedOut reports whether a running task has outlived its timeout.
func (t *Task) IsTimedOut(now time.Time) bool {
	return t.Status == analysis.StatusRunning && t.StartedAt != nil && now.After(t.Deadline())
}

// RemainingMinutes is the time left before the deadline, never negative.
func (t *Task) RemainingMinutes(now time.Time) float64 {
	if t.StartedAt == nil {
		return 0
	}
	remaining := t.Deadline().Sub(now).Minutes()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Report is one stored analysis result.
type Report struct {
	ID              int64           `db:"id"`
	Ecosystem       string          `db:"ecosystem"`
	PackageName     string          `db:"package_name"`
	PackageVersion  string          `db:"package_version"`
	DurationSeconds float64         `db:"duration_seconds"`
	Payload         json.RawMessage `db:"payload"`
	CreatedAt       time.Time       `db:"created_at"`
}

// Credential is one provisioned API key.
type Credential struct {
	ID               int64      `db:"id"`
	Name             string     `db:"name"`
	Key              string     `db:"key"`
	IsActive         bool       `db:"is_active"`
	RateLimitPerHour int        `db:"rate_limit_per_hour"`
	CreatedAt        time.Time  `db:"created_at"`
	LastUsed         *time.Time `db:"last_used"`
}

// Failure captures everything recorded when a task fails.
type Failure struct {
	Category analysis.ErrorCategory
	Message  string
	Details  ErrorDetails
}

// ErrorDetails is a JSON object column holding failure diagnostics.
type ErrorDetails map[string]any

// Value implements driver.Valuer.
func (d ErrorDetails) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling error details")
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (d *ErrorDetails) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		return errors.Wrap(json.Unmarshal(v, d), "unmarshaling error details")
	case string:
		return errors.Wrap(json.Unmarshal([]byte(v), d), "unmarshaling error details")
	default:
		return errors.Errorf("unsupported error details type %T", src)
	}
}

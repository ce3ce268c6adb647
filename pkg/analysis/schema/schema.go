// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the wire types of the analysis API and the
// persisted report document.
package schema

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
)

// Report document constants stamped into every generated report.
const (
	APIVersion  = "1.0"
	APIEndpoint = "analyze_api"
	GeneratedBy = "Pack-a-mal Analysis Platform"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// AnalyzeRequest is the body of POST /api/v1/analyze/.
type AnalyzeRequest struct {
	PURL     string `json:"purl" validate:"required"`
	Priority int    `json:"priority" validate:"gte=0"`
	// LocalPath points the sandbox at a pre-fetched artifact instead of
	// pulling from the registry.
	LocalPath string `json:"local_path,omitempty"`
}

// Validate checks structural constraints before admission logic runs.
func (r *AnalyzeRequest) Validate() error {
	return validate.Struct(r)
}

// ReportMetadata describes a materialized report file.
type ReportMetadata struct {
	Filename        string    `json:"filename"`
	SizeBytes       int64     `json:"size_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	DownloadURL     string    `json:"download_url"`
	FolderStructure string    `json:"folder_structure"`
}

// AnalyzeResponse is the data payload for every admission outcome. Fields
// that do not apply to a given outcome are omitted.
type AnalyzeResponse struct {
	TaskID         int64               `json:"task_id"`
	Status         analysis.TaskStatus `json:"status"`
	QueuePosition  *int                `json:"queue_position,omitempty"`
	StatusURL      string              `json:"status_url,omitempty"`
	ResultURL      string              `json:"result_url,omitempty"`
	DownloadURL    string              `json:"download_url,omitempty"`
	ReportMetadata *ReportMetadata     `json:"report_metadata,omitempty"`
	Message        string              `json:"message"`
}

// TaskStatusResponse is the data payload of GET /api/v1/task/{id}/.
type TaskStatusResponse struct {
	TaskID               int64               `json:"task_id"`
	PURL                 string              `json:"purl"`
	Status               analysis.TaskStatus `json:"status"`
	PackageName          string              `json:"package_name"`
	PackageVersion       string              `json:"package_version"`
	Ecosystem            string              `json:"ecosystem"`
	Priority             int                 `json:"priority"`
	TimeoutMinutes       int                 `json:"timeout_minutes"`
	CreatedAt            time.Time           `json:"created_at"`
	QueuedAt             *time.Time          `json:"queued_at,omitempty"`
	StartedAt            *time.Time          `json:"started_at,omitempty"`
	CompletedAt          *time.Time          `json:"completed_at,omitempty"`
	QueuePosition        *int                `json:"queue_position,omitempty"`
	ExpectedDownloadURL  string              `json:"expected_download_url"`
	DownloadURL          string              `json:"download_url,omitempty"`
	ReportMetadata       *ReportMetadata     `json:"report_metadata,omitempty"`
	ContainerID          string              `json:"container_id,omitempty"`
	LastHeartbeat        *time.Time          `json:"last_heartbeat,omitempty"`
	RemainingTimeMinutes *float64            `json:"remaining_time_minutes,omitempty"`
	IsTimedOut           *bool               `json:"is_timed_out,omitempty"`
	ErrorCategory        string              `json:"error_category,omitempty"`
	ErrorMessage         string              `json:"error_message,omitempty"`
	ErrorDetails         map[string]any      `json:"error_details,omitempty"`
}

// TaskListItem is one row of the report listing endpoint.
type TaskListItem struct {
	TaskID         int64               `json:"task_id"`
	PURL           string              `json:"purl"`
	PackageName    string              `json:"package_name"`
	PackageVersion string              `json:"package_version"`
	Ecosystem      string              `json:"ecosystem"`
	Status         analysis.TaskStatus `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	DownloadURL    string              `json:"download_url,omitempty"`
	ErrorCategory  string              `json:"error_category,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
}

// TaskListResponse is the data payload of GET /api/v1/reports/.
type TaskListResponse struct {
	Items    []TaskListItem `json:"items"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Total    int            `json:"total"`
}

// QueueTaskEntry summarizes one queued or running task for queue
// introspection.
type QueueTaskEntry struct {
	TaskID        int64      `json:"task_id"`
	PURL          string     `json:"purl"`
	PackageName   string     `json:"package_name"`
	Ecosystem     string     `json:"ecosystem"`
	Priority      int        `json:"priority"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

// QueueStatusResponse is the data payload of GET /api/v1/queue/status/.
type QueueStatusResponse struct {
	QueueLength  int              `json:"queue_length"`
	RunningCount int              `json:"running_count"`
	QueuedTasks  []QueueTaskEntry `json:"queued_tasks"`
	RunningTasks []QueueTaskEntry `json:"running_tasks"`
}

// QueuePositionResponse is the data payload of GET /api/v1/task/{id}/queue/.
type QueuePositionResponse struct {
	TaskID         int64               `json:"task_id"`
	Status         analysis.TaskStatus `json:"status"`
	QueuePosition  *int                `json:"queue_position"`
	PURL           string              `json:"purl"`
	PackageName    string              `json:"package_name"`
	PackageVersion string              `json:"package_version"`
	Ecosystem      string              `json:"ecosystem"`
}

// TimeoutTaskInfo describes one running task and its deadline state.
type TimeoutTaskInfo struct {
	TaskID           int64      `json:"task_id"`
	PackageName      string     `json:"package_name"`
	StartedAt        *time.Time `json:"started_at"`
	TimeoutMinutes   int        `json:"timeout_minutes"`
	RemainingMinutes float64    `json:"remaining_minutes"`
	IsTimedOut       bool       `json:"is_timed_out"`
	ContainerID      string     `json:"container_id,omitempty"`
	ContainerRunning bool       `json:"container_running"`
}

// TimeoutStatusResponse is the data payload of GET /api/v1/timeout/status/.
type TimeoutStatusResponse struct {
	RunningTasks  int               `json:"running_tasks"`
	TimedOutTasks int               `json:"timed_out_tasks"`
	Tasks         []TimeoutTaskInfo `json:"tasks"`
}

// TimeoutCheckResponse is the data payload of POST /api/v1/timeout/check/.
type TimeoutCheckResponse struct {
	Message string                `json:"message"`
	Status  TimeoutStatusResponse `json:"status"`
}

// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package analysis provides domain types shared across the analysis service.
package analysis

import (
	"path"
	"strings"
)

// Ecosystem is a canonical package registry family.
type Ecosystem string

// Ecosystems supported for dynamic analysis.
const (
	PyPI      Ecosystem = "pypi"
	NPM       Ecosystem = "npm"
	RubyGems  Ecosystem = "rubygems"
	Maven     Ecosystem = "maven"
	Packagist Ecosystem = "packagist"
)

// Target identifies a single package version to be analyzed.
type Target struct {
	Ecosystem Ecosystem
	Package   string
	Version   string
}

// SanitizedPackage returns the package name with path separators replaced
// so it is safe as a single directory component.
func (t Target) SanitizedPackage() string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(t.Package)
}

// ReportPath is the canonical report location relative to the media root.
// It depends only on the target, so it can be derived before the report
// file exists.
func (t Target) ReportPath() string {
	return path.Join("reports", strings.ToLower(string(t.Ecosystem)), t.SanitizedPackage(), t.Version+".json")
}

// ReportDir is the directory portion of ReportPath, with a trailing slash.
func (t Target) ReportDir() string {
	return path.Join("reports", strings.ToLower(string(t.Ecosystem)), t.SanitizedPackage()) + "/"
}

// TaskStatus tracks an analysis task through its lifecycle. Transitions form
// the DAG pending -> queued -> running -> (completed|failed); pending ->
// failed is allowed on admission errors only.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the task still occupies the pipeline.
func (s TaskStatus) Active() bool {
	return s == StatusPending || s == StatusQueued || s == StatusRunning
}

// ErrorCategory is the wire representation of a classified failure.
type ErrorCategory string

const (
	DockerImageError     ErrorCategory = "docker_image_error"
	DockerError          ErrorCategory = "docker_error"
	CommandNotFoundError ErrorCategory = "command_not_found"
	TimeoutError         ErrorCategory = "timeout_error"
	PermissionError      ErrorCategory = "permission_error"
	AnalysisError        ErrorCategory = "analysis_error"
	ResultParsingError   ErrorCategory = "result_parsing_error"
	ResultFileError      ErrorCategory = "result_file_error"
	UnknownError         ErrorCategory = "unknown_error"
)

// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pakaremon/packamal/internal/executor"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
)

// classifyRunError maps a failed sandbox invocation to an error category.
// A deadline hit on ctx overrides whatever the killed process reported.
func classifyRunError(ctx context.Context, err error, cmdline string, target analysis.Target, stdout, stderr string) *analysis.Error {
	category, message := classifyExit(executor.ExitCode(err), stderr)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		category = analysis.TimeoutError
		message = "Analysis timeout: sandbox run exceeded its deadline"
	}
	return analysis.NewError(category, message, map[string]any{
		"error_type":      "analysis_execution_failed",
		"exit_code":       executor.ExitCode(err),
		"command":         cmdline,
		"stderr":          stderr,
		"stdout":          stdout,
		"package_name":    target.Package,
		"package_version": target.Version,
		"ecosystem":       string(target.Ecosystem),
		"error_category":  string(category),
		"error_message":   message,
	})
}

// classifyExit picks a category from the exit code and stderr content. Exit
// code 1 is the sandbox's generic failure code, so stderr decides the
// subcategory there.
func classifyExit(exit int, stderr string) (analysis.ErrorCategory, string) {
	low := strings.ToLower(stderr)
	switch {
	case exit == 1 && strings.Contains(low, "docker") && (strings.Contains(low, "not found") || strings.Contains(low, "pull")):
		return analysis.DockerImageError, "Docker image error: " + stderr
	case exit == 1 && strings.Contains(low, "timeout"):
		return analysis.TimeoutError, "Analysis timeout: " + stderr
	case exit == 1 && (strings.Contains(low, "permission") || strings.Contains(low, "access")):
		return analysis.PermissionError, "Permission error: " + stderr
	case exit == 1:
		return analysis.AnalysisError, "Analysis failed: " + stderr
	case exit == 125:
		return analysis.DockerError, "Docker execution error: " + stderr
	case exit == 127:
		return analysis.CommandNotFoundError, "Command not found: " + stderr
	default:
		return analysis.UnknownError, fmt.Sprintf("Unknown error (exit code %d): %s", exit, stderr)
	}
}

// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor abstracts process execution for the sandbox and
// container plumbing.
package executor

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// CommandOptions configures command execution.
type CommandOptions struct {
	// Input provides stdin to the command.
	Input io.Reader
	// Output streams stdout to the writer. When ErrOutput is nil it
	// receives stderr as well; if both are nil output is discarded.
	Output io.Writer
	// ErrOutput streams stderr separately so callers can classify
	// failures from it.
	ErrOutput io.Writer
	// Dir is the directory in which the command is run.
	Dir string
}

// CommandExecutor abstracts command execution for better testability.
type CommandExecutor interface {
	// Execute runs a command with the given options, returning an error on
	// failure. Comparable to exec.CommandContext(...).Run().
	Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error
	// LookPath searches PATH for an executable. Comparable to
	// exec.LookPath().
	LookPath(file string) (string, error)
}

type realCommandExecutor struct{}

// New creates a CommandExecutor backed by os/exec.
func New() CommandExecutor {
	return &realCommandExecutor{}
}

func (r *realCommandExecutor) Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if opts.Input != nil {
		cmd.Stdin = opts.Input
	}
	if opts.Output != nil {
		cmd.Stdout = opts.Output
		cmd.Stderr = opts.Output
	}
	if opts.ErrOutput != nil {
		cmd.Stderr = opts.ErrOutput
	}
	cmd.Dir = opts.Dir
	// Block and wait for completion.
	return cmd.Run()
}

func (r *realCommandExecutor) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// ExitCode extracts the process exit code from an Execute error. It returns
// 0 for nil and -1 when the command never ran or was killed by a signal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return -1
}

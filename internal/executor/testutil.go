// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MockCommandExecutor implements CommandExecutor for testing.
type MockCommandExecutor struct {
	mu           sync.RWMutex
	commands     []MockCommand
	executeFunc  func(ctx context.Context, opts CommandOptions, name string, args ...string) error
	lookPathFunc func(file string) (string, error)
}

// MockCommand records one command execution for verification.
type MockCommand struct {
	Name  string
	Args  []string
	Error error
}

// NewMockCommandExecutor creates a new mock command executor.
func NewMockCommandExecutor() *MockCommandExecutor {
	return &MockCommandExecutor{commands: make([]MockCommand, 0)}
}

// SetExecuteFunc sets a custom function for Execute calls.
func (m *MockCommandExecutor) SetExecuteFunc(f func(ctx context.Context, opts CommandOptions, name string, args ...string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeFunc = f
}

// SetLookPathFunc sets a custom function for LookPath calls.
func (m *MockCommandExecutor) SetLookPathFunc(f func(file string) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookPathFunc = f
}

// Execute implements CommandExecutor, recording the call and delegating to
// the configured function when one is set.
func (m *MockCommandExecutor) Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error {
	m.mu.RLock()
	f := m.executeFunc
	m.mu.RUnlock()
	if f != nil {
		err := f(ctx, opts, name, args...)
		m.recordCommand(name, args, err)
		return err
	}
	// Default behavior: succeed and emit a recognizable line.
	if opts.Output != nil {
		fmt.Fprintf(opts.Output, "mock output for: %s %s\n", name, strings.Join(args, " "))
	}
	m.recordCommand(name, args, nil)
	return nil
}

// LookPath implements CommandExecutor. Without a configured function every
// command resolves.
func (m *MockCommandExecutor) LookPath(file string) (string, error) {
	m.mu.RLock()
	f := m.lookPathFunc
	m.mu.RUnlock()
	if f != nil {
		return f(file)
	}
	return "/usr/bin/" + file, nil
}

// Commands returns all recorded commands for verification.
func (m *MockCommandExecutor) Commands() []MockCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	commands := make([]MockCommand, len(m.commands))
	copy(commands, m.commands)
	return commands
}

// Reset clears all recorded commands.
func (m *MockCommandExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = m.commands[:0]
}

func (m *MockCommandExecutor) recordCommand(name string, args []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, MockCommand{Name: name, Args: slices.Clone(args), Error: err})
}

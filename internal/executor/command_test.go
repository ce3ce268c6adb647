// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", got)
	}
	if got := ExitCode(errors.New("start failed")); got != -1 {
		t.Errorf("ExitCode(non-exit error) = %d, want -1", got)
	}
}

func TestMockRecordsCommands(t *testing.T) {
	m := NewMockCommandExecutor()
	var out bytes.Buffer
	if err := m.Execute(context.Background(), CommandOptions{Output: &out}, "docker", "ps", "-a"); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if !strings.Contains(out.String(), "docker ps -a") {
		t.Errorf("default output = %q, want it to echo the command", out.String())
	}

	boom := errors.New("boom")
	m.SetExecuteFunc(func(ctx context.Context, opts CommandOptions, name string, args ...string) error {
		return boom
	})
	if err := m.Execute(context.Background(), CommandOptions{}, "docker", "stop", "abc"); !errors.Is(err, boom) {
		t.Errorf("Execute() error = %v, want boom", err)
	}

	want := []MockCommand{
		{Name: "docker", Args: []string{"ps", "-a"}},
		{Name: "docker", Args: []string{"stop", "abc"}, Error: boom},
	}
	if diff := cmp.Diff(want, m.Commands(), cmp.Comparer(func(a, b error) bool { return errors.Is(a, b) || errors.Is(b, a) })); diff != "" {
		t.Errorf("Commands() diff (-want +got):\n%s", diff)
	}

	m.Reset()
	if got := m.Commands(); len(got) != 0 {
		t.Errorf("Commands() after Reset = %v, want empty", got)
	}
}

func TestMockLookPath(t *testing.T) {
	m := NewMockCommandExecutor()
	path, err := m.LookPath("docker")
	if err != nil || path != "/usr/bin/docker" {
		t.Errorf("LookPath() = %q, %v", path, err)
	}
	m.SetLookPathFunc(func(file string) (string, error) {
		return "", errors.New("not found")
	})
	if _, err := m.LookPath("docker"); err == nil {
		t.Error("LookPath() with failing func returned nil error")
	}
}

// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pakaremon/packamal/internal/executor"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func newTestManager(m *executor.MockCommandExecutor) *Manager {
	return NewManager(m, zap.NewNop())
}

func TestRunningContainers(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
		fmt.Fprint(opts.Output, "abc123def456\tdynamic-analysis:latest\tUp 3 minutes\tsandbox-run\n")
		fmt.Fprint(opts.Output, "malformed line\n")
		fmt.Fprint(opts.Output, "789abc789abc\tredis:7\tUp 2 hours\tcache\n")
		return nil
	})
	m := newTestManager(mock)

	got := m.RunningContainers(context.Background())
	want := []RunningContainer{
		{ID: "abc123def456", Image: "dynamic-analysis:latest", Status: "Up 3 minutes", Name: "sandbox-run"},
		{ID: "789abc789abc", Image: "redis:7", Status: "Up 2 hours", Name: "cache"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RunningContainers() diff (-want +got):\n%s", diff)
	}

	cmds := mock.Commands()
	if len(cmds) != 1 || cmds[0].Name != "docker" || cmds[0].Args[0] != "ps" {
		t.Errorf("unexpected commands: %+v", cmds)
	}
}

func TestRunningContainersError(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
		return errors.New("docker daemon unreachable")
	})
	if got := newTestManager(mock).RunningContainers(context.Background()); got != nil {
		t.Errorf("RunningContainers() on error = %v, want nil", got)
	}
}

func TestStop(t *testing.T) {
	for _, tc := range []struct {
		name     string
		stopErr  error
		killErr  error
		want     bool
		commands [][]string
	}{
		{
			name: "graceful",
			want: true,
			commands: [][]string{
				{"stop", "--time", "10", "abc123def456"},
			},
		},
		{
			name:    "kill after failed stop",
			stopErr: errors.New("timeout"),
			want:    true,
			commands: [][]string{
				{"stop", "--time", "10", "abc123def456"},
				{"kill", "abc123def456"},
			},
		},
		{
			name:    "both fail",
			stopErr: errors.New("timeout"),
			killErr: errors.New("no such container"),
			want:    false,
			commands: [][]string{
				{"stop", "--time", "10", "abc123def456"},
				{"kill", "abc123def456"},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mock := executor.NewMockCommandExecutor()
			mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
				switch args[0] {
				case "stop":
					return tc.stopErr
				case "kill":
					return tc.killErr
				}
				return nil
			})
			m := newTestManager(mock)
			if got := m.Stop(context.Background(), "abc123def456", 10*time.Second); got != tc.want {
				t.Errorf("Stop() = %v, want %v", got, tc.want)
			}
			var gotCmds [][]string
			for _, c := range mock.Commands() {
				gotCmds = append(gotCmds, c.Args)
			}
			if diff := cmp.Diff(tc.commands, gotCmds); diff != "" {
				t.Errorf("commands diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRemove(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	m := newTestManager(mock)
	if !m.Remove(context.Background(), "abc123def456", true) {
		t.Error("Remove() = false, want true")
	}
	want := []string{"rm", "-f", "abc123def456"}
	if diff := cmp.Diff(want, mock.Commands()[0].Args); diff != "" {
		t.Errorf("command diff (-want +got):\n%s", diff)
	}
}

func TestInspect(t *testing.T) {
	const inspectJSON = `[
  {
    "Id": "abc123def456abc123def456abc123def456abc123def456abc123def456abcd",
    "Name": "/sandbox-run",
    "Config": {"Image": "dynamic-analysis:latest"},
    "State": {
      "Status": "exited",
      "StartedAt": "2025-06-01T12:00:00Z",
      "FinishedAt": "2025-06-01T12:05:00Z",
      "ExitCode": 137,
      "Running": false,
      "Paused": false,
      "Restarting": false
    }
  }
]`
	mock := executor.NewMockCommandExecutor()
	mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
		fmt.Fprint(opts.Output, inspectJSON)
		return nil
	})
	m := newTestManager(mock)

	got, err := m.Inspect(context.Background(), "abc123def456")
	if err != nil {
		t.Fatalf("Inspect() returned error: %v", err)
	}
	want := &Info{
		ID:         "abc123def456abc123def456abc123def456abc123def456abc123def456abcd",
		Name:       "sandbox-run",
		Image:      "dynamic-analysis:latest",
		Status:     "exited",
		StartedAt:  "2025-06-01T12:00:00Z",
		FinishedAt: "2025-06-01T12:05:00Z",
		ExitCode:   137,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Inspect() diff (-want +got):\n%s", diff)
	}

	if m.IsRunning(context.Background(), "abc123def456") {
		t.Error("IsRunning() = true for an exited container")
	}
}

func TestIsRunningUnknownContainer(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
		return errors.New("No such object")
	})
	if newTestManager(mock).IsRunning(context.Background(), "feedfacecafe") {
		t.Error("IsRunning() = true for an unknown container")
	}
}

func TestLogs(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
		fmt.Fprint(opts.Output, "line one\nline two\n")
		return nil
	})
	m := newTestManager(mock)
	if got := m.Logs(context.Background(), "abc123def456", 50); got != "line one\nline two\n" {
		t.Errorf("Logs() = %q", got)
	}
	wantArgs := []string{"logs", "--tail", "50", "abc123def456"}
	if diff := cmp.Diff(wantArgs, mock.Commands()[0].Args); diff != "" {
		t.Errorf("command diff (-want +got):\n%s", diff)
	}

	mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
		return errors.New("no such container")
	})
	if got := m.Logs(context.Background(), "feedfacecafe", 50); got != "Error retrieving logs: no such container" {
		t.Errorf("Logs() on error = %q", got)
	}
}

func TestCleanupStopped(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
		fmt.Fprint(opts.Output, "Deleted Containers:\nabc123def456\n789abc789abc\n\nTotal reclaimed space: 1.2MB\n")
		return nil
	})
	m := newTestManager(mock)
	if got := m.CleanupStopped(context.Background()); got != 2 {
		t.Errorf("CleanupStopped() = %d, want 2", got)
	}
}

func TestCountPruned(t *testing.T) {
	for _, tc := range []struct {
		name   string
		output string
		want   int
	}{
		{name: "empty", output: "Total reclaimed space: 0B\n", want: 0},
		{
			name:   "two containers",
			output: "Deleted Containers:\naaa\nbbb\n\nTotal reclaimed space: 1.2MB\n",
			want:   2,
		},
		{
			name:   "no trailing blank line",
			output: "Deleted Containers:\naaa\nTotal reclaimed space: 4KB",
			want:   1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := countPruned(tc.output); got != tc.want {
				t.Errorf("countPruned() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestExtractContainerID(t *testing.T) {
	for _, tc := range []struct {
		name string
		line string
		want string
	}{
		{
			name: "container_id short form",
			line: "INFO sandbox started container_id=abc123def456",
			want: "abc123def456",
		},
		{
			name: "name flag",
			line: "docker run --rm --name abc123def456 dynamic-analysis:latest",
			want: "abc123def456",
		},
		{
			name: "container_id long form keeps the full id",
			line: "INFO sandbox started container_id=abc123def456abc123def456abc123def456abc123def456abc123def456abcd",
			want: "abc123def456abc123def456abc123def456abc123def456abc123def456abcd",
		},
		{
			name: "bare long id yields its short prefix",
			line: "abc123def456abc123def456abc123def456abc123def456abc123def456abcd",
			want: "abc123def456",
		},
		{name: "no id", line: "pulling image...", want: ""},
		{name: "too short", line: "id=abc123", want: ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractContainerID(tc.line); got != tc.want {
				t.Errorf("ExtractContainerID(%q) = %q, want %q", tc.line, got, tc.want)
			}
		})
	}
}

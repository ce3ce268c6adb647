// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/pakaremon/packamal/internal/executor"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
)

const (
	testScript = "/usr/local/bin/run_analysis.sh"
	testImage  = "docker.io/pakaremon/dynamic-analysis:latest"
)

func newTestRunner(t *testing.T, mock *executor.MockCommandExecutor, files map[string]string) *Runner {
	t.Helper()
	fs := memfs.New()
	for name, content := range files {
		if err := util.WriteFile(fs, name, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	return NewRunner(mock, fs, testScript, testImage, zap.NewNop())
}

func TestRunCommandComposition(t *testing.T) {
	for _, tc := range []struct {
		name         string
		target       analysis.Target
		opts         RunOptions
		imageMissing bool
		wantArgs     []string
	}{
		{
			name:   "registry run with pinned version",
			target: analysis.Target{Ecosystem: analysis.PyPI, Package: "requests", Version: "2.28.0"},
			wantArgs: []string{
				"-ecosystem", "pypi", "-package", "requests", "-version", "2.28.0",
				"-mode", "dynamic", "-nopull", "-nointeractive",
			},
		},
		{
			name:         "latest resolves in sandbox",
			target:       analysis.Target{Ecosystem: analysis.NPM, Package: "lodash", Version: "latest"},
			imageMissing: true,
			wantArgs: []string{
				"-ecosystem", "npm", "-package", "lodash",
				"-mode", "dynamic", "-nointeractive",
			},
		},
		{
			name:   "local artifact keeps explicit version",
			target: analysis.Target{Ecosystem: analysis.PyPI, Package: "requests", Version: "latest"},
			opts:   RunOptions{LocalPath: "/tmp/uploads/requests.whl"},
			wantArgs: []string{
				"-ecosystem", "pypi", "-package", "requests", "-version", "latest",
				"-mode", "dynamic", "-local", "/tmp/uploads/requests.whl", "-nopull", "-nointeractive",
			},
		},
		{
			name:   "scoped package",
			target: analysis.Target{Ecosystem: analysis.NPM, Package: "@angular/Animation", Version: "latest"},
			wantArgs: []string{
				"-ecosystem", "npm", "-package", "@angular/Animation",
				"-mode", "dynamic", "-nopull", "-nointeractive",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mock := executor.NewMockCommandExecutor()
			if tc.imageMissing {
				mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
					if name == "docker" {
						return errors.New("No such image: " + testImage)
					}
					return nil
				})
			}
			r := newTestRunner(t, mock, map[string]string{
				resultFile(tc.target): `{"Analysis": {"install": {}}}`,
			})
			res, err := r.Run(context.Background(), tc.target, tc.opts)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Results == nil {
				t.Fatal("Run returned no results")
			}
			cmds := mock.Commands()
			if len(cmds) != 2 {
				t.Fatalf("recorded %d commands, want 2", len(cmds))
			}
			if cmds[0].Name != "docker" {
				t.Errorf("probe command = %s, want docker", cmds[0].Name)
			}
			if diff := cmp.Diff([]string{"image", "inspect", testImage}, cmds[0].Args); diff != "" {
				t.Errorf("probe args mismatch (-want +got):\n%s", diff)
			}
			if cmds[1].Name != testScript {
				t.Errorf("script command = %s, want %s", cmds[1].Name, testScript)
			}
			if diff := cmp.Diff(tc.wantArgs, cmds[1].Args); diff != "" {
				t.Errorf("script args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunStreamsOutputLines(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
		if name == "docker" {
			return nil
		}
		fmt.Fprint(opts.Output, "Starting analysis\ncontainer_id=0123456789ab\n")
		fmt.Fprint(opts.ErrOutput, "warning: slow network\n")
		return nil
	})
	target := analysis.Target{Ecosystem: analysis.PyPI, Package: "requests", Version: "2.28.0"}
	r := newTestRunner(t, mock, map[string]string{"requests.json": `{"Analysis": {"install": {}}}`})

	var lines []string
	res, err := r.Run(context.Background(), target, RunOptions{
		OnOutputLine: func(line string) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"Starting analysis", "container_id=0123456789ab", "warning: slow network"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(res.Stdout, "container_id=0123456789ab") {
		t.Errorf("stdout missing container line: %q", res.Stdout)
	}
	if res.Stderr != "warning: slow network\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunMissingResultFile(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	target := analysis.Target{Ecosystem: analysis.PyPI, Package: "requests", Version: "2.28.0"}
	r := newTestRunner(t, mock, nil)

	_, err := r.Run(context.Background(), target, RunOptions{})
	var aerr *analysis.Error
	if !errors.As(err, &aerr) {
		t.Fatalf("Run error = %v, want *analysis.Error", err)
	}
	if aerr.Category != analysis.ResultFileError {
		t.Errorf("category = %s, want %s", aerr.Category, analysis.ResultFileError)
	}
	if aerr.Message != "Analysis result file not found: requests.json" {
		t.Errorf("message = %q", aerr.Message)
	}
	if got := aerr.Details["error_type"]; got != "result_file_not_found" {
		t.Errorf("error_type = %v", got)
	}
}

func TestRunMalformedResultFile(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	target := analysis.Target{Ecosystem: analysis.PyPI, Package: "requests", Version: "2.28.0"}
	r := newTestRunner(t, mock, map[string]string{"requests.json": `{"Analysis": `})

	_, err := r.Run(context.Background(), target, RunOptions{})
	var aerr *analysis.Error
	if !errors.As(err, &aerr) {
		t.Fatalf("Run error = %v, want *analysis.Error", err)
	}
	if aerr.Category != analysis.ResultParsingError {
		t.Errorf("category = %s, want %s", aerr.Category, analysis.ResultParsingError)
	}
	if !strings.HasPrefix(aerr.Message, "Failed to parse analysis results: ") {
		t.Errorf("message = %q", aerr.Message)
	}
	if got := aerr.Details["error_type"]; got != "json_parsing_failed" {
		t.Errorf("error_type = %v", got)
	}
	cmdline, _ := aerr.Details["command"].(string)
	if !strings.Contains(cmdline, "-package requests") {
		t.Errorf("command = %q, want package flag recorded", cmdline)
	}
}

func TestRunClassifiesExecutionFailure(t *testing.T) {
	mock := executor.NewMockCommandExecutor()
	mock.SetExecuteFunc(func(ctx context.Context, opts executor.CommandOptions, name string, args ...string) error {
		if name == "docker" {
			return nil
		}
		fmt.Fprint(opts.Output, "installing package")
		fmt.Fprint(opts.ErrOutput, "Permission denied")
		return errors.New("script failed")
	})
	target := analysis.Target{Ecosystem: analysis.PyPI, Package: "requests", Version: "2.28.0"}
	r := newTestRunner(t, mock, nil)

	_, err := r.Run(context.Background(), target, RunOptions{})
	var aerr *analysis.Error
	if !errors.As(err, &aerr) {
		t.Fatalf("Run error = %v, want *analysis.Error", err)
	}
	if aerr.Category != analysis.UnknownError {
		t.Errorf("category = %s, want %s", aerr.Category, analysis.UnknownError)
	}
	if aerr.Message != "Unknown error (exit code -1): Permission denied" {
		t.Errorf("message = %q", aerr.Message)
	}
	if got := aerr.Details["stdout"]; got != "installing package" {
		t.Errorf("stdout detail = %v", got)
	}
	if got := aerr.Details["stderr"]; got != "Permission denied" {
		t.Errorf("stderr detail = %v", got)
	}
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := &lineWriter{fn: func(s string) { lines = append(lines, s) }}
	io.WriteString(w, "par")
	io.WriteString(w, "tial\nsecond\r\n")
	io.WriteString(w, "tail")
	w.Flush()
	w.Flush()
	want := []string{"partial", "second", "tail"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox invokes the dynamic-analysis sandbox and turns its output
// into report structures or classified errors.
package sandbox

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/pakaremon/packamal/internal/executor"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pakaremon/packamal/pkg/analysis/schema"
	"go.uber.org/zap"
)

// Runner drives one sandbox invocation at a time.
type Runner struct {
	exec executor.CommandExecutor
	// results is the directory the sandbox writes result JSON into.
	results billy.Filesystem
	script  string
	image   string
	log     *zap.Logger
}

// NewRunner returns a runner for the given analysis script and image.
func NewRunner(exec executor.CommandExecutor, results billy.Filesystem, script, image string, log *zap.Logger) *Runner {
	return &Runner{exec: exec, results: results, script: script, image: image, log: log}
}

// RunOptions carries per-run parameters.
type RunOptions struct {
	// LocalPath points the sandbox at a pre-fetched artifact.
	LocalPath string
	// OnOutputLine receives each line of combined sandbox output as it
	// streams, before the run completes.
	OnOutputLine func(line string)
}

// RunResult is a successful sandbox run.
type RunResult struct {
	Results  *schema.AnalysisResults
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Run executes the sandbox for target and collects its result file.
// Failures are returned as *analysis.Error values carrying the classified
// category and diagnostic details.
func (r *Runner) Run(ctx context.Context, target analysis.Target, opts RunOptions) (*RunResult, error) {
	args := r.commandArgs(target, opts.LocalPath, r.imageExists(ctx))
	cmdline := r.script + " " + strings.Join(args, " ")
	r.log.Info("starting sandbox",
		zap.String("package", target.Package),
		zap.String("version", target.Version),
		zap.String("ecosystem", string(target.Ecosystem)))

	var stdout, stderr bytes.Buffer
	outW, errW := io.Writer(&stdout), io.Writer(&stderr)
	if opts.OnOutputLine != nil {
		lw := &lineWriter{fn: opts.OnOutputLine}
		defer lw.Flush()
		outW = io.MultiWriter(&stdout, lw)
		errW = io.MultiWriter(&stderr, lw)
	}

	start := time.Now()
	err := r.exec.Execute(ctx, executor.CommandOptions{Output: outW, ErrOutput: errW}, r.script, args...)
	duration := time.Since(start)
	if err != nil {
		aerr := classifyRunError(ctx, err, cmdline, target, stdout.String(), stderr.String())
		r.log.Error("sandbox run failed",
			zap.String("package", target.Package),
			zap.String("category", string(aerr.Category)),
			zap.Error(aerr))
		return nil, aerr
	}

	results, aerr := r.collectResults(target, cmdline)
	if aerr != nil {
		return nil, aerr
	}
	r.log.Info("sandbox run completed",
		zap.String("package", target.Package),
		zap.Duration("duration", duration))
	return &RunResult{
		Results:  results,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

// imageExists probes whether the analysis image is already present, letting
// the sandbox skip its pull.
func (r *Runner) imageExists(ctx context.Context) bool {
	return r.exec.Execute(ctx, executor.CommandOptions{}, "docker", "image", "inspect", r.image) == nil
}

// commandArgs assembles the sandbox invocation. The version flag is omitted
// for registry runs of "latest" so the sandbox resolves it itself.
func (r *Runner) commandArgs(target analysis.Target, localPath string, nopull bool) []string {
	args := []string{"-ecosystem", string(target.Ecosystem), "-package", target.Package}
	if target.Version != "latest" || localPath != "" {
		args = append(args, "-version", target.Version)
	}
	args = append(args, "-mode", "dynamic")
	if localPath != "" {
		args = append(args, "-local", localPath)
	}
	if nopull {
		args = append(args, "-nopull")
	}
	args = append(args, "-nointeractive")
	return args
}

// resultFile is where the sandbox deposits its output for target.
func resultFile(target analysis.Target) string {
	return strings.ToLower(target.Package) + ".json"
}

func (r *Runner) collectResults(target analysis.Target, cmdline string) (*schema.AnalysisResults, *analysis.Error) {
	name := resultFile(target)
	f, err := r.results.Open(name)
	if err != nil {
		return nil, analysis.NewError(analysis.ResultFileError,
			"Analysis result file not found: "+name,
			fileErrorDetails("result_file_not_found", cmdline, target))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, analysis.NewError(analysis.ResultFileError,
			"Analysis result file not readable: "+name,
			fileErrorDetails("result_file_not_found", cmdline, target))
	}
	results, err := ParseResults(data)
	if err != nil {
		return nil, analysis.NewError(analysis.ResultParsingError,
			"Failed to parse analysis results: "+err.Error(),
			fileErrorDetails("json_parsing_failed", cmdline, target))
	}
	return results, nil
}

func fileErrorDetails(errorType, cmdline string, target analysis.Target) map[string]any {
	return map[string]any{
		"error_type":      errorType,
		"command":         cmdline,
		"package_name":    target.Package,
		"package_version": target.Version,
		"ecosystem":       string(target.Ecosystem),
	}
}

// lineWriter splits a byte stream into lines for a callback. Stdout and
// stderr feed it concurrently, so it locks.
type lineWriter struct {
	mu  sync.Mutex
	fn  func(string)
	rem []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rem = append(w.rem, p...)
	for {
		i := bytes.IndexByte(w.rem, '\n')
		if i < 0 {
			break
		}
		w.fn(string(bytes.TrimRight(w.rem[:i], "\r")))
		w.rem = w.rem[i+1:]
	}
	return len(p), nil
}

// Flush delivers a trailing unterminated line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.rem) > 0 {
		w.fn(string(w.rem))
		w.rem = nil
	}
}

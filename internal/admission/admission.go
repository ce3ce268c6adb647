// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission decides what happens to a submitted analysis request:
// served from cache, folded into an active duplicate, replayed, or queued.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pakaremon/packamal/internal/reportstore"
	"github.com/pakaremon/packamal/internal/taskstore"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pakaremon/packamal/pkg/analysis/purl"
	"github.com/pakaremon/packamal/pkg/analysis/schema"
)

// ErrEnqueue marks persistence failures between task creation and queue
// placement. The task has already been marked failed when this is returned.
var ErrEnqueue = errors.New("failed to queue analysis")

// Enqueuer places a created task into the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID int64) (int, error)
}

// Request is one parsed, authenticated submission.
type Request struct {
	Parsed         *purl.Package
	Priority       int
	IdempotencyKey string
	LocalPath      string
	// StatusURL renders the absolute polling URL for a task id.
	StatusURL func(taskID int64) string
}

// Result is the admission outcome: the HTTP status code to answer with and
// the response payload.
type Result struct {
	Code     int
	Response *schema.AnalyzeResponse
}

// Controller implements the admission sequence. Steps run as separate short
// transactions; the race guard re-check covers the gap between them.
type Controller struct {
	store          *taskstore.Store
	queue          Enqueuer
	reports        *reportstore.FileStore
	window         time.Duration
	raceWindow     time.Duration
	defaultTimeout int
	log            *zap.Logger
	now            func() time.Time
}

// Config bounds the duplicate checks and sets task defaults.
type Config struct {
	// DedupeWindow is how far back active duplicates are honored.
	DedupeWindow time.Duration
	// RaceWindow is the span of the concurrent-admission re-check.
	RaceWindow time.Duration
	// DefaultTimeoutMinutes is stamped on every new task.
	DefaultTimeoutMinutes int
}

// New returns a controller over the given stores.
func New(store *taskstore.Store, q Enqueuer, reports *reportstore.FileStore, cfg Config, log *zap.Logger) *Controller {
	return &Controller{
		store:          store,
		queue:          q,
		reports:        reports,
		window:         cfg.DedupeWindow,
		raceWindow:     cfg.RaceWindow,
		defaultTimeout: cfg.DefaultTimeoutMinutes,
		log:            log,
		now:            time.Now,
	}
}

// Submit runs the admission sequence for one request.
func (c *Controller) Submit(ctx context.Context, cred *taskstore.Credential, req Request) (*Result, error) {
	target := req.Parsed.Target()
	predicted := c.reports.URL(target).String()

	cached, err := c.store.LatestCompletedByPURL(ctx, req.Parsed.Original)
	if err == nil {
		return c.serveCached(ctx, cached, target)
	}
	if !errors.Is(err, taskstore.ErrNotFound) {
		return nil, errors.Wrap(err, "checking completed tasks")
	}

	now := c.now().UTC()
	dup, err := c.store.LatestActiveByPURL(ctx, req.Parsed.Original, now.Add(-c.window))
	if err == nil {
		return c.replay(dup, predicted, req, fmt.Sprintf("Analysis already %s", dup.Status)), nil
	}
	if !errors.Is(err, taskstore.ErrNotFound) {
		return nil, errors.Wrap(err, "checking active duplicates")
	}

	dup, err = c.store.LatestActiveByPURL(ctx, req.Parsed.Original, now.Add(-c.raceWindow))
	if err == nil {
		return c.replay(dup, predicted, req,
			fmt.Sprintf("Analysis already %s (race condition prevented)", dup.Status)), nil
	}
	if !errors.Is(err, taskstore.ErrNotFound) {
		return nil, errors.Wrap(err, "re-checking active duplicates")
	}

	if req.IdempotencyKey != "" {
		prior, err := c.store.TaskByIdempotencyKey(ctx, cred.ID, req.IdempotencyKey)
		if err == nil {
			return c.replay(prior, predicted, req, "Idempotent replay"), nil
		}
		if !errors.Is(err, taskstore.ErrNotFound) {
			return nil, errors.Wrap(err, "checking idempotency key")
		}
	}

	task := &taskstore.Task{
		CredentialID:   cred.ID,
		PURL:           req.Parsed.Original,
		PackageName:    req.Parsed.PackageName(),
		PackageVersion: target.Version,
		Ecosystem:      string(target.Ecosystem),
		Status:         analysis.StatusPending,
		Priority:       req.Priority,
		TimeoutMinutes: c.defaultTimeout,
		LocalPath:      req.LocalPath,
		CreatedAt:      now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		task.IdempotencyKey = &key
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		// A concurrent admission with the same key won the insert; serve
		// its task instead.
		if req.IdempotencyKey != "" && taskstore.IsUniqueViolation(err) {
			prior, qerr := c.store.TaskByIdempotencyKey(ctx, cred.ID, req.IdempotencyKey)
			if qerr == nil {
				return c.replay(prior, predicted, req, "Idempotent replay"), nil
			}
		}
		return nil, errors.Wrap(err, "creating task")
	}

	pos, err := c.queue.Enqueue(ctx, task.ID)
	if err != nil {
		c.log.Error("enqueue failed", zap.Int64("task_id", task.ID), zap.Error(err))
		failure := taskstore.Failure{
			Category: analysis.UnknownError,
			Message:  "Failed to queue analysis",
		}
		if ferr := c.store.MarkFailed(ctx, task.ID, failure, c.now().UTC()); ferr != nil {
			c.log.Error("failing unqueued task failed", zap.Int64("task_id", task.ID), zap.Error(ferr))
		}
		return nil, errors.Wrapf(ErrEnqueue, "task %d: %v", task.ID, err)
	}

	c.log.Info("analysis admitted",
		zap.Int64("task_id", task.ID),
		zap.String("purl", task.PURL),
		zap.Int("position", pos))
	resp := &schema.AnalyzeResponse{
		TaskID:        task.ID,
		Status:        analysis.StatusQueued,
		QueuePosition: &pos,
		ResultURL:     predicted,
		Message:       fmt.Sprintf("Analysis queued at position %d", pos),
	}
	if req.StatusURL != nil {
		resp.StatusURL = req.StatusURL(task.ID)
	}
	return &Result{Code: http.StatusAccepted, Response: resp}, nil
}

// serveCached answers a submission from an existing completed task,
// rewriting the report file so the canonical path is always present.
func (c *Controller) serveCached(ctx context.Context, task *taskstore.Task, target analysis.Target) (*Result, error) {
	rep, err := c.store.ReportByID(ctx, *task.ReportID)
	if err != nil {
		return nil, errors.Wrap(err, "loading cached report")
	}
	var doc schema.Report
	if err := json.Unmarshal(rep.Payload, &doc); err != nil {
		return nil, errors.Wrap(err, "decoding cached report")
	}
	doc.Metadata.CreatedAt = c.now().UTC()
	metadata, err := c.reports.Write(target, &doc)
	if err != nil {
		return nil, errors.Wrap(err, "rewriting cached report")
	}
	c.log.Info("analysis served from cache",
		zap.Int64("task_id", task.ID),
		zap.String("purl", task.PURL))
	return &Result{
		Code: http.StatusOK,
		Response: &schema.AnalyzeResponse{
			TaskID:         task.ID,
			Status:         analysis.StatusCompleted,
			DownloadURL:    metadata.DownloadURL,
			ReportMetadata: metadata,
			Message:        "Analysis already exists (cached result)",
		},
	}, nil
}

// replay answers a submission with an existing task's state.
func (c *Controller) replay(task *taskstore.Task, predicted string, req Request, message string) *Result {
	resp := &schema.AnalyzeResponse{
		TaskID:    task.ID,
		Status:    task.Status,
		ResultURL: predicted,
		Message:   message,
	}
	if task.Status == analysis.StatusQueued {
		resp.QueuePosition = task.QueuePosition
	}
	if task.DownloadURL != nil && *task.DownloadURL != "" {
		resp.DownloadURL = *task.DownloadURL
	}
	if req.StatusURL != nil {
		resp.StatusURL = req.StatusURL(task.ID)
	}
	return &Result{Code: http.StatusOK, Response: resp}
}

// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker runs the analysis loop: claim the next queued task, run
// the sandbox, persist the report. Exactly one worker runs per deployment.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pakaremon/packamal/internal/container"
	"github.com/pakaremon/packamal/internal/queue"
	"github.com/pakaremon/packamal/internal/sandbox"
	"github.com/pakaremon/packamal/internal/supervisor"
	"github.com/pakaremon/packamal/internal/taskstore"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pakaremon/packamal/pkg/analysis/schema"
)

// SandboxRunner runs one sandboxed analysis.
type SandboxRunner interface {
	Run(ctx context.Context, target analysis.Target, opts sandbox.RunOptions) (*sandbox.RunResult, error)
}

// ReportSink persists finished report documents.
type ReportSink interface {
	Write(t analysis.Target, doc *schema.Report) (*schema.ReportMetadata, error)
}

// ContainerControl stops a task's container and captures its logs when a
// run is cut short.
type ContainerControl interface {
	Stop(ctx context.Context, id string, grace time.Duration) bool
	Logs(ctx context.Context, id string, tail int) string
}

// logTail bounds how much container output is preserved with a timeout.
const logTail = 50

// Config carries the loop timings.
type Config struct {
	// IdlePoll is the sleep between polls of an empty queue.
	IdlePoll time.Duration
	// ErrorBackoff is the sleep after a loop iteration fails.
	ErrorBackoff time.Duration
	// HeartbeatInterval is how often a running task's heartbeat is stamped.
	HeartbeatInterval time.Duration
	// ContainerGrace is how long a container gets to stop before being
	// killed during shutdown.
	ContainerGrace time.Duration
}

// Worker is the single task processor.
type Worker struct {
	store      *taskstore.Store
	queue      *queue.Queue
	supervisor *supervisor.Supervisor
	runner     SandboxRunner
	reports    ReportSink
	containers ContainerControl
	cfg        Config
	log        *zap.Logger
	now        func() time.Time

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New assembles a worker. Start must be called before it processes anything.
func New(store *taskstore.Store, q *queue.Queue, sup *supervisor.Supervisor, runner SandboxRunner, reports ReportSink, containers ContainerControl, cfg Config, log *zap.Logger) *Worker {
	return &Worker{
		store:      store,
		queue:      q,
		supervisor: sup,
		runner:     runner,
		reports:    reports,
		containers: containers,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// Start launches the loop. Subsequent calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop cancels the loop and waits for the current iteration to finish.
func (w *Worker) Stop() {
	if !w.started.Load() || w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.log.Info("worker started",
		zap.Duration("idle_poll", w.cfg.IdlePoll),
		zap.Duration("error_backoff", w.cfg.ErrorBackoff))
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return
		}
		idle, err := w.iterate(ctx)
		switch {
		case err != nil:
			w.log.Error("worker iteration failed", zap.Error(err))
			w.sleep(ctx, w.cfg.ErrorBackoff)
		case idle:
			w.sleep(ctx, w.cfg.IdlePoll)
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// iterate processes at most one task. idle reports that the queue had
// nothing claimable.
func (w *Worker) iterate(ctx context.Context) (idle bool, err error) {
	if _, err := w.supervisor.CheckTimeouts(ctx); err != nil {
		return false, errors.Wrap(err, "checking timeouts")
	}
	task, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return true, nil
	}
	w.process(ctx, task)
	return false, nil
}

func (w *Worker) process(ctx context.Context, task *taskstore.Task) {
	log := w.log.With(zap.Int64("task_id", task.ID), zap.String("purl", task.PURL))
	log.Info("task started", zap.Int("timeout_minutes", task.TimeoutMinutes))

	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", zap.Any("panic", r))
			w.fail(task, taskstore.Failure{
				Category: analysis.UnknownError,
				Message:  fmt.Sprintf("Unknown error: %v", r),
				Details:  taskstore.ErrorDetails{"error_type": "panic"},
			}, log)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(task.TimeoutMinutes)*time.Minute)
	defer cancel()
	stopBeat := w.startHeartbeat(runCtx, task.ID)
	defer stopBeat()

	var once sync.Once
	onLine := func(line string) {
		id := container.ExtractContainerID(line)
		if id == "" {
			return
		}
		once.Do(func() {
			task.ContainerID = &id
			if err := w.store.SetContainerID(context.Background(), task.ID, id); err != nil {
				log.Warn("recording container id failed", zap.Error(err))
				return
			}
			log.Info("container identified", zap.String("container_id", id))
		})
	}

	res, runErr := w.runner.Run(runCtx, task.Target(), sandbox.RunOptions{
		LocalPath:    task.LocalPath,
		OnOutputLine: onLine,
	})
	stopBeat()
	if runErr != nil {
		if ctx.Err() != nil {
			w.abort(task, log)
			return
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			w.timeOut(task, log)
			return
		}
		failure := failureFrom(runErr)
		log.Error("task failed",
			zap.String("category", string(failure.Category)),
			zap.String("message", failure.Message))
		w.fail(task, failure, log)
		return
	}
	w.complete(task, res, log)
}

func (w *Worker) complete(task *taskstore.Task, res *sandbox.RunResult, log *zap.Logger) {
	// Completion must land even when shutdown races the end of a run.
	ctx := context.Background()
	now := w.now().UTC()
	doc := w.buildReport(task, res, now)

	metadata, err := w.reports.Write(task.Target(), doc)
	if err != nil {
		w.fail(task, taskstore.Failure{
			Category: analysis.UnknownError,
			Message:  "Failed to save analysis report: " + err.Error(),
			Details:  taskstore.ErrorDetails{"error_type": "report_write_failed"},
		}, log)
		return
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		w.fail(task, taskstore.Failure{
			Category: analysis.UnknownError,
			Message:  "Failed to save analysis report: " + err.Error(),
			Details:  taskstore.ErrorDetails{"error_type": "report_write_failed"},
		}, log)
		return
	}
	rep := &taskstore.Report{
		Ecosystem:       task.Ecosystem,
		PackageName:     task.PackageName,
		PackageVersion:  task.PackageVersion,
		DurationSeconds: res.Duration.Seconds(),
		Payload:         payload,
		CreatedAt:       now,
	}
	if err := w.store.InsertReport(ctx, rep); err != nil {
		w.fail(task, taskstore.Failure{
			Category: analysis.UnknownError,
			Message:  "Failed to save analysis report: " + err.Error(),
			Details:  taskstore.ErrorDetails{"error_type": "report_write_failed"},
		}, log)
		return
	}
	if err := w.store.MarkCompleted(ctx, task.ID, rep.ID, metadata.DownloadURL, now); err != nil {
		log.Error("finalizing task failed", zap.Error(err))
		return
	}
	if err := w.queue.Renumber(ctx); err != nil {
		log.Error("renumbering queue failed", zap.Error(err))
	}
	log.Info("task completed",
		zap.Duration("duration", res.Duration),
		zap.String("download_url", metadata.DownloadURL))
}

func (w *Worker) buildReport(task *taskstore.Task, res *sandbox.RunResult, now time.Time) *schema.Report {
	return &schema.Report{
		Metadata: schema.ReportHeader{
			CreatedAt: now,
			Package: schema.PackageInfo{
				Name:      task.PackageName,
				Version:   task.PackageVersion,
				Ecosystem: task.Ecosystem,
				PURL:      task.PURL,
			},
			Analysis: schema.AnalysisInfo{
				Status:          string(analysis.StatusCompleted),
				StartedAt:       task.StartedAt,
				CompletedAt:     &now,
				DurationSeconds: res.Duration.Seconds(),
			},
			API: schema.APIInfo{
				Version:     schema.APIVersion,
				Endpoint:    schema.APIEndpoint,
				GeneratedBy: schema.GeneratedBy,
			},
		},
		AnalysisResults: res.Results,
	}
}

func (w *Worker) fail(task *taskstore.Task, failure taskstore.Failure, log *zap.Logger) {
	ctx := context.Background()
	if err := w.store.MarkFailed(ctx, task.ID, failure, w.now().UTC()); err != nil {
		log.Error("recording task failure failed", zap.Error(err))
		return
	}
	if err := w.queue.Renumber(ctx); err != nil {
		log.Error("renumbering queue failed", zap.Error(err))
	}
}

// timeOut finalizes a task whose own run deadline expired, stopping its
// container and preserving the tail of its logs.
func (w *Worker) timeOut(task *taskstore.Task, log *zap.Logger) {
	ctx := context.Background()
	now := w.now().UTC()
	details := taskstore.ErrorDetails{
		"timeout_minutes": task.TimeoutMinutes,
		"timed_out_at":    now.Format(time.RFC3339),
	}
	if task.StartedAt != nil {
		details["started_at"] = task.StartedAt.UTC().Format(time.RFC3339)
	}
	if task.ContainerID != nil && *task.ContainerID != "" {
		id := *task.ContainerID
		stopped := w.containers.Stop(ctx, id, w.cfg.ContainerGrace)
		details["container_id"] = id
		details["container_stopped"] = stopped
		if logs := w.containers.Logs(ctx, id, logTail); logs != "" {
			details["container_logs"] = logs
		}
	}
	w.fail(task, taskstore.Failure{
		Category: analysis.TimeoutError,
		Message:  fmt.Sprintf("Task timed out after %d minutes", task.TimeoutMinutes),
		Details:  details,
	}, log)
	log.Warn("task timed out", zap.Int("timeout_minutes", task.TimeoutMinutes))
}

// abort finalizes a task whose run was cut short by worker shutdown.
func (w *Worker) abort(task *taskstore.Task, log *zap.Logger) {
	if task.ContainerID != nil && *task.ContainerID != "" {
		w.containers.Stop(context.Background(), *task.ContainerID, w.cfg.ContainerGrace)
	}
	w.fail(task, taskstore.Failure{
		Category: analysis.TimeoutError,
		Message:  "Task stopped during worker shutdown",
		Details:  taskstore.ErrorDetails{"error_type": "worker_shutdown"},
	}, log)
	log.Warn("task aborted by shutdown")
}

func (w *Worker) startHeartbeat(ctx context.Context, id int64) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := w.store.Heartbeat(context.Background(), id, w.now().UTC()); err != nil {
					w.log.Warn("heartbeat failed", zap.Int64("task_id", id), zap.Error(err))
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}

func failureFrom(err error) taskstore.Failure {
	var aerr *analysis.Error
	if errors.As(err, &aerr) {
		return taskstore.Failure{
			Category: aerr.Category,
			Message:  aerr.Message,
			Details:  taskstore.ErrorDetails(aerr.Details),
		}
	}
	return taskstore.Failure{
		Category: analysis.UnknownError,
		Message:  "Unknown error: " + err.Error(),
		Details:  taskstore.ErrorDetails{"error_type": "analysis_execution_failed"},
	}
}

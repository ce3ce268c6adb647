// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the priority FIFO that feeds the analysis
// worker. Positions are dense (1..N) and kept consistent with scheduling
// order: higher priority first, then earlier enqueue.
package queue

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pakaremon/packamal/internal/taskstore"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pakaremon/packamal/pkg/analysis/schema"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Queue sequences queued tasks for the single analysis worker.
type Queue struct {
	store *taskstore.Store
	log   *zap.Logger
	now   func() time.Time
}

// New returns a queue over the given store.
func New(store *taskstore.Store, log *zap.Logger) *Queue {
	return &Queue{store: store, log: log, now: time.Now}
}

// Enqueue moves a pending task into the queue and returns the position it
// holds after renumbering.
func (q *Queue) Enqueue(ctx context.Context, taskID int64) (int, error) {
	var pos int
	err := q.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		tail, err := taskstore.MaxQueuePosition(ctx, tx)
		if err != nil {
			return err
		}
		if err := taskstore.SetQueued(ctx, tx, taskID, tail+1, q.now()); err != nil {
			return err
		}
		if err := renumber(ctx, tx); err != nil {
			return err
		}
		task, err := taskstore.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.QueuePosition == nil {
			return errors.Errorf("task %d lost its queue position", taskID)
		}
		pos = *task.QueuePosition
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "enqueueing task")
	}
	q.log.Info("task queued", zap.Int64("task_id", taskID), zap.Int("position", pos))
	return pos, nil
}

// ClaimNext claims the task at the head of the queue and transitions it to
// running, all within one transaction. It returns nil without claiming when
// the queue is empty or a task is already running. Queued tasks whose purl
// gained a completed report while they waited are finalized from that
// report instead of running again.
func (q *Queue) ClaimNext(ctx context.Context) (*taskstore.Task, error) {
	var claimed *taskstore.Task
	err := q.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		running, err := taskstore.CountByStatus(ctx, tx, analysis.StatusRunning)
		if err != nil {
			return err
		}
		if running > 0 {
			return nil
		}
		for {
			head, err := taskstore.HeadQueued(ctx, tx)
			if errors.Is(err, taskstore.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			cached, err := taskstore.LatestCompletedWithReport(ctx, tx, head.PURL)
			if err == nil {
				var url string
				if cached.DownloadURL != nil {
					url = *cached.DownloadURL
				}
				if err := taskstore.SetCompleted(ctx, tx, head.ID, *cached.ReportID, url, q.now()); err != nil {
					return err
				}
				if err := renumber(ctx, tx); err != nil {
					return err
				}
				q.log.Info("queued task satisfied by existing report",
					zap.Int64("task_id", head.ID), zap.Int64("report_id", *cached.ReportID))
				continue
			}
			if !errors.Is(err, taskstore.ErrNotFound) {
				return err
			}
			now := q.now()
			if err := taskstore.SetRunning(ctx, tx, head.ID, now); err != nil {
				return err
			}
			head.Status = analysis.StatusRunning
			head.StartedAt = &now
			head.LastHeartbeat = &now
			head.QueuePosition = nil
			claimed = head
			return nil
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "claiming next task")
	}
	return claimed, nil
}

// Renumber reassigns dense 1..N positions in scheduling order. Called after
// every completion or timeout so waiting tasks only ever move forward.
func (q *Queue) Renumber(ctx context.Context) error {
	err := q.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return renumber(ctx, tx)
	})
	return errors.Wrap(err, "renumbering queue")
}

func renumber(ctx context.Context, tx *sqlx.Tx) error {
	ids, err := taskstore.QueuedIDsByPriority(ctx, tx)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if err := taskstore.SetQueuePosition(ctx, tx, id, i+1); err != nil {
			return err
		}
	}
	return nil
}

// Position derives the externally visible queue position: queued tasks
// report their stored position, the running task reports zero, and
// terminal or pending tasks report nothing.
func Position(t *taskstore.Task) *int {
	switch t.Status {
	case analysis.StatusQueued:
		return t.QueuePosition
	case analysis.StatusRunning:
		zero := 0
		return &zero
	default:
		return nil
	}
}

// Snapshot reports the queue contents for the status endpoint.
func (q *Queue) Snapshot(ctx context.Context) (*schema.QueueStatusResponse, error) {
	queued, err := q.store.QueuedTasks(ctx)
	if err != nil {
		return nil, err
	}
	running, err := q.store.RunningTasks(ctx)
	if err != nil {
		return nil, err
	}
	return &schema.QueueStatusResponse{
		QueueLength:  len(queued),
		RunningCount: len(running),
		QueuedTasks:  lo.Map(queued, entryFromTask),
		RunningTasks: lo.Map(running, entryFromTask),
	}, nil
}

func entryFromTask(t taskstore.Task, _ int) schema.QueueTaskEntry {
	return schema.QueueTaskEntry{
		TaskID:        t.ID,
		PURL:          t.PURL,
		PackageName:   t.PackageName,
		Ecosystem:     t.Ecosystem,
		Priority:      t.Priority,
		QueuePosition: t.QueuePosition,
		CreatedAt:     t.CreatedAt,
		QueuedAt:      t.QueuedAt,
		StartedAt:     t.StartedAt,
	}
}

// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor enforces per-task execution deadlines.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pakaremon/packamal/internal/queue"
	"github.com/pakaremon/packamal/internal/taskstore"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pakaremon/packamal/pkg/analysis/schema"
)

// logTail bounds how much container output is preserved with a timeout.
const logTail = 50

// ContainerControl is the slice of container operations the supervisor uses.
type ContainerControl interface {
	Stop(ctx context.Context, id string, grace time.Duration) bool
	IsRunning(ctx context.Context, id string) bool
	Logs(ctx context.Context, id string, tail int) string
}

// Supervisor sweeps running tasks and fails the ones past their deadline.
type Supervisor struct {
	store      *taskstore.Store
	queue      *queue.Queue
	containers ContainerControl
	grace      time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// New returns a supervisor. grace is how long a container gets to stop
// before it is killed.
func New(store *taskstore.Store, q *queue.Queue, containers ContainerControl, grace time.Duration, log *zap.Logger) *Supervisor {
	return &Supervisor{
		store:      store,
		queue:      q,
		containers: containers,
		grace:      grace,
		log:        log,
		now:        time.Now,
	}
}

// CheckTimeouts fails every running task past its deadline, stopping its
// container and preserving the tail of its logs. The queue is renumbered
// once when anything timed out. Returns the IDs of the failed tasks.
func (s *Supervisor) CheckTimeouts(ctx context.Context) ([]int64, error) {
	running, err := s.store.RunningTasks(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing running tasks")
	}
	now := s.now()
	var timedOut []int64
	for i := range running {
		t := &running[i]
		if !t.IsTimedOut(now) {
			continue
		}
		if err := s.timeOut(ctx, t, now); err != nil {
			return timedOut, err
		}
		timedOut = append(timedOut, t.ID)
	}
	if len(timedOut) > 0 {
		if err := s.queue.Renumber(ctx); err != nil {
			return timedOut, errors.Wrap(err, "renumbering queue")
		}
	}
	return timedOut, nil
}

func (s *Supervisor) timeOut(ctx context.Context, t *taskstore.Task, now time.Time) error {
	details := taskstore.ErrorDetails{
		"timeout_minutes": t.TimeoutMinutes,
		"started_at":      t.StartedAt.UTC().Format(time.RFC3339),
		"timed_out_at":    now.UTC().Format(time.RFC3339),
	}
	if t.ContainerID != nil && *t.ContainerID != "" {
		id := *t.ContainerID
		stopped := s.containers.Stop(ctx, id, s.grace)
		details["container_id"] = id
		details["container_stopped"] = stopped
		if logs := s.containers.Logs(ctx, id, logTail); logs != "" {
			details["container_logs"] = logs
		}
	}
	failure := taskstore.Failure{
		Category: analysis.TimeoutError,
		Message:  fmt.Sprintf("Task timed out after %d minutes", t.TimeoutMinutes),
		Details:  details,
	}
	if err := s.store.MarkFailed(ctx, t.ID, failure, now); err != nil {
		return errors.Wrapf(err, "failing task %d", t.ID)
	}
	s.log.Warn("task timed out",
		zap.Int64("task_id", t.ID),
		zap.String("package", t.PackageName),
		zap.Int("timeout_minutes", t.TimeoutMinutes))
	return nil
}

// Status reports the deadline state of every running task without acting
// on it.
func (s *Supervisor) Status(ctx context.Context) (*schema.TimeoutStatusResponse, error) {
	running, err := s.store.RunningTasks(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing running tasks")
	}
	now := s.now()
	resp := &schema.TimeoutStatusResponse{
		RunningTasks: len(running),
		Tasks:        make([]schema.TimeoutTaskInfo, 0, len(running)),
	}
	for i := range running {
		t := &running[i]
		info := schema.TimeoutTaskInfo{
			TaskID:           t.ID,
			PackageName:      t.PackageName,
			StartedAt:        t.StartedAt,
			TimeoutMinutes:   t.TimeoutMinutes,
			RemainingMinutes: t.RemainingMinutes(now),
			IsTimedOut:       t.IsTimedOut(now),
		}
		if t.ContainerID != nil && *t.ContainerID != "" {
			info.ContainerID = *t.ContainerID
			info.ContainerRunning = s.containers.IsRunning(ctx, *t.ContainerID)
		}
		if info.IsTimedOut {
			resp.TimedOutTasks++
		}
		resp.Tasks = append(resp.Tasks, info)
	}
	return resp, nil
}

// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/pakaremon/packamal/internal/admission"
	"github.com/pakaremon/packamal/internal/gate"
	"github.com/pakaremon/packamal/internal/queue"
	"github.com/pakaremon/packamal/internal/reportstore"
	"github.com/pakaremon/packamal/internal/taskstore"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pakaremon/packamal/pkg/analysis/purl"
	"github.com/pakaremon/packamal/pkg/analysis/schema"
)

const (
	maxIdempotencyKeyLen = 64
	defaultPageSize      = 20
	maxPageSize          = 100
)

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	cred, ok := gate.CredentialFrom(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, "API key required", "Request is not authenticated")
		return
	}
	var req schema.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid request body", "Request body must be a JSON object")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	parsed, err := purl.Parse(req.PURL)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid PURL", err.Error())
		return
	}
	key := r.Header.Get("X-Idempotency-Key")
	if len(key) > maxIdempotencyKeyLen {
		respondError(w, r, http.StatusBadRequest, "Invalid idempotency key",
			fmt.Sprintf("X-Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
		return
	}

	result, err := s.admission.Submit(r.Context(), cred, admission.Request{
		Parsed:         parsed,
		Priority:       req.Priority,
		IdempotencyKey: key,
		LocalPath:      req.LocalPath,
		StatusURL:      statusURL(r),
	})
	if err != nil {
		if errors.Is(err, admission.ErrEnqueue) {
			respondError(w, r, http.StatusInternalServerError, "Failed to queue analysis",
				"The analysis could not be placed in the queue")
			return
		}
		s.log.Error("admission failed", zap.String("purl", req.PURL), zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "Internal error", "The submission could not be processed")
		return
	}
	writeJSON(w, result.Code, &Envelope{
		Success:   true,
		Data:      result.Response,
		Message:   result.Response.Message,
		RequestID: requestID(r),
	})
}

// statusURL renders absolute polling URLs against the host the client
// reached us on.
func statusURL(r *http.Request) func(taskID int64) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	return func(taskID int64) string {
		return fmt.Sprintf("%s://%s/api/v1/task/%d/", scheme, host, taskID)
	}
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskFromPath(w, r, false)
	if !ok {
		return
	}
	resp := &schema.TaskStatusResponse{
		TaskID:              task.ID,
		PURL:                task.PURL,
		Status:              task.Status,
		PackageName:         task.PackageName,
		PackageVersion:      task.PackageVersion,
		Ecosystem:           task.Ecosystem,
		Priority:            task.Priority,
		TimeoutMinutes:      task.TimeoutMinutes,
		CreatedAt:           task.CreatedAt,
		QueuedAt:            task.QueuedAt,
		StartedAt:           task.StartedAt,
		CompletedAt:         task.CompletedAt,
		ExpectedDownloadURL: s.reports.URL(task.Target()).String(),
		LastHeartbeat:       task.LastHeartbeat,
	}
	if task.ContainerID != nil {
		resp.ContainerID = *task.ContainerID
	}
	switch task.Status {
	case analysis.StatusQueued:
		resp.QueuePosition = task.QueuePosition
	case analysis.StatusRunning:
		now := time.Now()
		remaining := task.RemainingMinutes(now)
		timedOut := task.IsTimedOut(now)
		resp.RemainingTimeMinutes = &remaining
		resp.IsTimedOut = &timedOut
	case analysis.StatusCompleted:
		if task.DownloadURL != nil {
			resp.DownloadURL = *task.DownloadURL
		}
		if metadata, err := s.reports.Stat(task.Target()); err == nil {
			resp.ReportMetadata = metadata
		} else if !errors.Is(err, reportstore.ErrReportNotFound) {
			s.log.Warn("stating report failed", zap.Int64("task_id", task.ID), zap.Error(err))
		}
	case analysis.StatusFailed:
		if task.ErrorCategory != nil {
			resp.ErrorCategory = *task.ErrorCategory
		}
		if task.ErrorMessage != nil {
			resp.ErrorMessage = *task.ErrorMessage
		}
		resp.ErrorDetails = map[string]any(task.ErrorDetails)
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskFromPath(w, r, true)
	if !ok {
		return
	}
	respond(w, r, http.StatusOK, &schema.QueuePositionResponse{
		TaskID:         task.ID,
		Status:         task.Status,
		QueuePosition:  queue.Position(task),
		PURL:           task.PURL,
		PackageName:    task.PackageName,
		PackageVersion: task.PackageVersion,
		Ecosystem:      task.Ecosystem,
	})
}

// taskFromPath resolves the {taskID} path parameter, optionally requiring
// that the task belong to the calling credential.
func (s *Server) taskFromPath(w http.ResponseWriter, r *http.Request, scoped bool) (*taskstore.Task, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid task id", "Task id must be an integer")
		return nil, false
	}
	var task *taskstore.Task
	if scoped {
		cred, ok := gate.CredentialFrom(r.Context())
		if !ok {
			respondError(w, r, http.StatusUnauthorized, "API key required", "Request is not authenticated")
			return nil, false
		}
		task, err = s.store.TaskForCredential(r.Context(), cred.ID, id)
	} else {
		task, err = s.store.TaskByID(r.Context(), id)
	}
	if errors.Is(err, taskstore.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "Task not found", fmt.Sprintf("No task with id %d", id))
		return nil, false
	}
	if err != nil {
		s.log.Error("fetching task failed", zap.Int64("task_id", id), zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "Internal error", "The task could not be loaded")
		return nil, false
	}
	return task, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	cred, ok := gate.CredentialFrom(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, "API key required", "Request is not authenticated")
		return
	}
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	size := queryInt(r, "page_size", defaultPageSize)
	if size < 1 {
		size = 1
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	status := r.URL.Query().Get("status")
	if status != "" && !validStatus(status) {
		respondError(w, r, http.StatusBadRequest, "Invalid status",
			"status must be one of pending, queued, running, completed, failed")
		return
	}
	filter := taskstore.ListFilter{
		CredentialID: cred.ID,
		Status:       status,
		Limit:        size,
		Offset:       (page - 1) * size,
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.log.Error("listing tasks failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "Internal error", "The task list could not be loaded")
		return
	}
	total, err := s.store.CountTasks(r.Context(), filter)
	if err != nil {
		s.log.Error("counting tasks failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "Internal error", "The task list could not be loaded")
		return
	}
	respond(w, r, http.StatusOK, &schema.TaskListResponse{
		Items:    lo.Map(tasks, listItemFromTask),
		Page:     page,
		PageSize: size,
		Total:    total,
	})
}

func listItemFromTask(t taskstore.Task, _ int) schema.TaskListItem {
	item := schema.TaskListItem{
		TaskID:         t.ID,
		PURL:           t.PURL,
		PackageName:    t.PackageName,
		PackageVersion: t.PackageVersion,
		Ecosystem:      t.Ecosystem,
		Status:         t.Status,
		CreatedAt:      t.CreatedAt,
		CompletedAt:    t.CompletedAt,
	}
	if t.DownloadURL != nil {
		item.DownloadURL = *t.DownloadURL
	}
	if t.ErrorCategory != nil {
		item.ErrorCategory = *t.ErrorCategory
	}
	if t.ErrorMessage != nil {
		item.ErrorMessage = *t.ErrorMessage
	}
	return item
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.queue.Snapshot(r.Context())
	if err != nil {
		s.log.Error("queue snapshot failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "Internal error", "The queue status could not be loaded")
		return
	}
	respond(w, r, http.StatusOK, snapshot)
}

func (s *Server) handleTimeoutStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.supervisor.Status(r.Context())
	if err != nil {
		s.log.Error("timeout status failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "Internal error", "The timeout status could not be loaded")
		return
	}
	respond(w, r, http.StatusOK, status)
}

func (s *Server) handleTimeoutCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := s.supervisor.CheckTimeouts(r.Context()); err != nil {
		s.log.Error("timeout check failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "Internal error", "The timeout check could not be completed")
		return
	}
	status, err := s.supervisor.Status(r.Context())
	if err != nil {
		s.log.Error("timeout status failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "Internal error", "The timeout status could not be loaded")
		return
	}
	respond(w, r, http.StatusOK, &schema.TimeoutCheckResponse{
		Message: "Timeout check completed",
		Status:  *status,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func validStatus(s string) bool {
	switch analysis.TaskStatus(s) {
	case analysis.StatusPending, analysis.StatusQueued, analysis.StatusRunning,
		analysis.StatusCompleted, analysis.StatusFailed:
		return true
	}
	return false
}

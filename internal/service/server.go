// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package service exposes the analysis pipeline over HTTP: submission,
// task and queue introspection, timeout control, and the media tree that
// report download URLs resolve against.
package service

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pakaremon/packamal/internal/admission"
	"github.com/pakaremon/packamal/internal/gate"
	"github.com/pakaremon/packamal/internal/queue"
	"github.com/pakaremon/packamal/internal/reportstore"
	"github.com/pakaremon/packamal/internal/supervisor"
	"github.com/pakaremon/packamal/internal/taskstore"
)

// Server bundles the pipeline components behind the REST surface.
type Server struct {
	store      *taskstore.Store
	gate       *gate.Gate
	admission  *admission.Controller
	queue      *queue.Queue
	supervisor *supervisor.Supervisor
	reports    *reportstore.FileStore
	mediaRoot  string
	log        *zap.Logger
}

// New assembles the server. mediaRoot is served under /media/ so the
// canonical report URLs resolve against this process.
func New(store *taskstore.Store, g *gate.Gate, adm *admission.Controller, q *queue.Queue, sup *supervisor.Supervisor, reports *reportstore.FileStore, mediaRoot string, log *zap.Logger) *Server {
	return &Server{
		store:      store,
		gate:       g,
		admission:  adm,
		queue:      q,
		supervisor: sup,
		reports:    reports,
		mediaRoot:  mediaRoot,
		log:        log,
	}
}

// Router builds the chi router for the full API surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Idempotency-Key", "X-Request-ID"},
	}))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "Not found", "The requested resource does not exist")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "Method not allowed", "The requested method is not supported for this resource")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/analyze/", s.handleAnalyze)
		r.Get("/task/{taskID}/", s.handleTaskStatus)
		r.Get("/task/{taskID}/queue/", s.handleQueuePosition)
		r.Get("/reports/", s.handleListTasks)
		r.Get("/queue/status/", s.handleQueueStatus)
		r.Get("/timeout/status/", s.handleTimeoutStatus)
		r.Post("/timeout/check/", s.handleTimeoutCheck)
	})

	r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaRoot))))
	return r
}

// authenticate resolves the request's API key and stashes the credential
// in the context for the handlers.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := s.gate.Authenticate(r)
		if err != nil {
			var gerr *gate.Error
			if errors.As(err, &gerr) {
				respondError(w, r, gerr.Status, gerr.Reason, gerr.Message)
				return
			}
			s.log.Error("authentication failed", zap.Error(err))
			respondError(w, r, http.StatusInternalServerError, "Internal error", "Authentication could not be completed")
			return
		}
		next.ServeHTTP(w, r.WithContext(gate.WithCredential(r.Context(), cred)))
	})
}

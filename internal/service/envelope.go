// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Envelope wraps every API response. Success responses carry Data; error
// responses carry the short Error tag and a human Message.
type Envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id"`
}

// requestID echoes the inbound X-Request-ID when present, then the chi
// middleware's generated id, then a fresh UUID.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.New().String()
}

func writeJSON(w http.ResponseWriter, code int, body *Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func respond(w http.ResponseWriter, r *http.Request, code int, data any) {
	writeJSON(w, code, &Envelope{Success: true, Data: data, RequestID: requestID(r)})
}

func respondError(w http.ResponseWriter, r *http.Request, code int, short, message string) {
	writeJSON(w, code, &Envelope{Success: false, Error: short, Message: message, RequestID: requestID(r)})
}

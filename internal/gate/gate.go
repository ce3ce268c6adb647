// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package gate authenticates API requests and enforces per-key rate limits.
package gate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pakaremon/packamal/internal/taskstore"
	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const rateKeyPrefix = "api_rate_limit_"

// CredentialSource is the credential lookup surface the gate needs.
type CredentialSource interface {
	CredentialByKey(ctx context.Context, key string) (*taskstore.Credential, error)
	TouchCredential(ctx context.Context, id int64, at time.Time) error
}

// Error is an authentication failure with its HTTP mapping.
type Error struct {
	Status  int
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Gate checks API keys against the credential store and counts requests in
// fixed one-hour windows.
type Gate struct {
	creds  CredentialSource
	counts *cache.Cache
	window time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// New returns a gate with a fresh rate limit window cache.
func New(creds CredentialSource, window time.Duration, log *zap.Logger) *Gate {
	return &Gate{
		creds:  creds,
		counts: cache.New(window, 10*time.Minute),
		window: window,
		log:    log,
		now:    time.Now,
	}
}

// KeyFromRequest extracts the API key, preferring the Authorization bearer
// token over the X-API-Key header.
func KeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// Authenticate resolves the request's API key to an active credential,
// charging one request against its rate limit. Failures are *Error values
// carrying the response status and wording.
func (g *Gate) Authenticate(r *http.Request) (*taskstore.Credential, error) {
	key := KeyFromRequest(r)
	if key == "" {
		return nil, &Error{
			Status:  http.StatusUnauthorized,
			Reason:  "API key required",
			Message: "Please provide API key in Authorization header (Bearer <key>) or X-API-Key header",
		}
	}
	cred, err := g.creds.CredentialByKey(r.Context(), key)
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, &Error{
			Status:  http.StatusUnauthorized,
			Reason:  "Invalid API key",
			Message: "The provided API key is invalid or inactive",
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "looking up credential")
	}
	if g.charge(key, cred.RateLimitPerHour) {
		return nil, &Error{
			Status:  http.StatusTooManyRequests,
			Reason:  "Rate limit exceeded",
			Message: fmt.Sprintf("Maximum %d requests per hour exceeded", cred.RateLimitPerHour),
		}
	}
	if err := g.creds.TouchCredential(r.Context(), cred.ID, g.now()); err != nil {
		g.log.Warn("could not update credential last_used", zap.Int64("credential_id", cred.ID), zap.Error(err))
	}
	return cred, nil
}

// charge counts one request in the key's current window and reports whether
// the limit was already reached. Rejected requests are not counted, so a
// throttled client does not extend its own penalty.
func (g *Gate) charge(key string, limit int) (exceeded bool) {
	k := rateKeyPrefix + key
	if v, ok := g.counts.Get(k); ok {
		if count, ok := v.(int); ok && count >= limit {
			return true
		}
		if _, err := g.counts.IncrementInt(k, 1); err == nil {
			return false
		}
		// The window expired between the read and the increment.
	}
	g.counts.Set(k, 1, g.window)
	return false
}

type credentialKey struct{}

// WithCredential stashes the authenticated credential in the context.
func WithCredential(ctx context.Context, cred *taskstore.Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// CredentialFrom recovers the credential placed by WithCredential.
func CredentialFrom(ctx context.Context) (*taskstore.Credential, bool) {
	cred, ok := ctx.Value(credentialKey{}).(*taskstore.Credential)
	return cred, ok
}

// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"go.uber.org/zap"

	"github.com/pakaremon/packamal/internal/admission"
	"github.com/pakaremon/packamal/internal/gate"
	"github.com/pakaremon/packamal/internal/queue"
	"github.com/pakaremon/packamal/internal/reportstore"
	"github.com/pakaremon/packamal/internal/supervisor"
	"github.com/pakaremon/packamal/internal/taskstore"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
)

type stubContainers struct{}

func (stubContainers) Stop(ctx context.Context, id string, grace time.Duration) bool { return true }
func (stubContainers) IsRunning(ctx context.Context, id string) bool                 { return false }
func (stubContainers) Logs(ctx context.Context, id string, tail int) string          { return "" }

type fixture struct {
	server *Server
	router http.Handler
	store  *taskstore.Store
	cred   *taskstore.Credential
}

var keyCounter atomic.Int64

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	log := zap.NewNop()
	base, _ := url.Parse("http://localhost:8000/media/")
	reports := reportstore.NewFileStore(memfs.New(), base)
	q := queue.New(store, log)
	sup := supervisor.New(store, q, stubContainers{}, 10*time.Second, log)
	adm := admission.New(store, q, reports, admission.Config{
		DedupeWindow:          24 * time.Hour,
		RaceWindow:            time.Minute,
		DefaultTimeoutMinutes: 30,
	}, log)
	g := gate.New(store, time.Hour, log)
	srv := New(store, g, adm, q, sup, reports, t.TempDir(), log)

	cred := &taskstore.Credential{
		Name:             "test",
		Key:              fmt.Sprintf("test-key-%d", keyCounter.Add(1)),
		IsActive:         true,
		RateLimitPerHour: 100,
	}
	if err := store.CreateCredential(context.Background(), cred); err != nil {
		t.Fatalf("CreateCredential() returned error: %v", err)
	}
	return &fixture{server: srv, router: srv.Router(), store: store, cred: cred}
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func data(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	d, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("envelope has no data object: %v", env)
	}
	return d
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/queue/status/", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env["error"] != "API key required" {
		t.Errorf("error = %v, want API key required", env["error"])
	}
	if env["request_id"] == "" {
		t.Error("request_id missing from envelope")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/queue/status/", "no-such-key", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env["error"] != "Invalid API key" {
		t.Errorf("error = %v, want Invalid API key", env["error"])
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	limited := &taskstore.Credential{
		Name:             "limited",
		Key:              strings.Repeat("b", 64),
		IsActive:         true,
		RateLimitPerHour: 2,
	}
	if err := f.store.CreateCredential(context.Background(), limited); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodGet, "/api/v1/queue/status/", limited.Key, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodGet, "/api/v1/queue/status/", limited.Key, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env["message"] != "Maximum 2 requests per hour exceeded" {
		t.Errorf("message = %v", env["message"])
	}
}

func TestAnalyzeQueues(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key,
		map[string]any{"purl": "pkg:pypi/django@1.11.1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	d := data(t, decodeEnvelope(t, rec))
	if d["status"] != "queued" {
		t.Errorf("status = %v, want queued", d["status"])
	}
	if d["queue_position"] != float64(1) {
		t.Errorf("queue_position = %v, want 1", d["queue_position"])
	}
	wantURL := "http://localhost:8000/media/reports/pypi/django/1.11.1.json"
	if d["result_url"] != wantURL {
		t.Errorf("result_url = %v, want %s", d["result_url"], wantURL)
	}
	if !strings.HasSuffix(d["status_url"].(string), fmt.Sprintf("/api/v1/task/%v/", d["task_id"])) {
		t.Errorf("status_url = %v", d["status_url"])
	}
}

func TestAnalyzeRejectsBadPURL(t *testing.T) {
	f := newFixture(t)
	for _, purl := range []string{"notapurl", "pkg:cargo/serde@1.0.0", "pkg:pypi/django"} {
		rec := f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key, map[string]any{"purl": purl})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("submit(%q) status = %d, want 400", purl, rec.Code)
		}
	}
}

func TestAnalyzeDuplicateReturnsExisting(t *testing.T) {
	f := newFixture(t)
	first := f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key,
		map[string]any{"purl": "pkg:npm/left-pad@1.3.0"})
	if first.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", first.Code)
	}
	firstID := data(t, decodeEnvelope(t, first))["task_id"]

	second := f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key,
		map[string]any{"purl": "pkg:npm/left-pad@1.3.0"})
	if second.Code != http.StatusOK {
		t.Fatalf("second submit status = %d, want 200", second.Code)
	}
	d := data(t, decodeEnvelope(t, second))
	if d["task_id"] != firstID {
		t.Errorf("task_id = %v, want %v", d["task_id"], firstID)
	}
	if d["status"] != "queued" {
		t.Errorf("status = %v, want queued", d["status"])
	}
}

func TestTaskStatusAndScoping(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key,
		map[string]any{"purl": "pkg:gem/jruby-launcher@1.1.2"})
	id := int64(data(t, decodeEnvelope(t, rec))["task_id"].(float64))

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/task/%d/", id), f.cred.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("task status = %d, want 200", rec.Code)
	}
	d := data(t, decodeEnvelope(t, rec))
	if d["status"] != "queued" || d["ecosystem"] != "rubygems" {
		t.Errorf("task status data = %v", d)
	}
	if d["expected_download_url"] != "http://localhost:8000/media/reports/rubygems/jruby-launcher/1.1.2.json" {
		t.Errorf("expected_download_url = %v", d["expected_download_url"])
	}

	// The queue info endpoint is scoped to the owning credential.
	other := &taskstore.Credential{
		Name:             "other",
		Key:              strings.Repeat("c", 64),
		IsActive:         true,
		RateLimitPerHour: 100,
	}
	if err := f.store.CreateCredential(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/task/%d/queue/", id), other.Key, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-credential queue info status = %d, want 404", rec.Code)
	}
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/task/%d/queue/", id), f.cred.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("queue info status = %d, want 200", rec.Code)
	}
	if d := data(t, decodeEnvelope(t, rec)); d["queue_position"] != float64(1) {
		t.Errorf("queue_position = %v, want 1", d["queue_position"])
	}
}

func TestTaskStatusNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/task/9999/", f.cred.Key, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env["error"] != "Task not found" {
		t.Errorf("error = %v", env["error"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/analyze/", f.cred.Key, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key,
			map[string]any{"purl": fmt.Sprintf("pkg:pypi/pkg-%d@1.0.0", i)})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d status = %d", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodGet, "/api/v1/reports/?page=1&page_size=2", f.cred.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	d := data(t, decodeEnvelope(t, rec))
	if d["total"] != float64(3) || d["page_size"] != float64(2) {
		t.Errorf("paging = total %v page_size %v, want 3/2", d["total"], d["page_size"])
	}
	if items := d["items"].([]any); len(items) != 2 {
		t.Errorf("len(items) = %d, want 2", len(items))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/reports/?status=bogus", f.cred.Key, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/reports/?status=queued", f.cred.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("queued filter status = %d", rec.Code)
	}
	if d := data(t, decodeEnvelope(t, rec)); d["total"] != float64(3) {
		t.Errorf("queued total = %v, want 3", d["total"])
	}
}

func TestListTasksFailedItemFields(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key,
		map[string]any{"purl": "pkg:pypi/broken@1.0.0"})
	id := int64(data(t, decodeEnvelope(t, rec))["task_id"].(float64))
	failure := taskstore.Failure{
		Category: analysis.TimeoutError,
		Message:  "Task timed out after 30 minutes",
		Details:  taskstore.ErrorDetails{"timeout_minutes": 30},
	}
	if err := f.store.MarkFailed(context.Background(), id, failure, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/reports/?status=failed", f.cred.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed filter status = %d", rec.Code)
	}
	items := data(t, decodeEnvelope(t, rec))["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	item := items[0].(map[string]any)
	if item["error_category"] != "timeout_error" {
		t.Errorf("error_category = %v", item["error_category"])
	}
	if item["error_message"] != "Task timed out after 30 minutes" {
		t.Errorf("error_message = %v", item["error_message"])
	}
}

func TestQueueStatus(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key, map[string]any{"purl": "pkg:npm/a@1.0.0"})
	f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key, map[string]any{"purl": "pkg:npm/b@1.0.0"})

	rec := f.do(t, http.MethodGet, "/api/v1/queue/status/", f.cred.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	d := data(t, decodeEnvelope(t, rec))
	if d["queue_length"] != float64(2) || d["running_count"] != float64(0) {
		t.Errorf("queue_length = %v running_count = %v, want 2/0", d["queue_length"], d["running_count"])
	}
}

func TestTimeoutEndpoints(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/timeout/status/", f.cred.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("timeout status = %d", rec.Code)
	}
	if d := data(t, decodeEnvelope(t, rec)); d["running_tasks"] != float64(0) {
		t.Errorf("running_tasks = %v, want 0", d["running_tasks"])
	}

	rec = f.do(t, http.MethodPost, "/api/v1/timeout/check/", f.cred.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("timeout check = %d", rec.Code)
	}
	if d := data(t, decodeEnvelope(t, rec)); d["message"] != "Timeout check completed" {
		t.Errorf("message = %v", d["message"])
	}
}

func TestRequestIDEcho(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/status/", nil)
	req.Header.Set("X-API-Key", f.cred.Key)
	req.Header.Set("X-Request-ID", "req-1234")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if env := decodeEnvelope(t, rec); env["request_id"] != "req-1234" {
		t.Errorf("request_id = %v, want req-1234", env["request_id"])
	}
}

func TestFailedTaskStatusFields(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/analyze/", f.cred.Key,
		map[string]any{"purl": "pkg:pypi/broken@1.0.0"})
	id := int64(data(t, decodeEnvelope(t, rec))["task_id"].(float64))
	failure := taskstore.Failure{
		Category: analysis.AnalysisError,
		Message:  "Analysis failed",
		Details:  taskstore.ErrorDetails{"error_type": "analysis_failed", "exit_code": 1},
	}
	if err := f.store.MarkFailed(context.Background(), id, failure, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/task/%d/", id), f.cred.Key, nil)
	d := data(t, decodeEnvelope(t, rec))
	if d["status"] != "failed" || d["error_category"] != "analysis_error" {
		t.Errorf("failed task data = %v", d)
	}
	details := d["error_details"].(map[string]any)
	if details["error_type"] != "analysis_failed" {
		t.Errorf("error_details = %v", details)
	}
}

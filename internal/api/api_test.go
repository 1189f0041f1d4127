package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/celerix-dev/celerix-copilot/internal/agent"
	"github.com/celerix-dev/celerix-copilot/internal/query"
	"github.com/celerix-dev/celerix-copilot/internal/store"
	"github.com/celerix-dev/celerix-copilot/internal/telemetry"
	"github.com/celerix-dev/celerix-copilot/pkg/schema"
	"github.com/gin-gonic/gin"
)

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }
func (failingStrategy) Resolve(context.Context, agent.Request) (*schema.QueryResult, error) {
	return nil, agent.ErrAgentNoAnswer
}

func setupTestRouter(strategy agent.Strategy, adminKey string) (*gin.Engine, *Handler) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ds := store.NewDualStore(nil, store.NewMemStore(), logger)
	h := &Handler{
		Resolver: query.NewResolver(strategy, logger),
		Store:    ds,
		Recorder: telemetry.NewRecorder(ds, logger),
		Storage:  ds,
		Logger:   logger,
	}
	r := NewRouter(h, MustLoadContracts(), RouterOptions{AdminKey: adminKey, Logger: logger})
	return r, h
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _ := setupTestRouter(agent.NewStub(), "")

	w := do(r, "GET", "/api/health", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("Unexpected health response: %d %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/api/health/storage", "", nil)
	var st schema.StorageStatus
	json.Unmarshal(w.Body.Bytes(), &st)
	if w.Code != http.StatusOK || st.DurableConfigured || st.Degraded {
		t.Errorf("Unexpected storage status: %d %+v", w.Code, st)
	}
}

func TestQuery_Stub(t *testing.T) {
	r, h := setupTestRouter(agent.NewStub(), "")

	w := do(r, "POST", "/api/query", `{"query":"How do I get started?","pseudo_user_id":"anon-1"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if answer, _ := body["answer"].(string); answer == "" {
		t.Error("Expected non-empty answer")
	}
	citations, ok := body["citations"].([]any)
	if !ok || len(citations) == 0 {
		t.Fatalf("Expected citations array, got %v", body["citations"])
	}
	if _, ok := citations[0].(map[string]any)["url"].(string); !ok {
		t.Errorf("Expected citation url, got %v", citations[0])
	}
	if _, ok := body["confidence"].(float64); !ok {
		t.Errorf("Expected numeric confidence, got %v", body["confidence"])
	}
	if _, ok := body["fallback"].(bool); !ok {
		t.Errorf("Expected boolean fallback, got %v", body["fallback"])
	}

	h.Recorder.Wait()
	events, _ := h.Store.ListEvents(context.Background(), 0)
	if len(events) != 1 || events[0].EventType != "query" {
		t.Fatalf("Expected one query event, got %+v", events)
	}
	if events[0].QueryHash == nil || *events[0].QueryHash != query.QueryHash("How do I get started?") {
		t.Errorf("Expected query hash on event, got %v", events[0].QueryHash)
	}
	if events[0].PseudoUserID == nil || *events[0].PseudoUserID != "anon-1" {
		t.Errorf("Expected pseudo user on event, got %v", events[0].PseudoUserID)
	}
}

func TestQuery_BadRequests(t *testing.T) {
	r, _ := setupTestRouter(agent.NewStub(), "")

	for _, body := range []string{`{}`, `{"query":""}`, `{"query":42}`, `not json`, `{"query":"   "}`} {
		w := do(r, "POST", "/api/query", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestQuery_Failure(t *testing.T) {
	r, h := setupTestRouter(failingStrategy{}, "")

	w := do(r, "POST", "/api/query", `{"query":"anything"}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "query resolution failed") {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}

	h.Recorder.Wait()
	events, _ := h.Store.ListEvents(context.Background(), 0)
	if len(events) != 1 || events[0].EventType != "query_failed" || events[0].Metadata["error_kind"] != "no_answer" {
		t.Errorf("Expected query_failed event, got %+v", events)
	}
}

func TestThreads(t *testing.T) {
	r, _ := setupTestRouter(agent.NewStub(), "")
	w := do(r, "POST", "/api/threads", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "thread_id") {
		t.Errorf("Unexpected thread response: %d %s", w.Code, w.Body.String())
	}

	r, _ = setupTestRouter(failingStrategy{}, "")
	w = do(r, "POST", "/api/threads", `{"pseudo_user_id":"anon"}`, nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("Expected 501, got %d", w.Code)
	}
}

func TestTelemetry(t *testing.T) {
	r, h := setupTestRouter(agent.NewStub(), "")

	for _, body := range []string{`{"event":"click","payload":{"x":1}}`, `{}`, `[1,2]`} {
		w := do(r, "POST", "/api/telemetry", body, nil)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"accepted"`) {
			t.Errorf("%s: unexpected response %d %s", body, w.Code, w.Body.String())
		}
	}

	h.Recorder.Wait()
	events, _ := h.Store.ListEvents(context.Background(), 0)
	if len(events) != 2 {
		t.Errorf("Expected 2 recorded events, got %d", len(events))
	}
}

func TestAdminSources(t *testing.T) {
	r, _ := setupTestRouter(agent.NewStub(), "")

	w := do(r, "POST", "/api/admin/sources", `{"url":"https://x"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var src schema.Source
	json.Unmarshal(w.Body.Bytes(), &src)
	if src.ID == "" || src.Priority != schema.DefaultPriority {
		t.Fatalf("Unexpected source: %+v", src)
	}

	w = do(r, "PATCH", "/api/admin/sources/"+src.ID, `{"title":"X docs","priority":5}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/api/admin/sources/"+src.ID, "", nil)
	var got schema.Source
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != src.ID || got.Title == nil || *got.Title != "X docs" || got.Priority != 5 {
		t.Errorf("Unexpected source after patch: %+v", got)
	}

	w = do(r, "GET", "/api/admin/sources?limit=10", "", nil)
	var list []schema.Source
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 source, got %d", len(list))
	}

	w = do(r, "DELETE", "/api/admin/sources/"+src.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on delete, got %d", w.Code)
	}
	w = do(r, "GET", "/api/admin/sources/"+src.ID, "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestAdminSources_Validation(t *testing.T) {
	r, _ := setupTestRouter(agent.NewStub(), "")

	cases := []struct {
		method, path, body string
	}{
		{"POST", "/api/admin/sources", `{"title":"no url"}`},
		{"POST", "/api/admin/sources", `{"url":""}`},
		{"POST", "/api/admin/sources", `{"url":"https://x","priority":"high"}`},
		{"PATCH", "/api/admin/sources/abc", `{"id":"other"}`},
		{"PATCH", "/api/admin/sources/abc", `{"last_indexed":"yesterday"}`},
		{"GET", "/api/admin/sources?limit=-1", ""},
	}
	for _, tc := range cases {
		w := do(r, tc.method, tc.path, tc.body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s %s %s: expected 400, got %d", tc.method, tc.path, tc.body, w.Code)
		}
	}

	w := do(r, "PATCH", "/api/admin/sources/missing", `{"priority":1}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	r, _ := setupTestRouter(agent.NewStub(), "s3cret")

	w := do(r, "POST", "/api/admin/sources", `{"url":"https://x"}`, nil)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "invalid API key") {
		t.Errorf("Expected 401, got %d %s", w.Code, w.Body.String())
	}

	w = do(r, "POST", "/api/admin/sources", `{"url":"https://x"}`, map[string]string{"x-api-key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", w.Code)
	}

	w = do(r, "POST", "/api/admin/sources", `{"url":"https://x"}`, map[string]string{"x-api-key": "s3cret"})
	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201 with right key, got %d", w.Code)
	}

	// Public routes stay open.
	w = do(r, "POST", "/api/telemetry", `{}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected telemetry to be public, got %d", w.Code)
	}
}

func TestAdminEvents(t *testing.T) {
	r, h := setupTestRouter(agent.NewStub(), "")

	do(r, "POST", "/api/query", `{"query":"q"}`, nil)
	do(r, "POST", "/api/telemetry", `{"event":"click"}`, nil)
	h.Recorder.Wait()

	w := do(r, "GET", "/api/admin/events", "", nil)
	var events []schema.UsageEvent
	json.Unmarshal(w.Body.Bytes(), &events)
	if w.Code != http.StatusOK || len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d %d", w.Code, len(events))
	}

	w = do(r, "GET", "/api/admin/events/"+events[0].ID, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = do(r, "DELETE", "/api/admin/events/"+events[0].ID, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = do(r, "DELETE", "/api/admin/events", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deleted":1`) {
		t.Errorf("Unexpected clear response: %d %s", w.Code, w.Body.String())
	}
}

func TestCORSAndNoRoute(t *testing.T) {
	r, _ := setupTestRouter(agent.NewStub(), "")

	w := do(r, "OPTIONS", "/api/query", "", nil)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Unexpected preflight: %d %v", w.Code, w.Header())
	}

	w = do(r, "GET", "/api/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestCompressed(t *testing.T) {
	r, _ := setupTestRouter(agent.NewStub(), "")
	for i := 0; i < 30; i++ {
		do(r, "POST", "/api/admin/sources", `{"url":"https://learn.microsoft.com/azure/managed-grafana/overview"}`, nil)
	}

	req, _ := http.NewRequest("GET", "/api/admin/sources", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	Compressed(r).ServeHTTP(w, req)

	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Expected gzip response, got headers %v", w.Header())
	}
	zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var list []schema.Source
	if err := json.NewDecoder(zr).Decode(&list); err != nil || len(list) != 30 {
		t.Errorf("Expected 30 sources, got %d (%v)", len(list), err)
	}
}

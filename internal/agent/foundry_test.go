package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newFoundryServer fakes the agents API. The run reports in_progress on the
// first poll and completed after that.
func newFoundryServer(t *testing.T, wantAuth string) *httptest.Server {
	t.Helper()
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("scope") != FoundryScope {
			t.Errorf("unexpected token request: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"aad-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("GET /assistants/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": r.PathValue("id"), "name": "docs"})
	})
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"thread_abc"}`))
	})
	mux.HandleFunc("POST /threads/{t}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["role"] != "user" || body["content"] == "" {
			t.Errorf("unexpected message body: %v", body)
		}
		w.Write([]byte(`{"id":"msg_1"}`))
	})
	mux.HandleFunc("POST /threads/{t}/runs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"run_1","status":"queued"}`))
	})
	mux.HandleFunc("GET /threads/{t}/runs/{r}", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			w.Write([]byte(`{"id":"run_1","status":"in_progress"}`))
			return
		}
		w.Write([]byte(`{"id":"run_1","status":"completed"}`))
	})
	mux.HandleFunc("GET /threads/{t}/runs/{r}/steps", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"step_1","type":"tool_calls","step_details":{"tool_calls":[{"url":"https://learn.microsoft.com/grafana","result":"Grafana docs"}]}}]}`))
	})
	mux.HandleFunc("GET /threads/{t}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("order") != "asc" {
			t.Errorf("expected ascending order, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"data":[
			{"id":"m1","role":"user","content":[{"type":"text","text":{"value":"How?"}}]},
			{"id":"m2","role":"assistant","content":[{"type":"text","text":{"value":"Like this."}}]}
		]}`))
	})

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			if got := r.Header.Get("Authorization"); got != wantAuth {
				t.Errorf("%s %s: expected Authorization %q, got %q", r.Method, r.URL.Path, wantAuth, got)
			}
			if r.URL.Query().Get("api-version") != DefaultAPIVersion {
				t.Errorf("missing api-version on %s", r.URL.Path)
			}
		}
		mux.ServeHTTP(w, r)
	}))
}

func TestFoundryClient_ServicePrincipal(t *testing.T) {
	server := newFoundryServer(t, "Bearer aad-token")
	defer server.Close()

	client, err := NewFoundryClient(FoundryOptions{
		Endpoint:     server.URL + "/",
		TenantID:     "tenant",
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     server.URL + "/token",
		Timeout:      5 * time.Second,
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	res, err := NewProjectStrategy(client, "asst_1", nil).Resolve(context.Background(), Request{Query: "How?"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.Answer != "Like this." {
		t.Errorf("unexpected answer: %q", res.Answer)
	}
	if *res.ThreadID != "thread_abc" {
		t.Errorf("unexpected thread: %v", *res.ThreadID)
	}
	if len(res.Citations) != 1 || res.Citations[0].URL != "https://learn.microsoft.com/grafana" {
		t.Errorf("unexpected citations: %+v", res.Citations)
	}
}

func TestFoundryClient_APIKey(t *testing.T) {
	server := newFoundryServer(t, "Bearer key-123")
	defer server.Close()

	client, err := NewFoundryClient(FoundryOptions{
		Endpoint:     server.URL,
		APIKey:       "key-123",
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	thread, err := client.CreateThread(context.Background())
	if err != nil || thread.ID != "thread_abc" {
		t.Fatalf("create thread: %v %v", thread, err)
	}
}

func TestFoundryClient_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"no such assistant"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	client, _ := NewFoundryClient(FoundryOptions{Endpoint: server.URL, APIKey: "k"})
	_, err := client.GetAgent(context.Background(), "missing")
	if !errors.Is(err, ErrUpstreamHTTP) {
		t.Fatalf("expected ErrUpstreamHTTP, got %v", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestNewFoundryClient_NoCredentials(t *testing.T) {
	_, err := NewFoundryClient(FoundryOptions{Endpoint: "http://x"})
	if !errors.Is(err, ErrRuntimeUnavailable) {
		t.Errorf("expected ErrRuntimeUnavailable, got %v", err)
	}
}

func TestProjectStrategy_StuckRunTimesOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /assistants/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"asst_1"}`))
	})
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"thread_abc"}`))
	})
	mux.HandleFunc("POST /threads/{t}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"msg_1"}`))
	})
	mux.HandleFunc("POST /threads/{t}/runs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"run_1","status":"queued"}`))
	})
	mux.HandleFunc("GET /threads/{t}/runs/{r}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"run_1","status":"in_progress"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewFoundryClient(FoundryOptions{
		Endpoint:     server.URL,
		APIKey:       "k",
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	start := time.Now()
	_, err = NewProjectStrategy(client, "asst_1", nil).
		WithTimeout(50*time.Millisecond).
		Resolve(context.Background(), Request{Query: "How?"})
	if !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("expected ErrRuntimeUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the deadline to be the cause, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("resolve took %s", elapsed)
	}
}

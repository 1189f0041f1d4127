package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

func TestRESTStrategy_Resolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("api-key") != "secret" || r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["query"] != "hello" || body["thread_id"] != "t-1" {
			t.Errorf("unexpected body: %v", body)
		}
		if _, ok := body["pseudo_user_id"]; ok {
			t.Errorf("pseudo_user_id should be omitted: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "Hi!"}}},
		})
	}))
	defer server.Close()

	s := NewRESTStrategy(server.URL, "secret", time.Second, nil)
	res, err := s.Resolve(context.Background(), Request{Query: "hello", ThreadID: schema.Ptr("t-1")})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.Answer != "Hi!" {
		t.Errorf("unexpected answer: %q", res.Answer)
	}
	if res.Citations == nil || len(res.Citations) != 0 {
		t.Errorf("expected empty citations, got %v", res.Citations)
	}
	if res.Confidence != 0.5 || res.Fallback {
		t.Errorf("unexpected confidence/fallback: %+v", res)
	}
}

func TestRESTStrategy_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewRESTStrategy(server.URL, "", time.Second, nil).Resolve(context.Background(), Request{Query: "q"})
	if !errors.Is(err, ErrUpstreamHTTP) {
		t.Fatalf("expected ErrUpstreamHTTP, got %v", err)
	}
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %v", err)
	}
}

func TestRESTStrategy_RawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"foo":"bar"}`))
	}))
	defer server.Close()

	res, err := NewRESTStrategy(server.URL, "", time.Second, nil).Resolve(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.Answer != `{"foo":"bar"}` {
		t.Errorf("expected raw body, got %q", res.Answer)
	}
}

func TestRESTStrategy_MissingEndpoint(t *testing.T) {
	_, err := NewRESTStrategy("", "", 0, nil).Resolve(context.Background(), Request{Query: "q"})
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Errorf("expected ErrConfigurationMissing, got %v", err)
	}
}

func TestRESTStrategy_BlankBodyIsNoAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(" \n"))
	}))
	defer server.Close()

	_, err := NewRESTStrategy(server.URL, "", time.Second, nil).Resolve(context.Background(), Request{Query: "q"})
	if !errors.Is(err, ErrAgentNoAnswer) {
		t.Errorf("expected ErrAgentNoAnswer, got %v", err)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	// "é" is two bytes; cutting at 2 would split it.
	if got := truncate("aé-b", 2); got != "a..." {
		t.Errorf("expected %q, got %q", "a...", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected untouched string, got %q", got)
	}
}

package agent

import (
	"context"
	"errors"
	"testing"
)

func TestStub_Resolve(t *testing.T) {
	res, err := NewStub().Resolve(context.Background(), Request{Query: "How do I get started?"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.Answer == "" {
		t.Error("expected non-empty answer")
	}
	if res.Fallback {
		t.Error("stub answers are not fallbacks")
	}
	if res.Confidence != 0.92 {
		t.Errorf("expected confidence 0.92, got %v", res.Confidence)
	}
	if len(res.Citations) != 1 || res.Citations[0].URL == "" {
		t.Errorf("unexpected citations: %+v", res.Citations)
	}
	if len(res.Anchors) != 1 || res.Anchors[0] != "getting-started" {
		t.Errorf("unexpected anchors: %v", res.Anchors)
	}
}

func TestStub_CreateThread(t *testing.T) {
	s := NewStub()
	a, err := s.CreateThread(context.Background(), nil)
	if err != nil {
		t.Fatalf("create thread failed: %v", err)
	}
	b, _ := s.CreateThread(context.Background(), nil)
	if a == "" || a == b {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}

func TestNew_Selection(t *testing.T) {
	s, err := New(Options{Stub: true, Runtime: RuntimeREST}, nil)
	if err != nil || s.Name() != "stub" {
		t.Fatalf("expected stub, got %v %v", s, err)
	}

	s, err = New(Options{Runtime: RuntimeREST, Endpoint: "http://x"}, nil)
	if err != nil || s.Name() != "rest" {
		t.Fatalf("expected rest, got %v %v", s, err)
	}

	s, err = New(Options{}, nil)
	if err != nil || s.Name() != "project" {
		t.Fatalf("expected project, got %v %v", s, err)
	}
	if _, err := s.Resolve(context.Background(), Request{Query: "q"}); !errors.Is(err, ErrConfigurationMissing) {
		t.Errorf("expected ErrConfigurationMissing without endpoint, got %v", err)
	}

	s, _ = New(Options{Endpoint: "http://x", AgentID: "a"}, nil)
	if _, err := s.Resolve(context.Background(), Request{Query: "q"}); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Errorf("expected ErrRuntimeUnavailable without credentials, got %v", err)
	}

	if _, err := New(Options{Runtime: "carrier-pigeon"}, nil); err == nil {
		t.Error("expected error for unknown runtime")
	}
}

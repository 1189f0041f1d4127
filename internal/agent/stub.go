package agent

import (
	"context"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
	"github.com/google/uuid"
)

const (
	stubURL     = "https://docs.microsoft.com/azure/managed-grafana"
	stubAnchor  = "getting-started"
	stubSnippet = "Use the Azure portal to create a Managed Grafana workspace..."
)

// Stub returns a fixed answer without touching the network.
type Stub struct{}

// NewStub returns the canned strategy.
func NewStub() *Stub {
	return &Stub{}
}

func (*Stub) Name() string { return "stub" }

func (*Stub) Resolve(context.Context, Request) (*schema.QueryResult, error) {
	return &schema.QueryResult{
		Answer: "Stubbed answer: see " + stubURL + " for details.",
		Citations: []schema.Citation{{
			URL:     stubURL,
			Anchor:  schema.Ptr(stubAnchor),
			Snippet: schema.Ptr(stubSnippet),
		}},
		Confidence: 0.92,
		Fallback:   false,
		Anchors:    []string{stubAnchor},
	}, nil
}

// CreateThread hands out a random id; nothing remembers it.
func (*Stub) CreateThread(context.Context, *string) (string, error) {
	return uuid.NewString(), nil
}

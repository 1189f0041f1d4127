// Package query resolves user questions through the configured agent
// strategy.
package query

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-copilot/internal/agent"
	"github.com/celerix-dev/celerix-copilot/pkg/schema"
	"github.com/zeebo/blake3"
)

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("query is required")

// queryDomainKey is "celerix.copilot.query" zero-padded to the 32 bytes
// BLAKE3 keyed mode requires. Changing it changes every stored query hash.
var queryDomainKey = [32]byte{
	'c', 'e', 'l', 'e', 'r', 'i', 'x', '.', 'c', 'o', 'p', 'i', 'l', 'o', 't', '.',
	'q', 'u', 'e', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Resolver is stateless apart from its strategy; safe for concurrent use.
type Resolver struct {
	strategy agent.Strategy
	logger   *slog.Logger
}

// NewResolver wires a resolver to one strategy.
func NewResolver(strategy agent.Strategy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{strategy: strategy, logger: logger.With("component", "query")}
}

// Strategy returns the name of the active strategy.
func (r *Resolver) Strategy() string {
	return r.strategy.Name()
}

// Resolve answers query. threadID is passed through untouched.
func (r *Resolver) Resolve(ctx context.Context, query string, pseudoUserID, threadID *string) (*schema.QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	res, err := r.strategy.Resolve(ctx, agent.Request{
		Query:        query,
		PseudoUserID: pseudoUserID,
		ThreadID:     threadID,
	})
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Error("query resolution failed", "strategy", r.strategy.Name(), "elapsed", elapsed, "error", err)
		return nil, fmt.Errorf("resolve via %s: %w", r.strategy.Name(), err)
	}

	if res.Citations == nil {
		res.Citations = []schema.Citation{}
	}
	r.logger.Debug("query resolved", "strategy", r.strategy.Name(), "elapsed", elapsed,
		"confidence", res.Confidence, "citations", len(res.Citations))
	return res, nil
}

// ResolveRequest is Resolve for a decoded API body.
func (r *Resolver) ResolveRequest(ctx context.Context, req schema.QueryRequest) (*schema.QueryResult, error) {
	return r.Resolve(ctx, req.Query, req.PseudoUserID, req.ThreadID)
}

// CreateThread opens a conversation thread when the strategy supports them.
func (r *Resolver) CreateThread(ctx context.Context, pseudoUserID *string) (string, error) {
	tc, ok := r.strategy.(agent.ThreadCreator)
	if !ok {
		return "", agent.ErrThreadsUnsupported
	}
	id, err := tc.CreateThread(ctx, pseudoUserID)
	if err != nil {
		r.logger.Error("thread creation failed", "strategy", r.strategy.Name(), "error", err)
		return "", fmt.Errorf("create thread via %s: %w", r.strategy.Name(), err)
	}
	return id, nil
}

// QueryHash is the hex keyed BLAKE3 digest of the whitespace- and
// case-normalized query. Telemetry stores this instead of the raw text.
func QueryHash(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	hasher, err := blake3.NewKeyed(queryDomainKey[:])
	if err != nil {
		panic("query: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(normalized))
	return hex.EncodeToString(hasher.Sum(nil))
}

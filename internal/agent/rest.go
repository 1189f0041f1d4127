package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 4 << 20

// RESTStrategy posts the query to a single generic HTTP endpoint and digs
// the answer out of whatever JSON comes back.
type RESTStrategy struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewRESTStrategy creates a REST strategy. An empty endpoint is reported on
// Resolve as ErrConfigurationMissing.
func NewRESTStrategy(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *RESTStrategy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTStrategy{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("strategy", "rest"),
	}
}

func (*RESTStrategy) Name() string { return "rest" }

type restRequest struct {
	Query        string  `json:"query"`
	PseudoUserID *string `json:"pseudo_user_id,omitempty"`
	ThreadID     *string `json:"thread_id,omitempty"`
}

func (s *RESTStrategy) Resolve(ctx context.Context, req Request) (*schema.QueryResult, error) {
	if s.endpoint == "" {
		return nil, fmt.Errorf("%w: AI_FOUNDRY_ENDPOINT is required for the rest runtime", ErrConfigurationMissing)
	}

	payload, err := json.Marshal(restRequest{
		Query:        req.Query,
		PseudoUserID: req.PseudoUserID,
		ThreadID:     req.ThreadID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("api-key", s.apiKey)
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	answer, rule := ExtractAnswer(body)
	if strings.TrimSpace(answer) == "" {
		return nil, ErrAgentNoAnswer
	}
	if rule == "" {
		s.logger.Warn("unrecognized response shape, returning raw body", "bytes", len(body))
	} else {
		s.logger.Debug("answer extracted", "rule", rule)
	}

	return &schema.QueryResult{
		Answer:     answer,
		Citations:  []schema.Citation{},
		Confidence: 0.5,
		Fallback:   false,
	}, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

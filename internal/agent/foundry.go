package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultAPIVersion is sent as the api-version query parameter.
	DefaultAPIVersion = "v1"
	// FoundryScope is the Azure AD scope for AI Foundry project endpoints.
	FoundryScope = "https://ai.azure.com/.default"

	defaultPollInterval = 500 * time.Millisecond
)

var terminalRunStatuses = map[string]bool{
	"completed":       true,
	"failed":          true,
	"cancelled":       true,
	"expired":         true,
	"incomplete":      true,
	"requires_action": true,
}

// FoundryOptions configures a FoundryClient.
type FoundryOptions struct {
	Endpoint   string
	APIVersion string
	// APIKey is used as a static bearer token (and api-key header) when no
	// service principal is configured.
	APIKey string

	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string

	Timeout      time.Duration
	PollInterval time.Duration
}

// FoundryClient speaks the AI Foundry agents REST API. It implements
// ProjectClient.
type FoundryClient struct {
	endpoint     string
	apiVersion   string
	apiKey       string
	http         *http.Client
	pollInterval time.Duration
}

// NewFoundryClient builds an authenticated client. A service principal
// (tenant, client id and secret) takes precedence over an API key; with
// neither, ErrRuntimeUnavailable is returned.
func NewFoundryClient(opts FoundryOptions) (*FoundryClient, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("%w: project endpoint is empty", ErrConfigurationMissing)
	}
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	base := &http.Client{Timeout: opts.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	var src oauth2.TokenSource
	switch {
	case opts.TenantID != "" && opts.ClientID != "" && opts.ClientSecret != "":
		tokenURL := opts.TokenURL
		if tokenURL == "" {
			tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(opts.TenantID) + "/oauth2/v2.0/token"
		}
		cc := &clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{FoundryScope},
		}
		src = cc.TokenSource(ctx)
	case opts.APIKey != "":
		src = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.APIKey, TokenType: "Bearer"})
	default:
		return nil, fmt.Errorf("%w: no credentials (set AZURE_TENANT_ID/AZURE_CLIENT_ID/AZURE_CLIENT_SECRET or AI_FOUNDRY_API_KEY)", ErrRuntimeUnavailable)
	}

	client := oauth2.NewClient(ctx, src)
	client.Timeout = opts.Timeout

	return &FoundryClient{
		endpoint:     strings.TrimRight(opts.Endpoint, "/"),
		apiVersion:   opts.APIVersion,
		apiKey:       opts.APIKey,
		http:         client,
		pollInterval: opts.PollInterval,
	}, nil
}

func (c *FoundryClient) do(ctx context.Context, method, p string, query url.Values, in, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", c.apiVersion)
	target := c.endpoint + p + "?" + query.Encode()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", p, err)
	}
	return nil
}

func (c *FoundryClient) GetAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	var a AgentInfo
	if err := c.do(ctx, http.MethodGet, "/assistants/"+url.PathEscape(agentID), nil, nil, &a); err != nil {
		return nil, err
	}
	if a.ID == "" {
		a.ID = agentID
	}
	return &a, nil
}

func (c *FoundryClient) CreateThread(ctx context.Context) (*Thread, error) {
	var t Thread
	if err := c.do(ctx, http.MethodPost, "/threads", nil, map[string]any{}, &t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, fmt.Errorf("create thread: response has no id")
	}
	return &t, nil
}

func (c *FoundryClient) CreateMessage(ctx context.Context, threadID, role, content string) error {
	body := map[string]string{"role": role, "content": content}
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", nil, body, nil)
}

// CreateAndProcessRun starts a run and polls it until a terminal status.
func (c *FoundryClient) CreateAndProcessRun(ctx context.Context, threadID, agentID string) (*Run, error) {
	runsPath := "/threads/" + url.PathEscape(threadID) + "/runs"

	var payload map[string]any
	if err := c.do(ctx, http.MethodPost, runsPath, nil, map[string]string{"assistant_id": agentID}, &payload); err != nil {
		return nil, err
	}
	run := toRun(payload)
	if run.ID == "" {
		return nil, fmt.Errorf("create run: response has no id")
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for !terminalRunStatuses[run.Status] {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		payload = nil
		if err := c.do(ctx, http.MethodGet, runsPath+"/"+url.PathEscape(run.ID), nil, nil, &payload); err != nil {
			return nil, err
		}
		run = toRun(payload)
	}
	return run, nil
}

func (c *FoundryClient) ListRunSteps(ctx context.Context, threadID, runID string) ([]RunStep, error) {
	var page struct {
		Data []RunStep `json:"data"`
	}
	p := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/steps"
	if err := c.do(ctx, http.MethodGet, p, nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

func (c *FoundryClient) ListMessages(ctx context.Context, threadID, order string) ([]Message, error) {
	var query url.Values
	if order != OrderUnspecified {
		query = url.Values{"order": {order}}
	}
	var page struct {
		Data []Message `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/messages", query, nil, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

func toRun(payload map[string]any) *Run {
	r := &Run{Payload: payload}
	r.ID, _ = payload["id"].(string)
	r.Status, _ = payload["status"].(string)
	return r
}

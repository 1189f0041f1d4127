// Package sdk is the client library for the copilot daemon. It talks to a
// remote daemon over HTTP or, in embedded mode, to an in-process instance
// through the same code path.
package sdk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

const (
	maxAttempts      = 3
	maxResponseBytes = 8 << 20
	defaultTimeout   = 90 * time.Second
)

// Options tune a Client.
type Options struct {
	// AdminKey is sent as x-api-key on admin calls.
	AdminKey string
	// InsecureSkipVerify accepts the daemon's self-signed certificate.
	InsecureSkipVerify bool
	// HTTPClient overrides the transport entirely.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("copilot: HTTP %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return target == ErrUnauthorized
	case http.StatusBadRequest:
		return target == ErrBadRequest
	case http.StatusNotImplemented, http.StatusServiceUnavailable:
		return target == ErrUnavailable
	}
	return false
}

// Client is a Copilot backed by the daemon's HTTP API.
type Client struct {
	base     string
	adminKey string
	http     *http.Client
	logger   *slog.Logger
	closer   io.Closer // embedded instance, nil for remote clients
}

// NewClient returns a client for addr without contacting it. addr may be a
// bare host:port, in which case http is assumed.
func NewClient(addr string, opts Options) (*Client, error) {
	base, err := normalizeAddr(addr)
	if err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		hc = &http.Client{Transport: tr, Timeout: defaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:     base,
		adminKey: opts.AdminKey,
		http:     hc,
		logger:   logger.With("component", "sdk"),
	}, nil
}

// Connect returns a client for addr after checking that it answers.
func Connect(ctx context.Context, addr string, opts Options) (*Client, error) {
	c, err := NewClient(addr, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Health(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.base, err)
	}
	return c, nil
}

func normalizeAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("copilot: empty address")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("copilot: parse address: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("copilot: address %q has no host", addr)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// Close releases the embedded instance, if any.
func (c *Client) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	c.http.CloseIdleConnections()
	return nil
}

// do sends one JSON request. Idempotent calls are retried on transport
// errors with a growing backoff.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet || method == http.MethodDelete {
		attempts = maxAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			c.logger.Warn("request failed, retrying", "method", method, "path", path, "attempt", i, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i*200) * time.Millisecond):
			}
		}

		resp, err := c.send(ctx, method, path, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		return decodeResponse(resp, out)
	}
	return fmt.Errorf("copilot: %s %s failed after %d attempts: %w", method, path, attempts, lastErr)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminKey != "" && strings.HasPrefix(path, "/api/admin") {
		req.Header.Set("x-api-key", c.adminKey)
	}
	return c.http.Do(req)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// get is do for GET with a typed result.
func get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func withLimit(path string, limit int) string {
	if limit <= 0 {
		return path
	}
	return path + "?limit=" + strconv.Itoa(limit)
}

// --- Asker ---

func (c *Client) Query(ctx context.Context, req schema.QueryRequest) (*schema.QueryResult, error) {
	var out schema.QueryResult
	if err := c.do(ctx, http.MethodPost, "/api/query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateThread(ctx context.Context, pseudoUserID *string) (string, error) {
	var out schema.ThreadResponse
	if err := c.do(ctx, http.MethodPost, "/api/threads", schema.ThreadRequest{PseudoUserID: pseudoUserID}, &out); err != nil {
		return "", err
	}
	return out.ThreadID, nil
}

// --- Reporter ---

func (c *Client) Telemetry(ctx context.Context, payload map[string]any) error {
	return c.do(ctx, http.MethodPost, "/api/telemetry", payload, nil)
}

// --- SourceAdmin ---

func (c *Client) CreateSource(ctx context.Context, in schema.SourceInput) (*schema.Source, error) {
	var out schema.Source
	if err := c.do(ctx, http.MethodPost, "/api/admin/sources", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSource(ctx context.Context, id string) (*schema.Source, error) {
	out, err := get[schema.Source](ctx, c, "/api/admin/sources/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSources(ctx context.Context, limit int) ([]schema.Source, error) {
	return get[[]schema.Source](ctx, c, withLimit("/api/admin/sources", limit))
}

func (c *Client) UpdateSource(ctx context.Context, id string, patch schema.SourcePatch) (*schema.Source, error) {
	var out schema.Source
	if err := c.do(ctx, http.MethodPatch, "/api/admin/sources/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSource(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/admin/sources/"+url.PathEscape(id), nil, nil)
}

// --- EventAdmin ---

func (c *Client) ListEvents(ctx context.Context, limit int) ([]schema.UsageEvent, error) {
	return get[[]schema.UsageEvent](ctx, c, withLimit("/api/admin/events", limit))
}

func (c *Client) GetEvent(ctx context.Context, id string) (*schema.UsageEvent, error) {
	out, err := get[schema.UsageEvent](ctx, c, "/api/admin/events/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/admin/events/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ClearEvents(ctx context.Context) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/admin/events", nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// --- HealthChecker ---

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) StorageStatus(ctx context.Context) (*schema.StorageStatus, error) {
	out, err := get[schema.StorageStatus](ctx, c, "/api/health/storage")
	if err != nil {
		return nil, err
	}
	return &out, nil
}

package sdk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/celerix-dev/celerix-copilot/internal/app"
	"github.com/celerix-dev/celerix-copilot/internal/config"
)

// embeddedBase is the URL host used for in-process calls. It never hits
// the network.
const embeddedBase = "http://embedded.copilot"

// New returns a Copilot based on the environment. When COPILOT_ADDR is set
// and the daemon answers, the remote client is returned. Otherwise an
// embedded copilot is built from configPath (may be empty) plus the usual
// environment overrides.
func New(ctx context.Context, configPath string) (Copilot, error) {
	logger := slog.Default()
	opts := Options{
		AdminKey:           os.Getenv("COPILOT_ADMIN_KEY"),
		InsecureSkipVerify: config.ParseBool(os.Getenv("COPILOT_INSECURE_TLS")),
		Logger:             logger,
	}

	if addr := os.Getenv("COPILOT_ADDR"); addr != "" {
		client, err := Connect(ctx, addr, opts)
		if err == nil {
			return client, nil
		}
		logger.Warn("remote copilot unreachable, falling back to embedded mode", "addr", addr, "error", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return Embedded(ctx, cfg, logger)
}

// Embedded runs a copilot inside the calling process. Requests go through
// the same router the daemon serves, without a listener.
func Embedded(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("start embedded copilot: %w", err)
	}
	c, err := NewClient(embeddedBase, Options{
		AdminKey:   cfg.Admin.APIKey,
		HTTPClient: &http.Client{Transport: handlerTransport{handler: a.Router}},
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	c.closer = a
	return c, nil
}

// handlerTransport answers requests by calling an http.Handler directly.
type handlerTransport struct {
	handler http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		defer req.Body.Close()
	}
	w := &bufferedResponse{header: make(http.Header)}
	t.handler.ServeHTTP(w, req)
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", w.code, http.StatusText(w.code)),
		StatusCode:    w.code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        w.header,
		Body:          io.NopCloser(&w.body),
		ContentLength: int64(w.body.Len()),
		Request:       req,
	}, nil
}

// bufferedResponse is an in-memory http.ResponseWriter.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	code   int
}

func (w *bufferedResponse) Header() http.Header { return w.header }

func (w *bufferedResponse) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
}

func (w *bufferedResponse) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.body.Write(p)
}

// Package agent turns a user query into a QueryResult by way of one of
// several interchangeable strategies: a canned stub, a stateful project
// runtime, or a generic REST endpoint.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

var (
	// ErrConfigurationMissing means a required endpoint or agent id is unset.
	ErrConfigurationMissing = errors.New("agent configuration missing")
	// ErrRuntimeUnavailable means the agent service could not be reached or
	// authenticated against.
	ErrRuntimeUnavailable = errors.New("agent runtime unavailable")
	// ErrAgentNoAnswer means the run finished without any usable answer.
	ErrAgentNoAnswer = errors.New("agent run did not produce an answer")
	// ErrUpstreamHTTP matches any *UpstreamError.
	ErrUpstreamHTTP = errors.New("upstream returned non-2xx status")
	// ErrThreadsUnsupported is returned when the active strategy has no
	// notion of conversation threads.
	ErrThreadsUnsupported = errors.New("thread creation not supported by this strategy")
)

// Runtime names accepted by Options.Runtime.
const (
	RuntimeProject = "project"
	RuntimeREST    = "rest"
)

// DefaultTimeout bounds every outbound call to an agent service.
const DefaultTimeout = 60 * time.Second

// Request is one query to resolve. ThreadID is opaque and passed through.
type Request struct {
	Query        string
	PseudoUserID *string
	ThreadID     *string
}

// Strategy produces a QueryResult for a request.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, req Request) (*schema.QueryResult, error)
}

// ThreadCreator is implemented by strategies that manage multi-turn threads.
type ThreadCreator interface {
	CreateThread(ctx context.Context, pseudoUserID *string) (string, error)
}

// UpstreamError carries a non-2xx response from an agent service.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Is makes errors.Is(err, ErrUpstreamHTTP) match.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamHTTP
}

// Options selects and configures a strategy.
type Options struct {
	Stub    bool
	Runtime string // RuntimeProject (default) or RuntimeREST

	Endpoint   string
	AgentID    string
	APIKey     string
	APIVersion string

	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Azure AD token endpoint derived from TenantID.
	TokenURL string

	Timeout time.Duration
}

// New returns the strategy named by opts. Missing endpoint or credential
// settings do not fail here; the strategy reports them on each Resolve so
// the daemon can still start and serve the admin surface.
func New(opts Options, logger *slog.Logger) (Strategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Stub {
		return NewStub(), nil
	}

	switch opts.Runtime {
	case "", RuntimeProject:
		if opts.Endpoint == "" {
			return NewProjectStrategy(nil, opts.AgentID, logger).
				withInitErr(fmt.Errorf("%w: PROJECT_ENDPOINT is required when STUB_MODE is false", ErrConfigurationMissing)), nil
		}
		client, err := NewFoundryClient(FoundryOptions{
			Endpoint:     opts.Endpoint,
			APIVersion:   opts.APIVersion,
			APIKey:       opts.APIKey,
			TenantID:     opts.TenantID,
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			Timeout:      opts.Timeout,
		})
		if err != nil {
			return NewProjectStrategy(nil, opts.AgentID, logger).withInitErr(err), nil
		}
		return NewProjectStrategy(client, opts.AgentID, logger).WithTimeout(opts.Timeout), nil
	case RuntimeREST:
		return NewRESTStrategy(opts.Endpoint, opts.APIKey, opts.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown agent runtime %q", opts.Runtime)
	}
}

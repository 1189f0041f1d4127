package sdk

import (
	"context"
	"errors"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

var (
	// ErrNotFound is returned when a source or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the admin key is missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadRequest is returned when the daemon rejects a request body.
	ErrBadRequest = errors.New("bad request")
	// ErrUnavailable is returned when the daemon cannot serve the call
	// (no storage at all, or no thread support in the active strategy).
	ErrUnavailable = errors.New("unavailable")
)

// --- Functional Interfaces (Interface Segregation) ---

// Asker resolves documentation questions.
type Asker interface {
	Query(ctx context.Context, req schema.QueryRequest) (*schema.QueryResult, error)
	CreateThread(ctx context.Context, pseudoUserID *string) (string, error)
}

// Reporter submits free-form telemetry.
type Reporter interface {
	Telemetry(ctx context.Context, payload map[string]any) error
}

// SourceAdmin manages curated document sources.
type SourceAdmin interface {
	CreateSource(ctx context.Context, in schema.SourceInput) (*schema.Source, error)
	GetSource(ctx context.Context, id string) (*schema.Source, error)
	ListSources(ctx context.Context, limit int) ([]schema.Source, error)
	UpdateSource(ctx context.Context, id string, patch schema.SourcePatch) (*schema.Source, error)
	DeleteSource(ctx context.Context, id string) error
}

// EventAdmin reads and prunes usage events.
type EventAdmin interface {
	ListEvents(ctx context.Context, limit int) ([]schema.UsageEvent, error)
	GetEvent(ctx context.Context, id string) (*schema.UsageEvent, error)
	DeleteEvent(ctx context.Context, id string) error
	ClearEvents(ctx context.Context) (int, error)
}

// HealthChecker reports liveness and persistence health.
type HealthChecker interface {
	Health(ctx context.Context) error
	StorageStatus(ctx context.Context) (*schema.StorageStatus, error)
}

// --- Composite Interfaces ---

// Copilot is the full client surface, identical for a remote daemon and an
// embedded instance.
type Copilot interface {
	Asker
	Reporter
	SourceAdmin
	EventAdmin
	HealthChecker

	Close() error
}

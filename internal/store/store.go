// Package store persists sources and usage events. A durable SQL store is the
// source of truth when reachable; an in-process MemStore takes over when it is
// not, behind the DualStore facade.
package store

import (
	"context"
	"errors"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record id is unknown.
	ErrNotFound = errors.New("record not found")
	// ErrStorageUnavailable is returned when neither the durable nor the
	// ephemeral store could serve a call.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotConfigured is returned by Open when no durable target is set.
	ErrNotConfigured = errors.New("durable store not configured")
)

// DefaultListLimit applies when List is called with a non-positive limit.
const DefaultListLimit = 100

// SourceStore is the contract for curated source records.
type SourceStore interface {
	CreateSource(ctx context.Context, in schema.SourceInput) (*schema.Source, error)
	GetSource(ctx context.Context, id string) (*schema.Source, error)
	// ListSources returns sources ordered by ascending priority.
	ListSources(ctx context.Context, limit int) ([]schema.Source, error)
	UpdateSource(ctx context.Context, id string, patch schema.SourcePatch) (*schema.Source, error)
	DeleteSource(ctx context.Context, id string) error
}

// EventStore is the contract for usage events. There is no update.
type EventStore interface {
	CreateEvent(ctx context.Context, ev schema.UsageEvent) (*schema.UsageEvent, error)
	GetEvent(ctx context.Context, id string) (*schema.UsageEvent, error)
	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, limit int) ([]schema.UsageEvent, error)
	DeleteEvent(ctx context.Context, id string) error
}

// Store combines both record kinds. MemStore, SQLStore and DualStore all
// implement it.
type Store interface {
	SourceStore
	EventStore
}

// NewID returns a time-sortable record identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// isAuthoritative reports whether err is a definitive answer from a healthy
// store, as opposed to a failure that warrants the ephemeral fallback.
func isAuthoritative(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, schema.ErrURLRequired) ||
		errors.Is(err, schema.ErrEventTypeRequired)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

// DualStore is the persistence facade. Every call tries the durable store
// first and transparently falls back to the ephemeral one. Writes made while
// degraded stay in the ephemeral store; they are not replayed on recovery.
type DualStore struct {
	durable   Store // nil when no DATABASE_URL is configured
	ephemeral Store
	logger    *slog.Logger

	degraded atomic.Bool
	mu       sync.Mutex
	lastErr  string
	since    time.Time
	now      func() time.Time
}

// schemaReporter is implemented by durable stores that migrate their own
// schema, possibly long after startup.
type schemaReporter interface {
	SchemaStatus() map[string]string
}

// NewDualStore builds the facade. durable may be nil.
func NewDualStore(durable Store, ephemeral Store, logger *slog.Logger) *DualStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ephemeral == nil {
		ephemeral = NewMemStore()
	}
	return &DualStore{
		durable:   durable,
		ephemeral: ephemeral,
		logger:    logger.With("component", "store"),
		now:       time.Now,
	}
}

// Status reports whether the facade is currently serving from the
// ephemeral store because the durable one failed.
func (d *DualStore) Status() schema.StorageStatus {
	st := schema.StorageStatus{
		DurableConfigured: d.durable != nil,
		Degraded:          d.degraded.Load(),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastErr != "" {
		st.LastError = schema.Ptr(d.lastErr)
	}
	if st.Degraded {
		st.DegradedSince = schema.Ptr(d.since.UTC().Format(time.RFC3339))
	}
	if r, ok := d.durable.(schemaReporter); ok {
		if tables := r.SchemaStatus(); len(tables) > 0 {
			st.Tables = tables
		}
	}
	return st
}

// Durable returns the durable store, or nil.
func (d *DualStore) Durable() Store {
	return d.durable
}

// Close closes the durable store if it holds resources.
func (d *DualStore) Close() error {
	if c, ok := d.durable.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *DualStore) markDegraded(op string, err error) {
	d.mu.Lock()
	d.lastErr = err.Error()
	if d.degraded.CompareAndSwap(false, true) {
		d.since = d.now()
		d.mu.Unlock()
		d.logger.Warn("durable store failed, serving from ephemeral store", "op", op, "error", err)
		return
	}
	d.mu.Unlock()
	d.logger.Debug("durable store still failing", "op", op, "error", err)
}

func (d *DualStore) markHealthy() {
	if d.degraded.CompareAndSwap(true, false) {
		d.mu.Lock()
		since := d.since
		d.mu.Unlock()
		d.logger.Info("durable store recovered", "degraded_for", d.now().Sub(since).Round(time.Millisecond))
	}
}

// call runs fn against the durable store, then the ephemeral one. A failure
// caused by the caller's own context is returned as is: the durable store is
// not blamed and nothing is written to the ephemeral store.
func call[T any](ctx context.Context, d *DualStore, op string, fn func(Store) (T, error)) (T, error) {
	var (
		zero       T
		durableErr error
	)

	if d.durable != nil {
		v, err := fn(d.durable)
		if err == nil || isAuthoritative(err) {
			d.markHealthy()
			return v, err
		}
		if ctx.Err() != nil {
			return zero, err
		}
		d.markDegraded(op, err)
		durableErr = err
	}

	v, err := fn(d.ephemeral)
	if err == nil || isAuthoritative(err) {
		return v, err
	}
	d.logger.Error("ephemeral store failed", "op", op, "error", err)
	return zero, fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, errors.Join(durableErr, err))
}

// --- Sources ---

func (d *DualStore) CreateSource(ctx context.Context, in schema.SourceInput) (*schema.Source, error) {
	return call(ctx, d, "create_source", func(s Store) (*schema.Source, error) {
		return s.CreateSource(ctx, in)
	})
}

func (d *DualStore) GetSource(ctx context.Context, id string) (*schema.Source, error) {
	return call(ctx, d, "get_source", func(s Store) (*schema.Source, error) {
		return s.GetSource(ctx, id)
	})
}

func (d *DualStore) ListSources(ctx context.Context, limit int) ([]schema.Source, error) {
	return call(ctx, d, "list_sources", func(s Store) ([]schema.Source, error) {
		return s.ListSources(ctx, limit)
	})
}

func (d *DualStore) UpdateSource(ctx context.Context, id string, patch schema.SourcePatch) (*schema.Source, error) {
	return call(ctx, d, "update_source", func(s Store) (*schema.Source, error) {
		return s.UpdateSource(ctx, id, patch)
	})
}

func (d *DualStore) DeleteSource(ctx context.Context, id string) error {
	_, err := call(ctx, d, "delete_source", func(s Store) (struct{}, error) {
		return struct{}{}, s.DeleteSource(ctx, id)
	})
	return err
}

// --- Usage events ---

func (d *DualStore) CreateEvent(ctx context.Context, ev schema.UsageEvent) (*schema.UsageEvent, error) {
	return call(ctx, d, "create_event", func(s Store) (*schema.UsageEvent, error) {
		return s.CreateEvent(ctx, ev)
	})
}

func (d *DualStore) GetEvent(ctx context.Context, id string) (*schema.UsageEvent, error) {
	return call(ctx, d, "get_event", func(s Store) (*schema.UsageEvent, error) {
		return s.GetEvent(ctx, id)
	})
}

func (d *DualStore) ListEvents(ctx context.Context, limit int) ([]schema.UsageEvent, error) {
	return call(ctx, d, "list_events", func(s Store) ([]schema.UsageEvent, error) {
		return s.ListEvents(ctx, limit)
	})
}

func (d *DualStore) DeleteEvent(ctx context.Context, id string) error {
	_, err := call(ctx, d, "delete_event", func(s Store) (struct{}, error) {
		return struct{}{}, s.DeleteEvent(ctx, id)
	})
	return err
}

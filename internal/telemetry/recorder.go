// Package telemetry records usage events. Recording never fails from the
// caller's point of view: a write that cannot be stored anywhere is logged
// and dropped.
package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/celerix-dev/celerix-copilot/internal/store"
	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

// DefaultEventType is used when a free-form payload names no event type.
const DefaultEventType = "telemetry"

// clearBatch bounds how many events Clear removes in one call.
const clearBatch = 1000

// Recorder writes usage events through an EventStore.
type Recorder struct {
	events store.EventStore
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRecorder returns a recorder writing to events.
func NewRecorder(events store.EventStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{events: events, logger: logger.With("component", "telemetry")}
}

// Record stores ev synchronously. Failures are logged at ERROR and swallowed.
func (r *Recorder) Record(ctx context.Context, ev schema.UsageEvent) {
	if strings.TrimSpace(ev.EventType) == "" {
		ev.EventType = DefaultEventType
	}
	if _, err := r.events.CreateEvent(ctx, ev); err != nil {
		r.logger.Error("dropping usage event",
			"event_type", ev.EventType,
			"pseudo_user_id", ev.PseudoUserID,
			"query_hash", ev.QueryHash,
			"confidence", ev.Confidence,
			"citations", ev.Citations,
			"anchors", ev.Anchors,
			"metadata", ev.Metadata,
			"error", err)
	}
}

// Go records ev in the background. The write outlives ctx's cancellation so
// a finished HTTP request does not abort it; Wait drains pending writes.
func (r *Recorder) Go(ctx context.Context, ev schema.UsageEvent) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Record(context.WithoutCancel(ctx), ev)
	}()
}

// Wait blocks until every write started by Go has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// List returns the newest events first.
func (r *Recorder) List(ctx context.Context, limit int) ([]schema.UsageEvent, error) {
	return r.events.ListEvents(ctx, limit)
}

// Clear deletes up to clearBatch of the newest events and reports how many
// were removed. Individual delete failures are logged and skipped.
func (r *Recorder) Clear(ctx context.Context) (int, error) {
	events, err := r.events.ListEvents(ctx, clearBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if err := r.events.DeleteEvent(ctx, ev.ID); err != nil {
			r.logger.Warn("delete usage event failed", "id", ev.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

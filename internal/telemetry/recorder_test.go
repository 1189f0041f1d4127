package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-copilot/internal/store"
	"github.com/celerix-dev/celerix-copilot/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEvents struct{ store.EventStore }

func (failingEvents) CreateEvent(context.Context, schema.UsageEvent) (*schema.UsageEvent, error) {
	return nil, errors.New("disk on fire")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_Record(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	r := NewRecorder(mem, quietLogger())

	r.Record(ctx, schema.UsageEvent{EventType: "query", Confidence: schema.Ptr(0.9)})
	r.Record(ctx, schema.UsageEvent{})

	events, err := r.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	types := []string{events[0].EventType, events[1].EventType}
	assert.ElementsMatch(t, []string{"query", DefaultEventType}, types)
	for _, ev := range events {
		assert.False(t, ev.EventTime.IsZero())
	}
}

func TestRecorder_SwallowsFailures(t *testing.T) {
	r := NewRecorder(failingEvents{}, quietLogger())
	// Must not panic or block.
	r.Record(context.Background(), schema.UsageEvent{EventType: "query"})
}

func TestRecorder_LogsDroppedEvent(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(failingEvents{}, slog.New(slog.NewJSONHandler(&buf, nil)))

	r.Record(context.Background(), schema.UsageEvent{
		EventType:  "query",
		QueryHash:  schema.Ptr("abc"),
		Confidence: schema.Ptr(0.9),
		Citations:  []schema.Citation{{URL: "https://docs.example/a"}},
		Anchors:    []string{"getting-started"},
		Metadata:   map[string]any{"strategy": "stub"},
	})

	line := buf.String()
	for _, want := range []string{`"confidence":0.9`, "https://docs.example/a", "getting-started", `"query_hash":"abc"`, "disk on fire"} {
		assert.Contains(t, line, want)
	}
}

func TestRecorder_BlankEventTypeDefaults(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	r := NewRecorder(mem, quietLogger())

	r.Record(ctx, schema.UsageEvent{EventType: "   "})

	events, err := r.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, DefaultEventType, events[0].EventType)
}

func TestRecorder_GoSurvivesCancel(t *testing.T) {
	mem := store.NewMemStore()
	r := NewRecorder(mem, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	r.Go(ctx, schema.UsageEvent{EventType: "query"})
	cancel()
	r.Wait()

	events, _ := mem.ListEvents(context.Background(), 0)
	assert.Len(t, events, 1)
}

func TestRecorder_Clear(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	r := NewRecorder(mem, quietLogger())
	for i := 0; i < 3; i++ {
		r.Record(ctx, schema.UsageEvent{EventType: "query"})
	}

	n, err := r.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, _ := mem.ListEvents(ctx, 0)
	assert.Empty(t, events)
}

func TestFromPayload(t *testing.T) {
	ev := FromPayload(map[string]any{
		"event":          "copy_answer",
		"payload":        map[string]any{"button": "copy"},
		"pseudo_user_id": "anon-42",
		"confidence":     0.7,
		"anchors":        []any{"intro", 3},
		"citations":      []any{map[string]any{"url": "https://x", "anchor": "a"}, "junk"},
		"event_time":     "2025-06-01T10:00:00Z",
		"page":           "/docs/start",
	})

	assert.Equal(t, "copy_answer", ev.EventType)
	assert.Equal(t, "anon-42", *ev.PseudoUserID)
	assert.Equal(t, 0.7, *ev.Confidence)
	assert.Equal(t, []string{"intro"}, ev.Anchors)
	require.Len(t, ev.Citations, 1)
	assert.Equal(t, "a", *ev.Citations[0].Anchor)
	assert.True(t, ev.EventTime.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, map[string]any{"button": "copy", "page": "/docs/start"}, ev.Metadata)
}

func TestFromPayload_Defaults(t *testing.T) {
	ev := FromPayload(map[string]any{})
	assert.Equal(t, DefaultEventType, ev.EventType)
	assert.Nil(t, ev.Metadata)

	ev = FromPayload(map[string]any{"event_type": "  ", "event": " "})
	assert.Equal(t, DefaultEventType, ev.EventType)

	ev = FromPayload(map[string]any{"event_type": " ", "event": "page_view"})
	assert.Equal(t, "page_view", ev.EventType)

	ev = FromPayload(map[string]any{"event_type": "a", "event": "b", "metadata": "scalar"})
	assert.Equal(t, "a", ev.EventType)
	assert.Equal(t, map[string]any{"metadata": "scalar"}, ev.Metadata)
}

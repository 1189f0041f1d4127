package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

// MemStore is the process-lifetime ephemeral store. Nothing survives a
// restart. Construct one per process (or per test) and share it.
type MemStore struct {
	mu      sync.RWMutex
	sources []schema.Source
	events  []schema.UsageEvent
	now     func() time.Time
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

// --- Sources ---

func (m *MemStore) CreateSource(_ context.Context, in schema.SourceInput) (*schema.Source, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	src := in.NewSource(NewID())

	m.mu.Lock()
	m.sources = append(m.sources, src)
	m.mu.Unlock()

	return copySource(src), nil
}

func (m *MemStore) GetSource(_ context.Context, id string) (*schema.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := m.sourceIndex(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	return copySource(m.sources[i]), nil
}

func (m *MemStore) ListSources(_ context.Context, limit int) ([]schema.Source, error) {
	m.mu.RLock()
	list := make([]schema.Source, 0, len(m.sources))
	for _, s := range m.sources {
		list = append(list, *copySource(s))
	}
	m.mu.RUnlock()

	// Stable so equal priorities keep insertion order.
	slices.SortStableFunc(list, func(a, b schema.Source) int {
		return a.Priority - b.Priority
	})
	if n := normalizeLimit(limit); len(list) > n {
		list = list[:n]
	}
	return list, nil
}

func (m *MemStore) UpdateSource(_ context.Context, id string, patch schema.SourcePatch) (*schema.Source, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.sourceIndex(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	m.sources[i] = patch.Apply(m.sources[i])
	return copySource(m.sources[i]), nil
}

func (m *MemStore) DeleteSource(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.sourceIndex(id); i >= 0 {
		m.sources = slices.Delete(m.sources, i, i+1)
	}
	return nil
}

// sourceIndex MUST be called while holding m.mu.
func (m *MemStore) sourceIndex(id string) int {
	return slices.IndexFunc(m.sources, func(s schema.Source) bool { return s.ID == id })
}

// --- Usage events ---

func (m *MemStore) CreateEvent(_ context.Context, ev schema.UsageEvent) (*schema.UsageEvent, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	ev = copyEvent(ev.Stamp(NewID(), m.now()))

	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()

	out := copyEvent(ev)
	return &out, nil
}

func (m *MemStore) GetEvent(_ context.Context, id string) (*schema.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := m.eventIndex(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	out := copyEvent(m.events[i])
	return &out, nil
}

func (m *MemStore) ListEvents(_ context.Context, limit int) ([]schema.UsageEvent, error) {
	m.mu.RLock()
	list := make([]schema.UsageEvent, 0, len(m.events))
	for _, ev := range m.events {
		list = append(list, copyEvent(ev))
	}
	m.mu.RUnlock()

	slices.SortStableFunc(list, func(a, b schema.UsageEvent) int {
		return b.EventTime.Compare(a.EventTime)
	})
	if n := normalizeLimit(limit); len(list) > n {
		list = list[:n]
	}
	return list, nil
}

func (m *MemStore) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.eventIndex(id); i >= 0 {
		m.events = slices.Delete(m.events, i, i+1)
	}
	return nil
}

// eventIndex MUST be called while holding m.mu.
func (m *MemStore) eventIndex(id string) int {
	return slices.IndexFunc(m.events, func(e schema.UsageEvent) bool { return e.ID == id })
}

// --- copies keep callers from mutating stored state ---

func copySource(s schema.Source) *schema.Source {
	if s.Title != nil {
		title := *s.Title
		s.Title = &title
	}
	if s.LastIndexed != nil {
		ts := *s.LastIndexed
		s.LastIndexed = &ts
	}
	return &s
}

func copyEvent(e schema.UsageEvent) schema.UsageEvent {
	e.Citations = slices.Clone(e.Citations)
	e.Anchors = slices.Clone(e.Anchors)
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

// Package schema defines the data structures shared by the copilot daemon,
// its HTTP API and the client SDK.
package schema

import (
	"errors"
	"strings"
	"time"
)

// DefaultPriority is assigned to sources created without an explicit priority.
// Lower values rank first.
const DefaultPriority = 100

// ErrURLRequired is returned when a source would be stored without a URL.
var ErrURLRequired = errors.New("source url is required")

// Source is a curated document reference.
// Active is advisory: nothing in the read path filters on it.
type Source struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       *string    `json:"title"`
	Priority    int        `json:"priority"`
	LastIndexed *time.Time `json:"last_indexed"`
	Active      bool       `json:"active"`
}

// SourceInput carries the fields accepted when creating a source.
type SourceInput struct {
	URL      string  `json:"url"`
	Title    *string `json:"title,omitempty"`
	Priority *int    `json:"priority,omitempty"`
}

// Validate checks the creation invariants.
func (in SourceInput) Validate() error {
	if strings.TrimSpace(in.URL) == "" {
		return ErrURLRequired
	}
	return nil
}

// NewSource builds a Source with defaults applied. The caller assigns the ID.
func (in SourceInput) NewSource(id string) Source {
	priority := DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	return Source{
		ID:       id,
		URL:      strings.TrimSpace(in.URL),
		Title:    in.Title,
		Priority: priority,
		Active:   true,
	}
}

// SourcePatch is a partial update. Nil fields are left unchanged.
// There is deliberately no ID field.
type SourcePatch struct {
	URL         *string    `json:"url,omitempty"`
	Title       *string    `json:"title,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	LastIndexed *time.Time `json:"last_indexed,omitempty"`
	Active      *bool      `json:"active,omitempty"`
}

// Validate rejects patches that would clear the URL.
func (p SourcePatch) Validate() error {
	if p.URL != nil && strings.TrimSpace(*p.URL) == "" {
		return ErrURLRequired
	}
	return nil
}

// Apply returns a copy of s with the patch applied.
func (p SourcePatch) Apply(s Source) Source {
	if p.URL != nil {
		s.URL = strings.TrimSpace(*p.URL)
	}
	if p.Title != nil {
		title := *p.Title
		s.Title = &title
	}
	if p.Priority != nil {
		s.Priority = *p.Priority
	}
	if p.LastIndexed != nil {
		ts := *p.LastIndexed
		s.LastIndexed = &ts
	}
	if p.Active != nil {
		s.Active = *p.Active
	}
	return s
}

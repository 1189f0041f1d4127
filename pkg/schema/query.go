package schema

// Citation points at the document fragment backing part of an answer.
type Citation struct {
	URL     string  `json:"url"`
	Anchor  *string `json:"anchor,omitempty"`
	Snippet *string `json:"snippet,omitempty"`
}

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query        string         `json:"query"`
	PseudoUserID *string        `json:"pseudo_user_id,omitempty"`
	ThreadID     *string        `json:"thread_id,omitempty"`
	PageContext  map[string]any `json:"page_context,omitempty"`
}

// QueryResult is the canonical answer returned to callers.
// Fallback is true only when the answer came from a degraded path.
type QueryResult struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Fallback   bool       `json:"fallback"`
	Anchors    []string   `json:"anchors,omitempty"`
	ThreadID   *string    `json:"thread_id,omitempty"`
}

// ThreadRequest is the body of POST /api/threads.
type ThreadRequest struct {
	PseudoUserID *string `json:"pseudo_user_id,omitempty"`
}

// ThreadResponse carries a newly created conversation thread.
type ThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

// StorageStatus reports whether persistence is running degraded.
type StorageStatus struct {
	DurableConfigured bool    `json:"durable_configured"`
	Degraded          bool    `json:"degraded"`
	LastError         *string `json:"last_error,omitempty"`
	DegradedSince     *string `json:"degraded_since,omitempty"`
	// Tables is the per-table result of the startup schema migration.
	Tables map[string]string `json:"tables,omitempty"`
}

// Ptr returns a pointer to v. Handy for optional fields.
func Ptr[T any](v T) *T {
	return &v
}

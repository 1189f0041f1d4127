// Package api exposes the copilot over HTTP with gin.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/celerix-dev/celerix-copilot/internal/agent"
	"github.com/celerix-dev/celerix-copilot/internal/query"
	"github.com/celerix-dev/celerix-copilot/internal/store"
	"github.com/celerix-dev/celerix-copilot/internal/telemetry"
	"github.com/celerix-dev/celerix-copilot/pkg/schema"
	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is reported when the admin key does not match.
var ErrUnauthorized = errors.New("invalid API key")

// StorageReporter reports persistence health.
type StorageReporter interface {
	Status() schema.StorageStatus
}

type Handler struct {
	Resolver *query.Resolver
	Store    store.Store
	Recorder *telemetry.Recorder
	Storage  StorageReporter
	Logger   *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) StorageHealth(c *gin.Context) {
	if h.Storage == nil {
		c.JSON(http.StatusOK, schema.StorageStatus{})
		return
	}
	c.JSON(http.StatusOK, h.Storage.Status())
}

func (h *Handler) Query(c *gin.Context) {
	var req schema.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	res, err := h.Resolver.ResolveRequest(ctx, req)
	if errors.Is(err, query.ErrEmptyQuery) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev := schema.UsageEvent{
		PseudoUserID: req.PseudoUserID,
		QueryHash:    schema.Ptr(query.QueryHash(req.Query)),
		Metadata:     map[string]any{"strategy": h.Resolver.Strategy()},
	}
	if req.ThreadID != nil {
		ev.Metadata["thread_id"] = *req.ThreadID
	}
	if len(req.PageContext) > 0 {
		ev.Metadata["page_context"] = req.PageContext
	}

	if err != nil {
		ev.EventType = "query_failed"
		ev.Metadata["error_kind"] = errorKind(err)
		h.Recorder.Go(ctx, ev)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query resolution failed"})
		return
	}

	ev.EventType = "query"
	ev.Confidence = schema.Ptr(res.Confidence)
	ev.Citations = res.Citations
	ev.Anchors = res.Anchors
	if res.ThreadID != nil {
		ev.Metadata["thread_id"] = *res.ThreadID
	}
	h.Recorder.Go(ctx, ev)

	c.JSON(http.StatusOK, res)
}

// errorKind names the failure class recorded with query_failed events.
func errorKind(err error) string {
	switch {
	case errors.Is(err, agent.ErrConfigurationMissing):
		return "configuration_missing"
	case errors.Is(err, agent.ErrRuntimeUnavailable):
		return "runtime_unavailable"
	case errors.Is(err, agent.ErrAgentNoAnswer):
		return "no_answer"
	case errors.Is(err, agent.ErrUpstreamHTTP):
		return "upstream_http"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "internal"
}

func (h *Handler) CreateThread(c *gin.Context) {
	var req schema.ThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.Resolver.CreateThread(c.Request.Context(), req.PseudoUserID)
	if errors.Is(err, agent.ErrThreadsUnsupported) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "thread creation failed"})
		return
	}
	c.JSON(http.StatusOK, schema.ThreadResponse{ThreadID: id})
}

// Telemetry accepts any JSON object. It always answers 200.
func (h *Handler) Telemetry(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		h.logger().Warn("telemetry body ignored", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		return
	}
	h.Recorder.Go(c.Request.Context(), telemetry.FromPayload(body))
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// --- Admin: sources ---

func (h *Handler) CreateSource(c *gin.Context) {
	var in schema.SourceInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := h.Store.CreateSource(c.Request.Context(), in)
	if err != nil {
		h.storeError(c, err)
		return
	}
	h.adminEvent(c, "admin.source.created", src.ID)
	c.JSON(http.StatusCreated, src)
}

func (h *Handler) ListSources(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	list, err := h.Store.ListSources(c.Request.Context(), limit)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) GetSource(c *gin.Context) {
	src, err := h.Store.GetSource(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, src)
}

func (h *Handler) UpdateSource(c *gin.Context) {
	var patch schema.SourcePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := h.Store.UpdateSource(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.storeError(c, err)
		return
	}
	h.adminEvent(c, "admin.source.updated", src.ID)
	c.JSON(http.StatusOK, src)
}

func (h *Handler) DeleteSource(c *gin.Context) {
	id := c.Param("id")
	if err := h.Store.DeleteSource(c.Request.Context(), id); err != nil {
		h.storeError(c, err)
		return
	}
	h.adminEvent(c, "admin.source.deleted", id)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// --- Admin: usage events ---

func (h *Handler) ListEvents(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	list, err := h.Store.ListEvents(c.Request.Context(), limit)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.Store.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) DeleteEvent(c *gin.Context) {
	if err := h.Store.DeleteEvent(c.Request.Context(), c.Param("id")); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) ClearEvents(c *gin.Context) {
	n, err := h.Recorder.Clear(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "deleted": n})
}

func (h *Handler) adminEvent(c *gin.Context, eventType, sourceID string) {
	h.Recorder.Go(c.Request.Context(), schema.UsageEvent{
		EventType: eventType,
		Metadata:  map[string]any{"source_id": sourceID},
	})
}

func (h *Handler) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, schema.ErrURLRequired), errors.Is(err, schema.ErrEventTypeRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrStorageUnavailable):
		h.logger().Error("storage unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": store.ErrStorageUnavailable.Error()})
	default:
		h.logger().Error("store call failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// limitParam parses ?limit=. Missing means the store default.
func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

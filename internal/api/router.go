package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/celerix-dev/celerix-copilot/internal/vault"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
)

// RouterOptions carries the HTTP-layer settings.
type RouterOptions struct {
	// AdminKey guards /api/admin. Empty leaves the admin routes open.
	AdminKey string
	// AllowedOrigin is sent as Access-Control-Allow-Origin. Defaults to "*".
	AllowedOrigin string
	Logger        *slog.Logger
}

// NewRouter registers every route on a fresh gin engine.
func NewRouter(h *Handler, contracts *Contracts, opts RouterOptions) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(RequestLogger(logger), gin.Recovery(), CORS(opts.AllowedOrigin))

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/health", h.Health)
		apiGroup.GET("/health/storage", h.StorageHealth)
		apiGroup.POST("/query", contracts.Validate("query"), h.Query)
		apiGroup.POST("/threads", contracts.Validate("thread"), h.CreateThread)
		apiGroup.POST("/telemetry", h.Telemetry)
	}

	admin := apiGroup.Group("/admin", AdminAuth(opts.AdminKey))
	{
		admin.POST("/sources", contracts.Validate("source"), h.CreateSource)
		admin.GET("/sources", h.ListSources)
		admin.GET("/sources/:id", h.GetSource)
		admin.PATCH("/sources/:id", contracts.Validate("source_patch"), h.UpdateSource)
		admin.DELETE("/sources/:id", h.DeleteSource)
		admin.GET("/events", h.ListEvents)
		admin.DELETE("/events", h.ClearEvents)
		admin.GET("/events/:id", h.GetEvent)
		admin.DELETE("/events/:id", h.DeleteEvent)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API route not found"})
	})
	return r
}

// Compressed wraps the engine with gzip for clients that accept it.
func Compressed(r http.Handler) http.Handler {
	return gzhttp.GzipHandler(r)
}

// AdminAuth checks the x-api-key header against key in constant time.
func AdminAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		if !vault.KeysEqual(c.GetHeader("x-api-key"), key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

// CORS answers preflight requests and sets the allow headers.
func CORS(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request at a level matching the status.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// Package api exposes the runtime supervisor and artifact sync over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/artifacts"
	"github.com/kandev/runtimed/internal/common/logger"
	"github.com/kandev/runtimed/internal/dist"
	"github.com/kandev/runtimed/internal/events/bus"
	"github.com/kandev/runtimed/internal/history"
	"github.com/kandev/runtimed/internal/supervisor"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Runtime is the supervisor surface the handlers drive.
type Runtime interface {
	Start(ctx context.Context, forceRestart bool) bool
	Stop(ctx context.Context, waitForExit bool)
	Restart(ctx context.Context) bool
	Status() supervisor.Status
	StatusText() string
}

// Syncer refreshes the distribution from a subscription URL.
type Syncer interface {
	SyncFromSubscription(ctx context.Context, rawURL string, progress artifacts.ProgressFunc) (bool, error)
	Layout() dist.Layout
}

// HistoryReader lists recent lifecycle records.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// Handler holds the dependencies of the control API routes.
type Handler struct {
	runtime         Runtime
	syncer          Syncer
	history         HistoryReader
	bus             bus.EventBus
	metrics         http.Handler
	subscriptionURL string
	logger          *logger.Logger
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithHistory enables GET /api/v1/runtime/history.
func WithHistory(h HistoryReader) HandlerOption {
	return func(hd *Handler) { hd.history = h }
}

// WithEventBus enables the websocket event stream.
func WithEventBus(b bus.EventBus) HandlerOption {
	return func(hd *Handler) { hd.bus = b }
}

// WithMetricsHandler mounts a scrape handler at /metrics.
func WithMetricsHandler(m http.Handler) HandlerOption {
	return func(hd *Handler) { hd.metrics = m }
}

// WithSubscriptionURL sets the URL used by sync requests that do not name one.
func WithSubscriptionURL(raw string) HandlerOption {
	return func(hd *Handler) { hd.subscriptionURL = raw }
}

// NewHandler creates a Handler.
func NewHandler(rt Runtime, syncer Syncer, log *logger.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		runtime: rt,
		syncer:  syncer,
		logger:  log.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the control API on router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	rt := router.Group("/api/v1/runtime")
	rt.GET("/status", h.status)
	rt.POST("/start", h.start)
	rt.POST("/stop", h.stop)
	rt.POST("/restart", h.restart)
	rt.POST("/sync", h.sync)
	rt.GET("/history", h.listHistory)
	rt.GET("/events", h.streamEvents)
}

type statusResponse struct {
	Status   supervisor.Status `json:"status"`
	Text     string            `json:"text"`
	Manifest *dist.Manifest    `json:"manifest,omitempty"`
}

type syncRequest struct {
	URL     string `json:"url"`
	Restart bool   `json:"restart"`
}

type syncResponse struct {
	Updated   bool              `json:"updated"`
	Restarted bool              `json:"restarted"`
	Status    supervisor.Status `json:"status"`
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) status(c *gin.Context) {
	resp := statusResponse{
		Status: h.runtime.Status(),
		Text:   h.runtime.StatusText(),
	}
	if h.syncer != nil {
		m, err := dist.ReadManifest(h.syncer.Layout().Dir)
		switch {
		case err == nil:
			resp.Manifest = m
		case !errors.Is(err, os.ErrNotExist):
			h.logger.Warn("failed to read sync manifest", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) start(c *gin.Context) {
	force, ok := boolQuery(c, "force", false)
	if !ok {
		return
	}
	if !h.runtime.Start(c.Request.Context(), force) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "runtime did not become ready",
			"status": h.runtime.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.runtime.Status()})
}

func (h *Handler) stop(c *gin.Context) {
	wait, ok := boolQuery(c, "wait", true)
	if !ok {
		return
	}
	h.runtime.Stop(c.Request.Context(), wait)
	status := http.StatusOK
	if !wait {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"status": h.runtime.Status()})
}

func (h *Handler) restart(c *gin.Context) {
	if !h.runtime.Restart(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "runtime did not become ready",
			"status": h.runtime.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.runtime.Status()})
}

func (h *Handler) sync(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync is not configured"})
		return
	}
	var req syncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	raw := req.URL
	if raw == "" {
		raw = h.subscriptionURL
	}
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no subscription url given or configured"})
		return
	}

	updated, err := h.syncer.SyncFromSubscription(c.Request.Context(), raw, nil)
	if err != nil {
		c.JSON(syncErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	resp := syncResponse{Updated: updated}
	if updated && req.Restart && h.runtime.Status().State == supervisor.StateRunning {
		resp.Restarted = h.runtime.Restart(c.Request.Context())
	}
	resp.Status = h.runtime.Status()
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	records, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// syncErrorStatus maps sync failures onto HTTP statuses. Every failure is
// caused by the subscription server or its content.
func syncErrorStatus(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, artifacts.ErrFetch),
		errors.Is(err, artifacts.ErrInvalidRemoteDigest),
		errors.Is(err, artifacts.ErrDigestMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func boolQuery(c *gin.Context, key string, def bool) (bool, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a boolean"})
		return false, false
	}
	return v, true
}

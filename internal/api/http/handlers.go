// Package http exposes the workspace to view adapters over REST. The
// handlers are a thin translation layer; all session semantics live in
// the workspace manager.
package http

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paperscope/backend/internal/domain/stream"
	"github.com/paperscope/backend/internal/domain/workspace"
	"github.com/paperscope/backend/internal/infrastructure/monitoring"
	"github.com/paperscope/backend/internal/upstream"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	manager      *workspace.Manager
	probe        *upstream.Probe
	metrics      *monitoring.Metrics
	upstreamBase string
}

// NewHandlers creates a new handler set
func NewHandlers(
	manager *workspace.Manager,
	probe *upstream.Probe,
	metrics *monitoring.Metrics,
	upstreamBase string,
) *Handlers {
	return &Handlers{
		manager:      manager,
		probe:        probe,
		metrics:      metrics,
		upstreamBase: strings.TrimRight(upstreamBase, "/"),
	}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "Paperscope Workspace (Go)",
		"version": "0.3.0",
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	var up any
	if h.probe != nil {
		up = h.probe.Health()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": len(h.manager.Sessions()),
		"upstream": up,
	})
}

// GetWorkspace returns the full workspace state
func (h *Handlers) GetWorkspace(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions":     h.manager.Sessions(),
		"active_id":    h.manager.ActiveID(),
		"location":     h.manager.Location(),
		"sidebar_open": h.manager.SidebarOpen(),
	})
}

type createSessionRequest struct {
	SeedInput string `json:"seed_input"`
}

// CreateSession creates and activates a new session
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id := h.manager.CreateSession(req.SeedInput)
	session, _ := h.manager.Get(id)

	c.JSON(http.StatusCreated, gin.H{
		"session":  session,
		"location": h.manager.Location(),
	})
}

// ActivateSession makes a session the active one
func (h *Handlers) ActivateSession(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	h.manager.ActivateSession(id)

	c.JSON(http.StatusOK, gin.H{
		"active_id": h.manager.ActiveID(),
		"location":  h.manager.Location(),
	})
}

// DeleteSession removes a session
func (h *Handlers) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	h.manager.DeleteSession(id)

	c.JSON(http.StatusOK, gin.H{
		"active_id": h.manager.ActiveID(),
		"location":  h.manager.Location(),
		"sessions":  h.manager.Sessions(),
	})
}

// GetSnapshot returns a session's persisted view snapshot
func (h *Handlers) GetSnapshot(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	data, ok := h.manager.LoadSnapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// PutSnapshot stores a session's view snapshot
func (h *Handlers) PutSnapshot(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.manager.SaveSnapshot(id, data)
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

// PruneSnapshots removes snapshots for sessions that no longer exist
func (h *Handlers) PruneSnapshots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pruned": h.manager.PruneSnapshots()})
}

type bindStreamRequest struct {
	// Path is the upstream stream path, e.g. /research/stream.
	Path string `json:"path" binding:"required"`
	// Params are the query parameters; list values keep their order.
	Params map[string][]string `json:"params"`
}

// BindStream points a session's consumer at an upstream stream
func (h *Handlers) BindStream(c *gin.Context) {
	id := c.Param("id")

	var req bindStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !strings.HasPrefix(req.Path, "/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path must be absolute"})
		return
	}

	target := stream.Target{
		Endpoint:   h.upstreamBase + req.Path,
		Parameters: url.Values(req.Params),
	}
	if !h.manager.StartStream(id, target) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if h.metrics != nil {
		h.metrics.IncStreamAttempts()
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "binding": "accepted"})
}

// StopStream tears down a session's stream connection
func (h *Handlers) StopStream(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	h.manager.StopStream(id)
	c.JSON(http.StatusOK, gin.H{"session_id": id, "stopped": true})
}

// GetMessages returns a session's accumulated stream state
func (h *Handlers) GetMessages(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	consumer, ok := h.manager.StreamFor(id)
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"status":   stream.StatusIdle,
			"messages": []stream.Message{},
			"content":  "",
		})
		return
	}

	status, messages, errText := consumer.Snapshot()
	resp := gin.H{
		"status":   status,
		"messages": messages,
		"content":  consumer.Content(),
	}
	if errText != "" {
		resp["error"] = errText
	}
	c.JSON(http.StatusOK, resp)
}

type sidebarRequest struct {
	Open bool `json:"open"`
}

// SetSidebar persists the auxiliary panel toggle
func (h *Handlers) SetSidebar(c *gin.Context) {
	var req sidebarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.manager.SetSidebarOpen(req.Open)
	c.JSON(http.StatusOK, gin.H{"sidebar_open": req.Open})
}

// MetricsJSON returns aggregated metrics for dashboards
func (h *Handlers) MetricsJSON(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	snap := h.metrics.Snapshot()
	avgMs := 0.0
	if snap.RequestCount > 0 {
		avgMs = snap.TotalDuration / float64(snap.RequestCount) * 1000
	}
	c.JSON(http.StatusOK, gin.H{
		"total_requests":     snap.TotalRequests,
		"total_errors":       snap.TotalErrors,
		"live_sessions":      snap.LiveSessions,
		"active_streams":     snap.ActiveStreams,
		"active_connections": snap.ActiveConnections,
		"avg_request_ms":     avgMs,
		"uptime_seconds":     h.metrics.UptimeSeconds(),
	})
}

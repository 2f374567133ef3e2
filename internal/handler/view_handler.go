package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/view"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/middleware"
)

const heartbeatInterval = 15 * time.Second

type ViewHandler struct {
	views  *view.Manager
	logger *zap.Logger
}

func NewViewHandler(views *view.Manager, logger *zap.Logger) *ViewHandler {
	return &ViewHandler{views: views, logger: logger}
}

// Stream opens a realtime view for the caller and pushes it as server-sent events:
// "view" once, then "snapshot" and "notifications" whenever they change.
func (h *ViewHandler) Stream(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	v, err := h.views.Open(ctx, middleware.ActorFrom(c), filter)
	if err != nil {
		respondError(c, h.logger, err, "open view")
		return
	}
	defer h.views.Close(v.ID)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("view", gin.H{"id": v.ID})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-v.Cache.Done():
			c.SSEvent("snapshot", v.Cache.Snapshot())
			return false
		case <-v.Cache.Changes():
			c.SSEvent("snapshot", v.Cache.Snapshot())
			return true
		case <-v.Center.Changes():
			c.SSEvent("notifications", notificationsBody(v))
			return true
		case t := <-heartbeat.C:
			c.SSEvent("ping", t.UTC().Format(time.RFC3339))
			return true
		}
	})
}

func (h *ViewHandler) Refetch(c *gin.Context) {
	v, err := h.views.Get(middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "find view")
		return
	}
	if err := v.Cache.Refetch(c.Request.Context()); err != nil {
		h.logger.Warn("Refetch failed", zap.String("view_id", v.ID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    "Refetch failed",
			"snapshot": v.Cache.Snapshot(),
		})
		return
	}
	c.JSON(http.StatusOK, v.Cache.Snapshot())
}

func (h *ViewHandler) Notifications(c *gin.Context) {
	v, err := h.views.Get(middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "find view")
		return
	}
	c.JSON(http.StatusOK, notificationsBody(v))
}

func (h *ViewHandler) MarkRead(c *gin.Context) {
	v, err := h.views.Get(middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "find view")
		return
	}
	if !v.Center.MarkRead(c.Param("nid")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
		return
	}
	c.JSON(http.StatusOK, notificationsBody(v))
}

func (h *ViewHandler) MarkAllRead(c *gin.Context) {
	v, err := h.views.Get(middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "find view")
		return
	}
	v.Center.MarkAllRead()
	c.JSON(http.StatusOK, notificationsBody(v))
}

func (h *ViewHandler) Clear(c *gin.Context) {
	v, err := h.views.Get(middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "find view")
		return
	}
	v.Center.Clear()
	c.JSON(http.StatusOK, notificationsBody(v))
}

func notificationsBody(v *view.View) gin.H {
	return gin.H{
		"items":  v.Center.List(),
		"unread": v.Center.Unread(),
	}
}

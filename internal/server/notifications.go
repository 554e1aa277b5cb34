package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/accounts"
	"github.com/gin-gonic/gin"
)

const (
	notificationHeartbeatInterval = 25 * time.Second
	notificationEventHeartbeat    = "heartbeat"
)

type notificationPayload struct {
	Kind      accounts.NoticeKind `json:"kind"`
	Text      string              `json:"text"`
	Timestamp time.Time           `json:"timestamp"`
}

// handleNotifications streams deletion notices for the calling platform account
// as server-sent events. Callers without a linked account may subscribe.
func (h *httpHandler) handleNotifications(c *gin.Context) {
	if h.notifications == nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	ctx := c.Request.Context()
	current := h.caller(c)
	stream, cleanup := h.notifications.Subscribe(ctx, current.Platform, current.PlatformID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(notificationHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(message.Kind), notificationPayload{
				Kind:      message.Kind,
				Text:      message.Text,
				Timestamp: message.Timestamp.UTC(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(notificationEventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

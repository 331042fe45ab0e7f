package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/errors"
)

// keepaliveInterval spaces the comment frames that hold idle SSE
// connections open through proxies.
const keepaliveInterval = 15 * time.Second

// StreamEvents serves the lifecycle SSE stream. An optional session_id query
// filters the stream to one session. The connection stays open until the
// client goes away or the subscriber is reaped for falling behind.
// GET /api/v1/events
func (h *Handler) StreamEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, errors.New(errors.KindInternal, "streaming unsupported"))
		return
	}

	sub := h.coord.SSE().Subscribe(c.Query("session_id"))
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("sse subscriber connected",
		zap.String("session_filter", c.Query("session_id")))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, open := <-sub.Frames():
			if !open {
				// Reaped for not keeping up.
				return
			}
			if _, err := frame.WriteTo(c.Writer); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

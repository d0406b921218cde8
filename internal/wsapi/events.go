package wsapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleEvents serves GET /api/events as Server-Sent Events: a full
// device-list snapshot, re-sent on every change, never an incremental
// diff.
func (r *Router) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	subID := uuid.NewString()
	events, unsubscribe := r.tracker.Subscribe(subID)
	defer unsubscribe()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case devices, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(gin.H{"type": "devices", "devices": devices})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

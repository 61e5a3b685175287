package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleEvents streams the event bus to the GUI as server-sent events.
// Each message is one JSON object {"topic":...,"payload":...}. Slow
// clients miss events rather than stalling the workers.
func (r *Router) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "streaming unsupported"})
		return
	}
	ch, cancel := r.deps.Bus.Subscribe(64)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			body, err := json.Marshal(gin.H{"topic": ev.Topic, "payload": ev.Payload})
			if err != nil {
				continue
			}
			if _, err := c.Writer.WriteString("data: " + string(body) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

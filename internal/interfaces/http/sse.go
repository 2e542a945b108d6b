package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

// keepAliveInterval paces comment frames through silent stretches (a heavy
// tool call, a slow first token) so idle-timeout proxies keep the stream
// open. Variable so tests can shorten it.
var keepAliveInterval = 15 * time.Second

// streamSSE drains the event channel as `data: <json>` frames, one flush per
// event. Writing to a stalled client blocks here, which fills the bounded
// event channel and suspends the producer: back-pressure instead of
// buffering. The loop ends when the producer closes the channel; a client
// disconnect cancels the request context, which the producer observes.
func streamSSE(c *gin.Context, events <-chan entity.ChatEvent) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

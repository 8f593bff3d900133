package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// sseWriter wraps a streaming response with the flushing and framing an
// event-stream needs.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the event-stream headers and returns a writer, or false
// when the underlying connection cannot stream.
func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Writer.WriteHeader(http.StatusOK)

	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

// Event writes one named event frame and flushes it to the client.
func (s *sseWriter) Event(event string, data []byte) {
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

// Comment writes a comment frame, used for keep-alive pings.
func (s *sseWriter) Comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

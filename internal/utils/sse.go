package utils

import "github.com/gin-gonic/gin"

// SSEWriter streams server-sent events on a gin response.
type SSEWriter struct {
	c *gin.Context
}

func NewSSEWriter(c *gin.Context) *SSEWriter {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &SSEWriter{c: c}
}

// Write sends one event and flushes it. Structs, maps and slices are sent
// as JSON. The returned error is set once the client has gone away.
func (s *SSEWriter) Write(event string, data interface{}) error {
	s.c.SSEvent(event, data)
	s.c.Writer.Flush()
	return s.c.Request.Context().Err()
}

func (s *SSEWriter) Close() error {
	return s.Write("", "[DONE]")
}

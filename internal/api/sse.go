package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// Event names written by the generate stream. A stream emits any number of
// token events followed by exactly one terminal event.
const (
	eventToken     = "token"
	eventDone      = "done"
	eventError     = "error"
	eventCancelled = "cancelled"
)

type sseWriter struct {
	w       io.Writer
	flusher func()
	seq     int
}

func newSSEWriter(c *echo.Context) (*sseWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: res, flusher: flusher.Flush, seq: 1}, nil
}

func (s *sseWriter) send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, b); err != nil {
		return err
	}
	s.seq++
	s.flusher()
	return nil
}

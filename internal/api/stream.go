package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const keepaliveInterval = 25 * time.Second

// StreamEvents pushes run/sync notifications to the client as server-sent
// events until the client disconnects.
// (GET /api/v1/events/stream)
func (s *Server) StreamEvents(c echo.Context) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ch, cancel := s.Hub.Subscribe()
	defer cancel()

	ctx := c.Request().Context()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Payload)
			w.Flush()
		case <-keepalive.C:
			// Comment line keeps idle proxies from dropping the stream.
			fmt.Fprint(w, ": keepalive\n\n")
			w.Flush()
		}
	}
}

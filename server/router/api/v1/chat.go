package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/compasshq/compass/plugin/ai/agent"
)

// sseStream writes agent events as Server-Sent Events. Sends are serialized
// so tool goroutines can never interleave partial frames.
type sseStream struct {
	mu      sync.Mutex
	writer  http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &sseStream{writer: w, flusher: flusher}, nil
}

// Send implements agent.Stream.
func (s *sseStream) Send(eventType string, eventData any) error {
	payload, err := json.Marshal(eventData)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.writer, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close implements agent.Stream. The HTTP layer owns the connection.
func (s *sseStream) Close() error {
	return nil
}

// ChatStream handles POST /api/v1/chat/stream. Malformed input is rejected
// with a plain HTTP status before the stream opens; once streaming starts,
// all failures travel inside the stream.
func (s *APIV1Service) ChatStream(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}

	req := &agent.TurnRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	if s.limiter != nil && !s.limiter.Allow(strconv.Itoa(int(userID))) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	stream, err := newSSEStream(c.Response())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	s.orchestrator.StreamTurn(c.Request().Context(), userID, req, stream)
	return nil
}

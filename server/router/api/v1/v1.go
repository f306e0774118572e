// Package v1 exposes the chat subsystem over HTTP: a streamed chat endpoint
// plus session listing and history reads.
package v1

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/compasshq/compass/plugin/ai/agent"
	"github.com/compasshq/compass/server/middleware"
	"github.com/compasshq/compass/store"
)

// TurnStreamer drives one chat turn against a client stream.
type TurnStreamer interface {
	StreamTurn(ctx context.Context, userID int32, req *agent.TurnRequest, stream agent.Stream)
}

// APIV1Service hosts the v1 HTTP API.
type APIV1Service struct {
	store        *store.Store
	orchestrator TurnStreamer
	limiter      *middleware.RateLimiter
}

// NewAPIV1Service creates the v1 API service.
func NewAPIV1Service(st *store.Store, orchestrator TurnStreamer, limiter *middleware.RateLimiter) *APIV1Service {
	return &APIV1Service{
		store:        st,
		orchestrator: orchestrator,
		limiter:      limiter,
	}
}

// RegisterRoutes mounts the v1 routes on an echo instance.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.POST("/chat/stream", s.ChatStream)
	g.GET("/sessions", s.ListSessions)
	g.GET("/sessions/:uid/messages", s.ListSessionMessages)
}

// userIDFrom reads the authenticated user id. Authentication itself is the
// host application's concern; this service only consumes its result.
func userIDFrom(c echo.Context) (int32, error) {
	raw := c.Request().Header.Get("X-User-ID")
	if raw == "" {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "invalid user identity")
	}
	return int32(id), nil
}

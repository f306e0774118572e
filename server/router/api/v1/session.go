package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/compasshq/compass/store"
)

const defaultSessionLimit = 50

// ListSessions handles GET /api/v1/sessions.
func (s *APIV1Service) ListSessions(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}

	limit := defaultSessionLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	sessions, err := s.store.ListSessions(c.Request().Context(), userID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// ListSessionMessages handles GET /api/v1/sessions/:uid/messages. A session
// that does not exist and one the caller does not own look identical.
func (s *APIV1Service) ListSessionMessages(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}

	uid := c.Param("uid")
	session, err := s.store.GetSession(c.Request().Context(), &store.FindSession{UID: &uid})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	if session == nil || session.UserID != userID {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	messages, err := s.store.ListMessages(c.Request().Context(), &store.FindMessage{SessionID: &session.ID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list messages")
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session":  session,
		"messages": messages,
	})
}

package devapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/notifications"
	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/tasks"
	"github.com/agentworkforce/collabsync/internal/transport"
)

type ServerConfig struct {
	Backend *Backend
	Auth    *Auth
	Hub     *Hub
	// Mirrors receive every committed change alongside the hub, for example
	// a Redis channel shared with clients that are not on the websocket.
	Mirrors []push.Emitter
	Logger  logrus.FieldLogger
}

// Server serves the REST routes under /api and the push hub at /ws.
type Server struct {
	echo    *echo.Echo
	backend *Backend
	hub     *Hub
	log     logrus.FieldLogger
}

// NewServer builds the echo router. The backend's emitter is pointed at the
// hub and any mirrors so every committed change is pushed.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	backend := cfg.Backend
	if backend == nil {
		backend = NewBackend(BackendOptions{Logger: logger})
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	backend.SetEmitter(append(push.Fanout{hub}, cfg.Mirrors...))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			transport.HeaderClientOpID, transport.HeaderClientID, transport.HeaderCorrelationID,
		},
	}))

	s := &Server{echo: e, backend: backend, hub: hub, log: logger}
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	auth := cfg.Auth
	if auth == nil {
		auth = NewAuth([]byte("dev-secret"), "")
	}
	api := e.Group("/api", auth.Middleware())
	api.GET("/projects/:projectID/tasks", s.listTasks)
	api.POST("/projects/:projectID/tasks", s.createTask)
	api.PATCH("/tasks/:id", s.updateTask)
	api.DELETE("/tasks/:id", s.deleteTask)
	api.GET("/projects/:projectID/messages", s.listMessages)
	api.POST("/projects/:projectID/messages", s.sendMessage)
	api.PATCH("/messages/:id", s.editMessage)
	api.DELETE("/messages/:id", s.deleteMessage)
	api.POST("/messages/:id/reactions", s.toggleReaction)
	api.GET("/notifications", s.listNotifications)
	api.POST("/notifications/read-all", s.markAllRead)
	api.PATCH("/notifications/:id", s.markNotification)
	api.DELETE("/notifications/:id", s.deleteNotification)
	e.GET("/ws", hub.Handle, auth.Middleware())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) Backend() *Backend { return s.backend }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) client(c echo.Context) *Client {
	userID, _ := c.Get(userKey).(string)
	return s.backend.As(userID, c.Request().Header.Get(transport.HeaderClientID))
}

func opID(c echo.Context) string {
	return c.Request().Header.Get(transport.HeaderClientOpID)
}

func pageQuery(c echo.Context) (string, int, error) {
	limit := 0
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return "", 0, &apiError{status: http.StatusBadRequest, code: "bad_request", message: "invalid limit"}
		}
		limit = n
	}
	return c.QueryParam("cursor"), limit, nil
}

func bind(c echo.Context, into any) error {
	if err := c.Bind(into); err != nil {
		return &apiError{status: http.StatusBadRequest, code: "bad_request", message: "invalid json body"}
	}
	return nil
}

func (s *Server) listTasks(c echo.Context) error {
	cursor, limit, err := pageQuery(c)
	if err != nil {
		return err
	}
	page, err := s.client(c).ListTasks(c.Request().Context(), c.Param("projectID"), tasks.ListQuery{
		Cursor:     cursor,
		Limit:      limit,
		Status:     tasks.Status(c.QueryParam("status")),
		AssigneeID: c.QueryParam("assigneeId"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) createTask(c echo.Context) error {
	var in tasks.CreateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	t, err := s.client(c).CreateTask(c.Request().Context(), c.Param("projectID"), in, opID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) updateTask(c echo.Context) error {
	var p tasks.Patch
	if err := bind(c, &p); err != nil {
		return err
	}
	t, err := s.client(c).UpdateTask(c.Request().Context(), c.Param("id"), p, opID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) deleteTask(c echo.Context) error {
	if err := s.client(c).DeleteTask(c.Request().Context(), c.Param("id"), opID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listMessages(c echo.Context) error {
	cursor, limit, err := pageQuery(c)
	if err != nil {
		return err
	}
	page, err := s.client(c).ListMessages(c.Request().Context(), c.Param("projectID"), messages.ListQuery{
		Cursor:   cursor,
		Limit:    limit,
		ThreadID: c.QueryParam("threadId"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) sendMessage(c echo.Context) error {
	var in messages.SendInput
	if err := bind(c, &in); err != nil {
		return err
	}
	m, err := s.client(c).SendMessage(c.Request().Context(), c.Param("projectID"), in, opID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) editMessage(c echo.Context) error {
	var body struct {
		Content string `json:"content"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	m, err := s.client(c).EditMessage(c.Request().Context(), c.Param("id"), body.Content, opID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) deleteMessage(c echo.Context) error {
	m, err := s.client(c).DeleteMessage(c.Request().Context(), c.Param("id"), opID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) toggleReaction(c echo.Context) error {
	var body struct {
		Emoji string `json:"emoji"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	res, err := s.client(c).ToggleReaction(c.Request().Context(), c.Param("id"), body.Emoji, opID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) listNotifications(c echo.Context) error {
	cursor, limit, err := pageQuery(c)
	if err != nil {
		return err
	}
	unread, _ := strconv.ParseBool(c.QueryParam("unread"))
	page, err := s.client(c).ListNotifications(c.Request().Context(), notifications.ListQuery{
		Cursor:     cursor,
		Limit:      limit,
		UnreadOnly: unread,
		Type:       notifications.Type(c.QueryParam("type")),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) markNotification(c echo.Context) error {
	var body struct {
		IsRead bool `json:"isRead"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	n, err := s.client(c).MarkNotification(c.Request().Context(), c.Param("id"), body.IsRead, opID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (s *Server) markAllRead(c echo.Context) error {
	n, err := s.client(c).MarkAllRead(c.Request().Context(), opID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) deleteNotification(c echo.Context) error {
	if err := s.client(c).DeleteNotification(c.Request().Context(), c.Param("id"), opID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return e.message }

// statusFor maps a backend error onto the status and code the client
// classifies back into the same sentinel.
func statusFor(err error) (int, string) {
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		return ae.status, ae.code
	case errors.Is(err, syncer.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, syncer.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, syncer.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, syncer.ErrEditWindowExpired):
		return http.StatusConflict, transport.CodeEditWindowExpired
	case errors.Is(err, syncer.ErrConflict):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal_error"
}

func errorHandler(logger logrus.FieldLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, code := statusFor(err)
		message := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			code = strings.ToLower(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
			if m, ok := he.Message.(string); ok {
				message = m
			}
		}
		if status >= http.StatusInternalServerError {
			logger.WithError(err).WithField("path", c.Path()).Error("request failed")
		}
		correlation := c.Request().Header.Get(transport.HeaderCorrelationID)
		if correlation != "" {
			c.Response().Header().Set(transport.HeaderCorrelationID, correlation)
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, map[string]string{
			"code":          code,
			"message":       message,
			"correlationId": correlation,
		})
	}
}

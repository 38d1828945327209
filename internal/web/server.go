package web

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/noahxzhu/medication-reminder/internal/model"
	"github.com/noahxzhu/medication-reminder/internal/notify"
	"github.com/noahxzhu/medication-reminder/internal/storage"
	"github.com/noahxzhu/medication-reminder/internal/worker"
)

const sessionCookie = "session_token"

// Reminders is the scheduler surface the API needs.
type Reminders interface {
	Slots() map[string]worker.SlotInfo
	Permission() notify.Permission
	Warning() string
	Resume()
	RefreshPermission() bool
}

type Server struct {
	store     *storage.Store
	settings  *storage.SettingsStore
	reminders Reminders
	inbox     *notify.Inbox
	logger    *slog.Logger
	router    *echo.Echo

	mu         sync.Mutex
	sessions   map[string]time.Time
	sessionTTL time.Duration
	now        func() time.Time
}

func NewServer(store *storage.Store, settings *storage.SettingsStore, reminders Reminders, inbox *notify.Inbox, sessionTTL time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		store:      store,
		settings:   settings,
		reminders:  reminders,
		inbox:      inbox,
		logger:     logger.With("component", "web"),
		router:     echo.New(),
		sessions:   make(map[string]time.Time),
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
	s.router.HideBanner = true
	s.router.HidePort = true
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.router
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "req_id", v.RequestID)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	// Public routes
	e.POST("/api/setup", s.handleSetup)
	e.POST("/api/login", s.handleLogin)
	e.POST("/api/logout", s.handleLogout)

	// Protected routes
	api := e.Group("/api", s.authMiddleware)
	api.GET("/medications", s.handleList)
	api.POST("/medications", s.handleAdd)
	api.GET("/medications/:id", s.handleGet)
	api.PUT("/medications/:id", s.handleUpdate)
	api.DELETE("/medications/:id", s.handleRemove)
	api.PUT("/medications/:id/taken", s.handleSetTaken)
	api.POST("/medications/:id/toggle", s.handleToggle)
	api.GET("/schedule", s.handleSchedule)
	api.POST("/resume", s.handleResume)
	api.GET("/alerts", s.handleAlerts)
	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handlePutSettings)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Middleware
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.settings.Get().Password == "" {
			return echo.NewHTTPError(http.StatusForbidden, "setup required")
		}

		cookie, err := c.Cookie(sessionCookie)
		if err != nil || cookie.Value == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "login required")
		}

		s.mu.Lock()
		expiry, ok := s.sessions[cookie.Value]
		s.mu.Unlock()
		if !ok || s.now().After(expiry) {
			return echo.NewHTTPError(http.StatusUnauthorized, "session expired")
		}

		return next(c)
	}
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleSetup(c echo.Context) error {
	settings := s.settings.Get()
	if settings.Password != "" {
		return echo.NewHTTPError(http.StatusConflict, "already set up")
	}

	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "password is required")
	}

	settings.Password = req.Password
	if err := s.settings.Update(settings); err != nil {
		s.logger.Error("Failed to save settings", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save settings")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleLogin(c echo.Context) error {
	settings := s.settings.Get()
	if settings.Password == "" {
		return echo.NewHTTPError(http.StatusForbidden, "setup required")
	}

	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Password != settings.Password {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid password")
	}

	sessionToken := uuid.New().String()
	expiry := s.now().Add(s.sessionTTL)
	s.mu.Lock()
	s.sessions[sessionToken] = expiry
	s.mu.Unlock()

	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    sessionToken,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
	})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleLogout(c echo.Context) error {
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}
	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  s.now().Add(-1 * time.Hour),
		HttpOnly: true,
	})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.List())
}

func (s *Server) handleGet(c echo.Context) error {
	m, err := s.store.Get(c.Param("id"))
	if err != nil {
		return s.storeError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) bindInput(c echo.Context) (model.MedicationInput, error) {
	var in model.MedicationInput
	if err := c.Bind(&in); err != nil {
		return in, err
	}
	if err := in.Validate(); err != nil {
		return in, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return in, nil
}

func (s *Server) handleAdd(c echo.Context) error {
	in, err := s.bindInput(c)
	if err != nil {
		return err
	}
	m, err := s.store.Add(in)
	if err != nil {
		return s.storeError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) handleUpdate(c echo.Context) error {
	in, err := s.bindInput(c)
	if err != nil {
		return err
	}
	m, err := s.store.Update(c.Param("id"), in)
	if err != nil {
		return s.storeError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleRemove(c echo.Context) error {
	if err := s.store.Remove(c.Param("id")); err != nil {
		return s.storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type takenRequest struct {
	Taken bool `json:"taken"`
}

func (s *Server) handleSetTaken(c echo.Context) error {
	var req takenRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	m, err := s.store.SetTaken(c.Param("id"), req.Taken)
	if err != nil {
		return s.storeError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleToggle(c echo.Context) error {
	m, err := s.store.ToggleTaken(c.Param("id"))
	if err != nil {
		return s.storeError(err)
	}
	return c.JSON(http.StatusOK, m)
}

type scheduleResponse struct {
	Permission notify.Permission          `json:"permission"`
	Warning    string                     `json:"warning,omitempty"`
	Slots      map[string]worker.SlotInfo `json:"slots"`
}

func (s *Server) handleSchedule(c echo.Context) error {
	return c.JSON(http.StatusOK, scheduleResponse{
		Permission: s.reminders.Permission(),
		Warning:    s.reminders.Warning(),
		Slots:      s.reminders.Slots(),
	})
}

func (s *Server) handleResume(c echo.Context) error {
	s.reminders.Resume()
	return s.handleSchedule(c)
}

func (s *Server) handleAlerts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.inbox.Drain())
}

type settingsRequest struct {
	PushoverToken string `json:"pushover_token"`
	PushoverUser  string `json:"pushover_user"`
	NewPassword   string `json:"new_password"`
}

type settingsResponse struct {
	PushoverToken string            `json:"pushover_token"`
	PushoverUser  string            `json:"pushover_user"`
	Permission    notify.Permission `json:"permission"`
}

func (s *Server) handleGetSettings(c echo.Context) error {
	settings := s.settings.Get()
	return c.JSON(http.StatusOK, settingsResponse{
		PushoverToken: settings.PushoverToken,
		PushoverUser:  settings.PushoverUser,
		Permission:    s.reminders.Permission(),
	})
}

func (s *Server) handlePutSettings(c echo.Context) error {
	var req settingsRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	settings := s.settings.Get()
	settings.PushoverToken = req.PushoverToken
	settings.PushoverUser = req.PushoverUser
	if req.NewPassword != "" {
		settings.Password = req.NewPassword
	}

	if err := s.settings.Update(settings); err != nil {
		s.logger.Error("Failed to update settings", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update settings")
	}

	s.reminders.RefreshPermission()

	return s.handleGetSettings(c)
}

func (s *Server) storeError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "medication not found")
	}
	s.logger.Error("Store operation failed", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "storage failure")
}

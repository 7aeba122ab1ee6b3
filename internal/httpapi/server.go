package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cnulatienpo/run-sub001/internal/ghost"
	"github.com/cnulatienpo/run-sub001/internal/relay"
	"github.com/cnulatienpo/run-sub001/internal/store"
	"github.com/cnulatienpo/run-sub001/internal/ws"
)

const defaultListLimit = 50

// GhostIndex lists indexed recordings, newest first.
type GhostIndex interface {
	ListGhosts(ctx context.Context, limit int) ([]store.GhostRow, error)
}

// AuditReader returns recent audit entries, newest first.
type AuditReader interface {
	AuditEntries(ctx context.Context, limit int) ([]store.AuditRow, error)
}

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	registry *relay.Registry
	ghosts   *ghost.Store
	index    GhostIndex
	audit    AuditReader
	gatherer prometheus.Gatherer
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithGhosts serves recordings from st.
func WithGhosts(st *ghost.Store) Option { return func(s *Server) { s.ghosts = st } }

// WithIndex lists recordings from the metadata index instead of the filesystem.
func WithIndex(idx GhostIndex) Option { return func(s *Server) { s.index = idx } }

// WithAudit exposes the audit trail.
func WithAudit(r AuditReader) Option { return func(s *Server) { s.audit = r } }

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// New constructs an Echo app with the relay websocket and REST routes.
func New(registry *relay.Registry, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				slog.Warn("http request failed", append(attrs, "err", v.Error)...)
				return nil
			}
			slog.Debug("http request", attrs...)
			return nil
		},
	}))

	s := &Server{echo: e, registry: registry}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/rooms/active", s.handleActiveRooms)
	s.echo.GET("/rooms/active", s.handleActiveRooms) // Path used by earlier clients.
	if s.ghosts != nil {
		s.echo.GET("/api/ghosts", s.handleGhostList)
		s.echo.GET("/api/ghosts/:date/:room", s.handleGhost)
	}
	if s.audit != nil {
		s.echo.GET("/api/audit", s.handleAudit)
	}
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	ws.NewHandler(s.registry).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	rooms := s.registry.ActiveRooms()
	clients := 0
	for _, r := range rooms {
		clients += r.UserCount
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Rooms:   len(rooms),
		Clients: clients,
	})
}

func (s *Server) handleActiveRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.ActiveRooms())
}

type ghostSummary struct {
	Path       string `json:"path"`
	RoomID     string `json:"room_id,omitempty"`
	Date       string `json:"date"`
	SizeBytes  int64  `json:"size_bytes"`
	EventCount *int   `json:"event_count,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
	ClosedAt   string `json:"closed_at,omitempty"`
}

func (s *Server) handleGhostList(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	out := []ghostSummary{}
	if s.index != nil {
		rows, err := s.index.ListGhosts(c.Request().Context(), limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("list ghost index: %v", err))
		}
		for _, r := range rows {
			count, duration := r.EventCount, r.DurationMS
			date, _, _ := strings.Cut(r.RelPath, "/")
			out = append(out, ghostSummary{
				Path:       r.RelPath,
				RoomID:     r.RoomID,
				Date:       date,
				SizeBytes:  r.SizeBytes,
				EventCount: &count,
				DurationMS: &duration,
				ClosedAt:   ghost.FormatTime(r.ClosedAt),
			})
		}
		return c.JSON(http.StatusOK, out)
	}

	entries, err := s.ghosts.List()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("list ghosts: %v", err))
	}
	// Newest date first, matching the index ordering.
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := entries[i]
		out = append(out, ghostSummary{Path: e.RelPath, Date: e.Date, SizeBytes: e.Size})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGhost(c echo.Context) error {
	rec, err := s.ghosts.Get(c.Param("date"), c.Param("room"))
	if err != nil {
		if errors.Is(err, ghost.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "ghost recording not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

type auditEntry struct {
	Tag       string `json:"tag"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleAudit(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rows, err := s.audit.AuditEntries(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("read audit log: %v", err))
	}
	out := make([]auditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, auditEntry{Tag: r.Tag, Message: r.Message, CreatedAt: ghost.FormatTime(r.CreatedAt)})
	}
	return c.JSON(http.StatusOK, out)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, 1000), nil
}

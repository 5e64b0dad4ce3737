// Package ops exposes the engine's read-only operational HTTP surface:
// health, the active connection set, and per-connection sync states.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcode/ehrsync/internal/domain/connection"
	"github.com/medcode/ehrsync/internal/domain/syncstate"
	"github.com/medcode/ehrsync/internal/platform/db"
)

// Server serves the ops endpoints. It never mutates engine state.
type Server struct {
	echo        *echo.Echo
	pool        *pgxpool.Pool
	connections connection.Repository
	states      syncstate.Repository
	log         zerolog.Logger
}

// NewServer builds the ops HTTP server and registers its routes.
func NewServer(pool *pgxpool.Pool, connections connection.Repository, states syncstate.Repository, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:        e,
		pool:        pool,
		connections: connections,
		states:      states,
		log:         log,
	}

	e.Use(requestLogger(log))

	e.GET("/healthz", s.health)
	e.GET("/connections", s.listConnections)
	e.GET("/connections/:id/sync-states", s.listSyncStates)

	return s
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
			"pool":   db.GetPoolStats(s.pool),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"pool":   db.GetPoolStats(s.pool),
	})
}

func (s *Server) listConnections(c echo.Context) error {
	conns, err := s.connections.ListActive(c.Request().Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list connections failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "list connections")
	}
	return c.JSON(http.StatusOK, conns)
}

func (s *Server) listSyncStates(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}

	conn, err := s.connections.GetByID(c.Request().Context(), id)
	if err != nil {
		s.log.Error().Err(err).Stringer("connection_id", id).Msg("get connection failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "get connection")
	}
	if conn == nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}

	states, err := s.states.ListByConnection(c.Request().Context(), id)
	if err != nil {
		s.log.Error().Err(err).Stringer("connection_id", id).Msg("list sync states failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "list sync states")
	}
	if states == nil {
		states = []*syncstate.SyncState{}
	}
	return c.JSON(http.StatusOK, states)
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			evt.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

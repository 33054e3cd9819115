// Package statsserver exposes a small Gin-based HTTP admin surface over a
// running resolver.Context: /health and /stats, backed by the counters
// internal/stats accumulates. Every handler is read-only; the resolver
// core never imports this package.
package statsserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/stubresolver/internal/stats"
	"github.com/jroosing/stubresolver/internal/statsserver/handlers"
	"github.com/jroosing/stubresolver/internal/statsserver/middleware"
)

// Server is the resolver's read-only stats HTTP server: a Gin engine plus
// an *http.Server with conservative timeouts.
type Server struct {
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds a Server listening on host:port, reporting on agg. apiKey, if
// non-empty, is required on /api/v1/stats via the X-API-Key header.
func New(host string, port int, apiKey string, agg *stats.Aggregator, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(agg, logger)
	RegisterRoutes(engine, h, apiKey)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{logger: logger, engine: engine, httpServer: httpServer}
}

// Addr returns the address the server is configured to listen on.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Engine exposes the underlying gin.Engine, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// ListenAndServe blocks serving HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

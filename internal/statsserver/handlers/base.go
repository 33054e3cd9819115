// Package handlers implements the REST endpoints for the resolver's stats
// admin API.
//
// @title Stub Resolver Stats API
// @version 1.0
// @description Read-only REST API for observing a running stub resolver's nameserver health and query counters.
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"log/slog"
	"time"

	"github.com/jroosing/stubresolver/internal/stats"
)

// Handler contains the dependencies for the stats API's endpoints.
type Handler struct {
	agg       *stats.Aggregator
	logger    *slog.Logger
	startTime time.Time
}

// New creates a Handler reporting on agg.
func New(agg *stats.Aggregator, logger *slog.Logger) *Handler {
	return &Handler{agg: agg, logger: logger, startTime: time.Now()}
}

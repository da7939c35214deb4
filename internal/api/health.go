package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tilemud/tilemud-server/internal/health"
	"github.com/tilemud/tilemud-server/internal/httputil"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	db      *pgxpool.Pool
	rdb     *redis.Client
	signals *health.Service
}

// NewHealthHandler creates a health handler. The pings feed the degraded signal service so probe traffic counts toward
// the hysteresis thresholds.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client, signals *health.Service) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb, signals: signals}
}

// Health pings PostgreSQL and Valkey, returning component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		pgStatus = "unavailable"
		h.signals.RecordFailure(health.DependencyPostgres, err.Error())
	} else {
		h.signals.RecordSuccess(health.DependencyPostgres)
	}

	vkStatus := "ok"
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		vkStatus = "unavailable"
		h.signals.RecordFailure(health.DependencyRedis, err.Error())
	} else {
		h.signals.RecordSuccess(health.DependencyRedis)
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"valkey":   vkStatus,
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tilemud/tilemud-server/internal/action"
	"github.com/tilemud/tilemud-server/internal/api"
	"github.com/tilemud/tilemud-server/internal/bootstrap"
	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/character"
	"github.com/tilemud/tilemud-server/internal/config"
	"github.com/tilemud/tilemud-server/internal/grace"
	"github.com/tilemud/tilemud-server/internal/health"
	"github.com/tilemud/tilemud-server/internal/httputil"
	"github.com/tilemud/tilemud-server/internal/pipeline"
	"github.com/tilemud/tilemud-server/internal/postgres"
	"github.com/tilemud/tilemud-server/internal/ratelimit"
	"github.com/tilemud/tilemud-server/internal/resilience"
	"github.com/tilemud/tilemud-server/internal/room"
	"github.com/tilemud/tilemud-server/internal/sequence"
	"github.com/tilemud/tilemud-server/internal/session"
	"github.com/tilemud/tilemud-server/internal/token"
	"github.com/tilemud/tilemud-server/internal/valkey"
	"github.com/tilemud/tilemud-server/internal/version"
)

const (
	valkeyDialTimeout  = 5 * time.Second
	graceCleanupPeriod = 30 * time.Second
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting TileMUD Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, valkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Valkey connected")

	// Degraded signal service and the outage guard in front of the durable action log.
	signals := health.NewService(health.Options{
		FailureThreshold:     cfg.DegradedFailureThreshold,
		RecoveryThreshold:    cfg.DegradedRecoveryThreshold,
		UnavailableThreshold: cfg.DegradedUnavailableThreshold,
	}, log.Logger)
	guard := resilience.NewOutageGuard(
		health.DependencyPostgres,
		cfg.DBGuardFailureThreshold,
		cfg.DBGuardCooldown,
		signals,
		log.Logger,
	)

	// Core services
	sessions := session.NewStore()
	sequences := sequence.NewService(sessions, cfg.SequenceSnapshotTTL, log.Logger)
	tokens := token.NewStore(rdb, cfg.ReconnectTokenTTL)
	characters := character.NewService(character.NewPGRepository(db, log.Logger))
	durability := action.NewDurability(action.NewPGRepository(db, log.Logger), guard, log.Logger)

	channels := ratelimit.DefaultChannels()
	channels[ratelimit.ChannelChatInInstance] = []ratelimit.Window{{Duration: cfg.RateLimitChatWindow, Limit: cfg.RateLimitChatCount}}
	channels[ratelimit.ChannelPrivateMessage] = []ratelimit.Window{{Duration: cfg.RateLimitPrivateWindow, Limit: cfg.RateLimitPrivateCount}}
	limiter := ratelimit.NewLimiter(rdb, "tilemud:ratelimit", channels, log.Logger)

	queue := pipeline.NewQueue(limiter, log.Logger, pipeline.WithCapacity(cfg.PipelineMaxQueue))

	versions, err := version.NewService(cfg.ProtocolVersion, cfg.SupportedVersions, cfg.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("version service: %w", err)
	}

	var validator bootstrap.TokenValidator
	switch cfg.AuthMode {
	case "jwt":
		validator, err = bootstrap.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return fmt.Errorf("jwt validator: %w", err)
		}
	default:
		validator = bootstrap.DevValidator{}
	}

	graces := grace.NewManager(rdb, cfg.ReconnectGraceDefault, log.Logger)
	go func() {
		ticker := time.NewTicker(graceCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := graces.CleanupExpiredSessions(ctx); err != nil {
					log.Warn().Err(err).Msg("Grace window cleanup failed")
				} else if removed > 0 {
					log.Info().Int("removed", removed).Msg("Expired grace windows cleaned up")
				}
			}
		}
	}()

	bootstraps := bootstrap.NewService(validator, sessions, tokens, characters, versions, cfg.RoomName, log.Logger)
	reconnects := bootstrap.NewReconnectService(
		sessions, tokens, durability, characters, log.Logger,
		bootstrap.WithDeltaWindow(int64(cfg.ReconnectDeltaWindow)),
	)

	processor := room.NewProcessor(
		sequences, durability, characters, log.Logger,
		room.WithActionQueue(queue),
		room.WithRateLimiter(limiter),
	)
	rm := room.NewRoom(
		cfg.RoomName,
		sessions, characters, versions, processor, signals, sequences, graces,
		log.Logger,
		room.WithMaxClients(cfg.RoomMaxClients),
		room.WithFloodLimit(cfg.WSFloodRate, cfg.WSFloodBurst),
	)
	go rm.Run(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "TileMUD",
		// ErrorHandler catches errors returned by handlers that are not already mapped to catalog responses (e.g.
		// Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{Error: fiberErrorBody(status, message)})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	logSkip := []string{}
	if !cfg.LogHealthRequests {
		logSkip = append(logSkip, "/api/v1/health")
	}
	app.Use(httputil.RequestLogger(log.Logger, logSkip...))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  splitOrigins(cfg.CORSAllowOrigins),
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	registerRoutes(app, db, rdb, signals, bootstraps, reconnects, versions, queue, rm)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		cancel()
		rm.Shutdown()
		_ = app.Shutdown()
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(
	app *fiber.App,
	db *pgxpool.Pool,
	rdb *redis.Client,
	signals *health.Service,
	bootstraps *bootstrap.Service,
	reconnects *bootstrap.ReconnectService,
	versions *version.Service,
	queue *pipeline.Queue,
	rm *room.Room,
) {
	healthHandler := api.NewHealthHandler(db, rdb, signals)
	app.Get("/api/v1/health", healthHandler.Health)

	sessionHandler := api.NewSessionHandler(bootstraps, reconnects, log.Logger)
	app.Post("/api/session/bootstrap", sessionHandler.Bootstrap)
	app.Post("/api/session/resume", sessionHandler.Resume)

	app.Get("/api/errors", api.CatalogHandler{}.List)

	versionHandler := api.NewVersionHandler(versions)
	app.Get("/api/version", versionHandler.Current)
	app.Get("/api/version/check", versionHandler.Check)

	app.Get("/api/pipeline", api.NewPipelineHandler(queue).Stats)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/api/realtime", api.NewRoomHandler(rm).Upgrade)
}

// splitOrigins turns the comma separated CORS_ALLOW_ORIGINS value into the slice the middleware expects.
func splitOrigins(raw string) []string {
	var origins []string
	for part := range strings.SplitSeq(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// fiberErrorBody shapes transport-level failures. Rate limited and 5xx responses reuse their catalog definitions;
// other 4xx rejections (404, 405, malformed bodies) are outside the catalog and carry a plain reason.
func fiberErrorBody(status int, message string) httputil.ErrorBody {
	switch {
	case status == fiber.StatusTooManyRequests:
		def := catalog.MustByReason(catalog.ReasonRateLimitExceeded)
		return httputil.ErrorBody{Code: def.NumericCode, Reason: def.Reason, Retryable: def.Retryable, Message: message}
	case status >= 500:
		def := catalog.MustByReason(catalog.ReasonInternalError)
		return httputil.ErrorBody{Code: def.NumericCode, Reason: def.Reason, Retryable: def.Retryable, Message: message}
	default:
		return httputil.ErrorBody{Reason: "request_rejected", Message: message}
	}
}

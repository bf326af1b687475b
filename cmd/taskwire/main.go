package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/taskwire/taskwire-server/internal/api"
	"github.com/taskwire/taskwire-server/internal/auth"
	"github.com/taskwire/taskwire-server/internal/config"
	"github.com/taskwire/taskwire-server/internal/gateway"
	"github.com/taskwire/taskwire-server/internal/httputil"
	"github.com/taskwire/taskwire-server/internal/postgres"
	"github.com/taskwire/taskwire-server/internal/presence"
	"github.com/taskwire/taskwire-server/internal/ratelimit"
	"github.com/taskwire/taskwire-server/internal/store"
	"github.com/taskwire/taskwire-server/internal/valkey"
)

// repoTimeout bounds every Repository call made on behalf of a gateway
// command.
const repoTimeout = 30 * time.Second

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

	log.Info().Str("env", cfg.ServerEnv).Str("version", cfg.ServerVersion).Msg("Starting Taskwire Server")

	ctx := context.Background()

	// Connect PostgreSQL (runs pending migrations unless disabled)
	db, err := postgres.Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Valkey connected")

	// Storage and authentication
	repo := store.NewPGRepository(db, log.Logger)
	authStore := store.NewPGAuthStore(db)
	authn := auth.New(auth.Config{
		JWTSecret: cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
		KeySecret: cfg.APIKeySecret,
	}, authStore, authStore, log.Logger)

	presenceStore := presence.NewStore(rdb)

	// Gateway components
	limiter := ratelimit.New(ratelimit.Config{
		Window:          cfg.RateLimitWindow,
		ConnectionLimit: cfg.MaxConnectionsPerWindow,
		MessageLimit:    cfg.MaxMessagesPerMinute,
	}, log.Logger)

	registry := gateway.NewRegistry()
	router := gateway.NewRouter(registry, cfg.MaxSubscriptionsPerConnection, cfg.SubscriptionIdle, log.Logger)
	hub := gateway.NewHub(cfg, registry, router, limiter, presenceStore, log.Logger)
	handlers := gateway.NewHandlers(repo, router, authn, presenceStore, repoTimeout, log.Logger)
	hub.SetDispatcher(gateway.NewDispatcher(limiter, handlers, log.Logger))

	// Background sweeps
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go func() {
		if err := limiter.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Rate limiter sweep stopped")
		}
	}()
	go func() {
		if err := router.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Subscription eviction stopped")
		}
	}()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Taskwire",
		// ErrorHandler catches errors returned by handlers that are not
		// already mapped to structured API responses (e.g. Fiber's built-in
		// 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := httputil.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}))

	registerRoutes(app, cfg, hub, db, rdb)

	// Graceful shutdown: stop accepting connections, close live ones with
	// SERVER_SHUTDOWN, then stop the HTTP listener.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		if err := hub.Shutdown(drainCtx); err != nil {
			log.Warn().Err(err).Msg("Drain deadline exceeded, forcing shutdown")
		}

		bgCancel()
		_ = app.ShutdownWithContext(drainCtx)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	log.Info().Str("addr", addr).Str("gateway_path", cfg.GatewayPath).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(app *fiber.App, cfg *config.Config, hub *gateway.Hub, db *pgxpool.Pool, rdb *redis.Client) {
	health := api.NewHealthHandler(db, redisPinger{client: rdb})
	app.Get("/api/v1/health", health.Health)

	stats := api.NewStatsHandler(hub)
	app.Get("/api/v1/stats", stats.Stats)

	gw := api.NewGatewayHandler(hub)
	app.Get(cfg.GatewayPath, gw.Upgrade)
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors
// (404, 405, etc.) to the closest API error code.
func fiberStatusToAPICode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.NotFound
	case status == fiber.StatusMethodNotAllowed:
		return httputil.ValidationError
	case status == fiber.StatusTooManyRequests:
		return httputil.RateLimited
	case status == fiber.StatusRequestEntityTooLarge:
		return httputil.PayloadTooLarge
	case status == fiber.StatusServiceUnavailable:
		return httputil.ServiceUnavailable
	case status >= 400 && status < 500:
		return httputil.ValidationError
	default:
		return httputil.InternalError
	}
}

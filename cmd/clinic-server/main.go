package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/myclinic/clinic/internal/config"
	"github.com/myclinic/clinic/internal/domain/analytics"
	"github.com/myclinic/clinic/internal/domain/notification"
	"github.com/myclinic/clinic/internal/platform/auth"
	"github.com/myclinic/clinic/internal/platform/cache"
	"github.com/myclinic/clinic/internal/platform/db"
	"github.com/myclinic/clinic/internal/platform/metrics"
	"github.com/myclinic/clinic/internal/platform/middleware"
	"github.com/myclinic/clinic/internal/platform/relay"
	"github.com/myclinic/clinic/internal/platform/websocket"
	"github.com/myclinic/clinic/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic notification and analytics server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format(time.RFC3339)
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

// tokenCmd mints an access token signed with the configured secret. It only
// runs in development.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.IsDev() {
				return errors.New("token minting is only available with ENV=development")
			}

			user, _ := cmd.Flags().GetString("user")
			tenant, _ := cmd.Flags().GetString("tenant")
			role, _ := cmd.Flags().GetString("role")
			branches, _ := cmd.Flags().GetString("branches")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			id := auth.Identity{UserID: user, TenantID: tenant, Role: role}
			if branches != "" {
				id.BranchIDs = strings.Split(branches, ",")
			}
			tok, err := auth.Issue(jwtConfig(cfg), id, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("user", "00000000-0000-0000-0000-000000000001", "Subject (user id)")
	cmd.Flags().String("tenant", "", "Tenant id (defaults to DEFAULT_TENANT)")
	cmd.Flags().String("role", "admin", "Role claim")
	cmd.Flags().String("branches", "", "Comma separated branch ids")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		SigningKey: cfg.SigningKey(),
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// healthHandler reports liveness plus this instance's real-time load.
func healthHandler(hub *websocket.Hub, registry *websocket.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"version":      version,
			"connections":  hub.ClientCount(),
			"online_users": registry.UserCount(),
		})
	}
}

type pingableStore interface {
	cache.Store
	Ping(ctx context.Context) error
}

// reportCacheStore picks the analytics cache. When Redis does not answer at
// startup reports are cached in process memory instead.
func reportCacheStore(ctx context.Context, enabled bool, redisStore pingableStore, logger zerolog.Logger) cache.Store {
	if !enabled {
		return cache.Nop{}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := redisStore.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("redis cache unreachable, caching analytics in process")
		return cache.NewMemory()
	}
	return redisStore
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis: one client for the report cache, two more inside the relay.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	redisOpts.ClientName = "clinic-cache"
	cacheClient := redis.NewClient(redisOpts)
	defer cacheClient.Close()
	cacheStore := cache.NewRedisStore(cacheClient, "clinic")

	transport, err := relay.NewRedisTransport(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create relay transport")
	}
	rl := relay.New(transport, relay.DefaultConfig(cfg.RelayChannel), logger)
	defer rl.Close()

	// Notifications: the gateway is the service's notifier and the service is
	// the gateway's inbox.
	verifier := auth.NewVerifier(jwtConfig(cfg))
	hub := websocket.NewHub(logger)
	registry := websocket.NewRegistry()
	gateway := websocket.NewGateway(hub, registry, verifier, rl, nil,
		websocket.GatewayConfig{AllowedOrigins: cfg.CORSOrigins}, logger)

	notificationSvc := notification.NewService(notification.NewRepoPG(pool),
		notification.NewPreferenceRepoPG(pool), gateway, logger)
	gateway.SetInbox(notificationSvc)
	rl.On(gateway.RelayHandler())

	bus := notification.NewBus()
	notificationSvc.RegisterHandlers(bus)

	// Analytics
	reportCache := reportCacheStore(ctx, cfg.AnalyticsCacheEnabled, cacheStore, logger)
	analyticsSvc := analytics.NewService(analytics.NewStorePG(pool), reportCache, logger)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := rl.Run(relayCtx); err != nil {
			logger.Error().Err(err).Msg("relay stopped")
		}
	}()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Health and metrics
	e.GET("/health", healthHandler(hub, registry))
	e.GET("/health/db", db.HealthHandler(pool, map[string]db.Pinger{
		"redis": cacheStore,
		"relay": transport,
	}))
	e.GET("/metrics", metrics.Handler())

	// WebSocket gateway authenticates its own handshake.
	gateway.RegisterRoutes(e.Group(""))

	// API
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(verifier, cfg.DefaultTenant))
	} else {
		apiV1.Use(auth.JWTMiddleware(verifier))
	}
	apiV1.Use(db.TenantMiddleware(cfg.DefaultTenant))
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	apiV1.Use(middleware.BodyLimit(cfg.BodyLimit))

	notification.NewHandler(notificationSvc, bus).RegisterRoutes(apiV1)
	analytics.NewHandler(analyticsSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stopRelay()
	<-relayDone
	logger.Info().Msg("server stopped")
	return nil
}

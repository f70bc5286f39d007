package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/scheduler/internal/config"
	"github.com/ehr/scheduler/internal/domain/appointment"
	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/internal/platform/db"
	"github.com/ehr/scheduler/internal/platform/lock"
	"github.com/ehr/scheduler/internal/platform/middleware"
	"github.com/ehr/scheduler/internal/platform/telemetry"
	"github.com/ehr/scheduler/internal/platform/validate"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Without a subcommand it serves.
func newRootCmd() *cobra.Command {
	serve := serveCmd()
	rootCmd := &cobra.Command{
		Use:           "scheduler-server",
		Short:         "Clinician availability and booking API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())
	return rootCmd
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// app holds what every command that touches storage needs.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	locker  lock.Locker
	metrics *telemetry.Registry
	service *scheduling.Service
}

func (rt *app) Close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

func connect(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, logger: logger}

	rt.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")

	rt.locker, rt.redis, err = newLocker(ctx, cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.metrics = newMetrics()
	rt.service = scheduling.NewService(
		scheduling.NewAvailabilityRepoPG(rt.pool),
		scheduling.NewSettingsRepoPG(rt.pool),
		appointment.NewRepoPG(rt.pool),
		rt.locker,
		scheduling.Options{DefaultZone: cfg.DefaultZone, Metrics: rt.metrics},
		logger,
	)
	return rt, nil
}

func newMetrics() *telemetry.Registry {
	r := telemetry.NewRegistry()
	r.Describe("http_requests_total", "HTTP requests by method, route and status.")
	r.Describe("http_request_duration_seconds", "HTTP request latency.")
	r.Describe("scheduler_bookings_total", "Appointments booked, by single or series.")
	r.Describe("scheduler_booking_conflicts_total", "Bookings refused because the time was taken.")
	r.Describe("scheduler_series_mutations_total", "Scoped appointment edits and deletes.")
	r.Describe("scheduler_slot_generation_seconds", "Time to compute bookable slots.")
	return r
}

// newLocker uses Redis when configured so that every instance serializes
// series edits together; a single instance gets by with in-process locks.
func newLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lock.Locker, *redis.Client, error) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("using in-process locks")
		return lock.NewLocal(cfg.SeriesLockWait), nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("using redis locks")
	return lock.NewRedis(client, cfg.SeriesLockTTL, cfg.SeriesLockWait, logger), client, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newServer builds the HTTP surface. pool may be nil, in which case the
// health report omits pool statistics.
func newServer(cfg *config.Config, svc *scheduling.Service, metrics *telemetry.Registry, checks map[string]db.Check, pool *pgxpool.Pool, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.SecurityHeaders())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(checks, pool))
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	scheduling.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	ctx := context.Background()
	rt, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	checks := map[string]db.Check{"postgres": db.PoolCheck(rt.pool)}
	if rt.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return rt.redis.Ping(ctx).Err() }
	}
	e := newServer(rt.cfg, rt.service, rt.metrics, checks, rt.pool, logger)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + rt.cfg.Port
		logger.Info().Str("addr", addr).Str("default_zone", rt.service.DefaultZone()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(fn func(context.Context, *db.Migrator, io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			m, err := db.NewMigrator(pool, logger)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(ctx, m, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator, out io.Writer) error {
			n, err := m.Up(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "applied %d migration(s)\n", n)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator, out io.Writer) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied " + s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%05d  %-40s %s\n", s.Version, s.Name, state)
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator, out io.Writer) error {
			v, err := m.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, v)
			return nil
		}),
	})
	return cmd
}

// slotsOptions are the flags of the slots command.
type slotsOptions struct {
	clinician string
	date      string
	end       string
	zone      string
}

func (o slotsOptions) parse() (uuid.UUID, civil.Date, civil.Date, error) {
	id, err := uuid.Parse(o.clinician)
	if err != nil {
		return uuid.Nil, civil.Date{}, civil.Date{}, fmt.Errorf("--clinician: %w", err)
	}
	from, err := civil.ParseDate(o.date)
	if err != nil {
		return uuid.Nil, civil.Date{}, civil.Date{}, fmt.Errorf("--date: %w", err)
	}
	to := from
	if o.end != "" {
		if to, err = civil.ParseDate(o.end); err != nil {
			return uuid.Nil, civil.Date{}, civil.Date{}, fmt.Errorf("--end: %w", err)
		}
	}
	return id, from, to, nil
}

func slotsCmd() *cobra.Command {
	var opts slotsOptions
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print bookable slots for a clinician",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, from, to, err := opts.parse()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := connect(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			slots, err := rt.service.BookableSlotsRange(ctx, id, from, to, opts.zone)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(slots)
		},
	}
	cmd.Flags().StringVar(&opts.clinician, "clinician", "", "clinician id")
	cmd.Flags().StringVar(&opts.date, "date", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.end, "end", "", "last date, YYYY-MM-DD (defaults to --date)")
	cmd.Flags().StringVar(&opts.zone, "zone", "", "client time zone")
	_ = cmd.MarkFlagRequired("clinician")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

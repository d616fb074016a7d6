package main

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/camcops/camcops/internal/config"
	"github.com/camcops/camcops/internal/domain/export"
	"github.com/camcops/camcops/internal/domain/group"
	"github.com/camcops/camcops/internal/domain/patient"
	"github.com/camcops/camcops/internal/domain/schedule"
	"github.com/camcops/camcops/internal/domain/task"
	"github.com/camcops/camcops/internal/domain/user"
	"github.com/camcops/camcops/internal/platform/auth"
	"github.com/camcops/camcops/internal/platform/db"
	"github.com/camcops/camcops/internal/platform/middleware"
	"github.com/camcops/camcops/internal/platform/session"
	"github.com/camcops/camcops/internal/platform/telemetry"
	"github.com/camcops/camcops/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "camcops-server",
		Short: "CamCOPS questionnaire server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(makeSuperuserCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", cfg.DBSchema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", cfg.DBSchema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

// promptPassword asks for a new password on the terminal.
var promptPassword = func() (string, error) {
	var pw string
	prompt := &survey.Password{
		Message: "Password for the new superuser:",
		Help:    "Between 10 and 72 characters",
	}
	validate := survey.WithValidator(func(ans interface{}) error {
		s, _ := ans.(string)
		return auth.ValidatePasswordStrength(s)
	})
	if err := survey.AskOne(prompt, &pw, validate); err != nil {
		return "", err
	}
	return pw, nil
}

func makeSuperuserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "make-superuser",
		Short: "Create a superuser, or promote an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			if username == "" {
				return fmt.Errorf("--username is required")
			}

			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			users := newUserService(cfg, pool)

			if password == "" {
				if _, err := users.GetUserByUsername(ctx, username); errors.Is(err, user.ErrNotFound) {
					if password, err = promptPassword(); err != nil {
						return err
					}
				}
			}
			u, created, err := users.MakeSuperuser(ctx, username, password)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Created superuser %s (id %d).\n", u.Username, u.ID)
			} else {
				fmt.Printf("User %s (id %d) is a superuser.\n", u.Username, u.ID)
			}
			return nil
		},
	}
	cmd.Flags().String("username", "", "Username to create or promote")
	cmd.Flags().String("password", "", "Password for a new user (prompted if omitted)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Send tasks to export recipients",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run <recipient>...",
		Short: "Export outstanding tasks and wait for delivery",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			logger := newLogger(cfg)

			a, err := newApp(ctx, cfg, pool, nil, logger)
			if err != nil {
				return err
			}
			defer a.close()

			cli := &auth.Principal{Username: "cli", Superuser: true}
			for _, name := range args {
				n, err := a.exports.Run(ctx, cli, name)
				if err != nil {
					return fmt.Errorf("export %s: %w", name, err)
				}
				fmt.Printf("%s: queued %d task(s)\n", name, n)
			}
			// Interrupting fails the queued exports; Wait returns once they are logged.
			return a.exports.Wait(context.WithoutCancel(ctx))
		},
	})
	return cmd
}

// connect loads the configuration and opens the database pool.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newUserService(cfg *config.Config, pool *pgxpool.Pool) *user.Service {
	return user.NewService(user.NewRepo(pool), user.LockoutPolicy{
		Threshold: cfg.LockoutThreshold,
		Period:    cfg.LockoutPeriod(),
	})
}

// whichIDNumsFunc adapts a function to group.IDNumLister.
type whichIDNumsFunc func(ctx context.Context) ([]int, error)

func (f whichIDNumsFunc) WhichIDNums(ctx context.Context) ([]int, error) { return f(ctx) }

// app holds the services shared by the server and the CLI commands.
type app struct {
	users     *user.Service
	groups    *group.Service
	patients  *patient.Service
	schedules *schedule.Service
	tasks     *task.Service
	exports   *export.Service

	cancel context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, tel *telemetry.TelemetryProvider, logger zerolog.Logger) (*app, error) {
	recipients, err := export.LoadRecipients(cfg.ExportRecipientsFile)
	if err != nil {
		return nil, err
	}

	a := &app{users: newUserService(cfg, pool)}
	ctx, a.cancel = context.WithCancel(ctx)

	// Groups validate policies against the ID number definitions, which the
	// patient service owns; the patient service in turn reads group policies.
	a.groups = group.NewService(group.NewRepo(pool), whichIDNumsFunc(func(ctx context.Context) ([]int, error) {
		return a.patients.WhichIDNums(ctx)
	}))
	a.schedules = schedule.NewService(schedule.NewRepo(pool))
	a.patients = patient.NewService(patient.NewRepo(pool), a.groups, a.schedules, cfg.ServerURL).
		WithTx(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		})
	a.tasks = task.NewService(task.NewRepo(pool), tel, cfg.ParallelTaskFetch)

	fieldmaps := export.NewFieldmapCache(cfg.RedcapFieldmaps, logger)
	if cfg.RedcapFieldmaps != "" {
		go func() {
			if err := fieldmaps.Watch(ctx); err != nil {
				logger.Warn().Err(err).Str("dir", cfg.RedcapFieldmaps).Msg("fieldmap watcher stopped")
			}
		}()
	}
	a.exports = export.NewService(ctx, export.NewRepo(pool), a.tasks, a.patients, export.Config{
		Recipients: recipients,
		Fieldmaps:  fieldmaps,
		Workers:    cfg.ExportWorkers,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Telemetry:  tel,
		Logger:     logger.With().Str("component", "export").Logger(),
	})
	logger.Info().Int("recipients", len(recipients)).Msg("export recipients loaded")
	if _, err := a.exports.FailStale(ctx, export.StalePendingAge); err != nil {
		logger.Error().Err(err).Msg("failed to clear abandoned exports")
	}
	return a, nil
}

// close drains the export queue, then stops background work.
func (a *app) close() {
	a.exports.Close()
	a.cancel()
}

func newSessionStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.Store, map[string]db.Pinger, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set; sessions are kept in memory and lost on restart")
		return session.NewMemoryStore(cfg.SessionTimeout()), nil, func() {}, nil
	}
	rs, err := session.NewRedisStore(ctx, cfg.RedisURL, cfg.SessionTimeout())
	if err != nil {
		return nil, nil, nil, err
	}
	return rs, map[string]db.Pinger{"redis": rs}, func() { rs.Close() }, nil
}

// resolveSigningKey returns the bearer token key. Development servers
// without JWT_SECRET get a random key, so tokens do not survive a restart.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret), false, nil
	}
	if !cfg.IsDev() {
		return nil, false, fmt.Errorf("JWT_SECRET is required when ENV=%q", cfg.Env)
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random signing key: %w", err)
	}
	return key, true, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	tel, err := telemetry.NewTelemetryProvider(ctx, telemetry.TelemetryConfig{
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Environment:    cfg.Env,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start telemetry")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	go reportPoolStats(ctx, pool, tel)

	// Sessions
	sessions, deps, closeSessions, err := newSessionStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to session store")
	}
	defer closeSessions()

	signingKey, randomKey, err := resolveSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("signing key error")
	}
	if randomKey {
		logger.Warn().Msg("JWT_SECRET not set; using random key (tokens will not survive restart)")
	}

	a, err := newApp(ctx, cfg, pool, tel, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start services")
	}
	defer a.close()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(tel.TracingMiddleware())
	e.Use(tel.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.Sanitize(logger))

	// Infrastructure endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, deps))
	e.GET("/metrics", tel.PrometheusHandler())

	// API
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.BodyLimit(cfg.BodyLimit))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout()))
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(db.SessionMiddleware(pool))
	apiV1.Use(auth.Middleware(auth.Config{
		CookieName: cfg.SessionCookieName,
		Sessions:   sessions,
		SigningKey: signingKey,
		Loader:     a.users,
		DevMode:    cfg.IsDev(),
		Skipper:    auth.AuthSkipper,
		Logger:     logger,
	}))
	apiV1.Use(middleware.Audit(logger, middleware.NewPGAuditRecorder(pool)))

	user.NewHandler(a.users, user.LoginConfig{
		Sessions:     sessions,
		CookieName:   cfg.SessionCookieName,
		CookieSecure: cfg.TLSEnabled || cfg.IsProduction(),
		SigningKey:   signingKey,
		Telemetry:    tel,
		Logger:       logger,
	}).RegisterRoutes(apiV1)
	group.NewHandler(a.groups).RegisterRoutes(apiV1)
	patient.NewHandler(a.patients).RegisterRoutes(apiV1)
	schedule.NewHandler(a.schedules).RegisterRoutes(apiV1)
	task.NewHandler(a.tasks).RegisterRoutes(apiV1)
	export.NewHandler(a.exports).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func reportPoolStats(ctx context.Context, pool *pgxpool.Pool, tel *telemetry.TelemetryProvider) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := pool.Stat()
			tel.SetDBPool(st.AcquiredConns(), st.IdleConns())
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/enrollment/internal/config"
	"github.com/ehr/enrollment/internal/domain/enrollment"
	"github.com/ehr/enrollment/internal/platform/auth"
	"github.com/ehr/enrollment/internal/platform/db"
	"github.com/ehr/enrollment/internal/platform/middleware"
	"github.com/ehr/enrollment/internal/platform/retention"
	"github.com/ehr/enrollment/internal/platform/session"
	"github.com/ehr/enrollment/internal/platform/webhook"
	"github.com/ehr/enrollment/internal/terminal"
	"github.com/ehr/enrollment/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "enrollment-server",
		Short:        "Enrollment wizard API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(wizardCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadFlow(path string) (*enrollment.Flow, error) {
	if path == "" {
		return enrollment.DefaultFlow(), nil
	}
	return enrollment.LoadFlow(path)
}

// backend is an opened session store plus what the server needs to report
// its health and release it.
type backend struct {
	repo   enrollment.Repository
	checks []db.Check
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		if cfg.MigrateOnStart {
			n, err := db.NewMigrator(pool, migrations.FS, logger).Up(ctx)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate on start: %w", err)
			}
			logger.Info().Int("applied", n).Msg("migrations checked")
		}
		return &backend{repo: enrollment.NewRepoPG(pool), checks: []db.Check{db.PoolCheck(pool)}, close: pool.Close}, nil
	case config.StoreFile:
		repo, err := enrollment.NewFileRepo(cfg.StoreDir)
		if err != nil {
			return nil, err
		}
		return &backend{repo: repo, close: func() {}}, nil
	default:
		logger.Warn().Msg("using in-memory session store; sessions are lost on restart")
		return &backend{repo: enrollment.NewMemoryRepo(), close: func() {}}, nil
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the enrollment API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newServer wires middleware and routes. It does not start listening.
func newServer(cfg *config.Config, svc *enrollment.Service, issuer *session.Issuer, checks []db.Check, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, session.HeaderSession, auth.HeaderAPIKey},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	e.GET("/health", db.HealthHandler(cfg.StoreBackend, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	staff := auth.StaffMiddleware(auth.NewStaffKeys(cfg.StaffAPIKeys), cfg.IsDev())
	enrollment.NewHandler(svc, issuer).RegisterRoutes(apiV1, staff)
	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	flow, err := loadFlow(cfg.FlowFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load enrollment flow")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.StoreBackend).Msg("failed to open session store")
	}
	defer be.close()

	svc := enrollment.NewService(flow, be.repo, logger)
	issuer := session.NewIssuer([]byte(cfg.SessionSigningKey), cfg.SessionTTL)
	e := newServer(cfg, svc, issuer, be.checks, logger)

	if sweeper := newSweeper(cfg, svc, logger); sweeper != nil {
		go sweeper.Run(ctx)
	}
	if cfg.WebhookURL != "" {
		d, err := webhook.NewDispatcher(cfg.WebhookURL, cfg.WebhookSecret, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid webhook configuration")
		}
		q := webhook.NewQueue(d, 256, logger)
		svc.OnSubmitted(webhookSink{queue: q})
		go q.Run(ctx)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Int("steps", len(flow.Steps())).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// webhookSink publishes finalized enrollments as enrollment.submitted events.
type webhookSink struct {
	queue *webhook.Queue
}

func (w webhookSink) Submitted(_ context.Context, e *enrollment.SubmittedEnrollment) error {
	ev, err := webhook.NewEvent("enrollment.submitted", e.SessionID.String(), e)
	if err != nil {
		return err
	}
	return w.queue.Enqueue(ev)
}

// newSweeper returns nil when RETENTION_SWEEP_INTERVAL is zero. Each sweep
// drops sessions idle for a full interval from memory and, when
// SESSION_RETENTION is set, purges abandoned ones from the store.
func newSweeper(cfg *config.Config, svc *enrollment.Service, logger zerolog.Logger) *retention.Sweeper {
	if cfg.RetentionInterval <= 0 {
		return nil
	}
	policy := retention.AbandonedSessionPolicy()
	policy.PurgeAfter = cfg.SessionRetention
	return retention.NewSweeper(cfg.RetentionInterval, func(ctx context.Context) (int, error) {
		if n := svc.EvictIdle(cfg.RetentionInterval); n > 0 {
			logger.Debug().Int("evicted", n).Msg("idle sessions evicted from memory")
		}
		if cfg.SessionRetention <= 0 {
			return 0, nil
		}
		return svc.PurgeStale(ctx, policy)
	}, logger)
}

func withMigrator(ctx context.Context, fn func(*db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	logger := newLogger(cfg.Env)
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2}, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(db.NewMigrator(pool, migrations.FS, logger))
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the PostgreSQL session store",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")
			return withMigrator(cmd.Context(), func(m *db.Migrator) error {
				count, err := m.UpTo(cmd.Context(), target)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *db.Migrator) error {
				statuses, err := m.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	tw.Flush()
}

func flowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Print the wizard steps in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			flow, err := loadFlow(path)
			if err != nil {
				return err
			}
			printFlow(cmd.OutOrStdout(), flow)
			return nil
		},
	}
	cmd.Flags().String("file", os.Getenv("FLOW_FILE"), "Flow definition YAML (defaults to the built-in flow)")
	return cmd
}

func printFlow(w io.Writer, flow *enrollment.Flow) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tROUTE\tSECTION\tFIELDS\tREQUIRES")
	for _, s := range flow.Steps() {
		section, fields := "-", 0
		if s.Collects() {
			section = string(s.Section)
			fields = len(s.Validator.Rules())
		}
		requires := "-"
		if len(s.Requires) > 0 {
			names := make([]string, len(s.Requires))
			for i, r := range s.Requires {
				names[i] = string(r)
			}
			requires = strings.Join(names, ",")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", s.Index()+1, s.Name, s.Route, section, fields, requires)
	}
	tw.Flush()
}

func wizardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wizard",
		Short: "Fill in an enrollment in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			resume, _ := cmd.Flags().GetString("session")
			accessible, _ := cmd.Flags().GetBool("accessible")
			flowFile, _ := cmd.Flags().GetString("flow")
			return runWizard(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), dir, resume, flowFile, accessible)
		},
	}
	cmd.Flags().String("dir", ".enrollment", "Directory holding saved wizard sessions")
	cmd.Flags().String("session", "", "Resume a saved session by id")
	cmd.Flags().String("flow", os.Getenv("FLOW_FILE"), "Flow definition YAML (defaults to the built-in flow)")
	cmd.Flags().Bool("accessible", false, "Use plain line prompts instead of interactive widgets")
	return cmd
}

func runWizard(ctx context.Context, in io.Reader, out io.Writer, dir, resume, flowFile string, accessible bool) error {
	flow, err := loadFlow(flowFile)
	if err != nil {
		return err
	}
	repo, err := enrollment.NewFileRepo(dir)
	if err != nil {
		return err
	}
	// Terminal output stays clean; only failures are logged.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
	svc := enrollment.NewService(flow, repo, logger)

	var id uuid.UUID
	if resume != "" {
		if id, err = uuid.Parse(resume); err != nil {
			return fmt.Errorf("invalid session id %q: %w", resume, err)
		}
		if _, err := svc.Resume(ctx, id); err != nil {
			return err
		}
	} else {
		sess, err := svc.StartSession(ctx)
		if err != nil {
			return err
		}
		id = sess.ID
	}

	runner := terminal.NewRunner(svc, terminal.NewHuhPrompter(in, out, accessible), out)
	result, err := runner.Run(ctx, id)
	if errors.Is(err, terminal.ErrAborted) {
		fmt.Fprintf(out, "Progress saved. Resume with: enrollment-server wizard --dir %s --session %s\n", dir, id)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Enrollment for %s %s submitted at %s.\n",
		result.GeneralInformation.FirstName, result.GeneralInformation.LastName,
		result.SubmittedAt.Format(time.RFC1123))
	return nil
}

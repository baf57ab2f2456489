package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/ehr/episodesync/internal/config"
	"github.com/ehr/episodesync/internal/domain/episode"
	"github.com/ehr/episodesync/internal/domain/staging"
	"github.com/ehr/episodesync/internal/platform/auth"
	"github.com/ehr/episodesync/internal/platform/db"
	"github.com/ehr/episodesync/internal/platform/middleware"
	"github.com/ehr/episodesync/internal/processlog"
	"github.com/ehr/episodesync/internal/reconcile"
	"github.com/ehr/episodesync/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "episode-sync",
		Short:        "Sync surgical episodes from the hospital source into the care platform",
		SilenceUsage: true,
	}
	root.AddCommand(fetchCmd(), importCmd(), syncCmd(), serveCmd(), migrateCmd(), stagingCmd())
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseFrom accepts a source datetime or date; empty means "not set".
func parseFrom(s string) (*time.Time, error) {
	t, err := episode.ParseDateTime(s)
	if err != nil {
		return nil, fmt.Errorf("--from: %w", err)
	}
	return t, nil
}

func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Copy changed source records into staging",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			// --from is read in the source zone, known once config is loaded.
			fromFlag, _ := cmd.Flags().GetString("from")
			from, err := parseFrom(fromFlag)
			if err != nil {
				return err
			}

			f, err := a.fetcher()
			if err != nil {
				return err
			}
			sum, err := f.Run(ctx, from)
			if sum != nil {
				fmt.Println(sum.Message())
			}
			return err
		},
	}
	cmd.Flags().String("from", "", "Fetch records changed since this datetime (default: last applied minus overlap)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Apply dirty staging episodes to the care platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxEpisodes, _ := cmd.Flags().GetInt("max-episodes")

			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			imp, err := a.importer(maxEpisodes)
			if err != nil {
				return err
			}
			sum, err := imp.Run(ctx)
			if sum != nil {
				fmt.Println(sum.Message())
			}
			if err == nil && sum.Failed > 0 {
				err = fmt.Errorf("%d episodes failed, see run %s", sum.Failed, sum.RunID)
			}
			return err
		},
	}
	cmd.Flags().Int("max-episodes", -1, "Episode budget for this pass (default IMPORT_MAX_EPISODES, 0 for no limit)")
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run fetch then import, once or on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			every, _ := cmd.Flags().GetDuration("every")

			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.syncer()
			if err != nil {
				return err
			}
			if every > 0 {
				a.logger.Info().Dur("every", every).Msg("starting sync loop")
				if err := s.RunEvery(ctx, every); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			res, err := s.RunOnce(ctx)
			if res != nil {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().Duration("every", 0, "Repeat the sync at this interval until interrupted")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and the run log API",
		RunE: func(cmd *cobra.Command, args []string) error {
			syncEvery, _ := cmd.Flags().GetDuration("sync-every")
			return runServer(syncEvery)
		},
	}
	cmd.Flags().Duration("sync-every", 0, "Also run the sync loop in the background at this interval")
	return cmd
}

// opsAuth picks the authentication middleware for the operations API.
func opsAuth(cfg *config.Config) (echo.MiddlewareFunc, error) {
	if err := cfg.RequireOpsAuth(); err != nil {
		return nil, err
	}
	if cfg.OpsJWTSecret == "" {
		return auth.DevAuthMiddleware(), nil
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		SigningKey: []byte(cfg.OpsJWTSecret),
		Issuer:     cfg.OpsJWTIssuer,
	}), nil
}

func runServer(syncEvery time.Duration) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(middleware.RecoveryConfig{
		Logger:  logger,
		OnPanic: func(route string) { a.metrics.HTTPPanics.WithLabelValues(route).Inc() },
	}))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())

	e.GET("/health", db.HealthHandler(a.pool,
		db.PingCheck(a.pool),
		db.MigrationsCheck(db.NewMigrator(a.pool, migrations.FS, a.cfg.DBSchema)),
	))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	authMW, err := opsAuth(a.cfg)
	if err != nil {
		return err
	}
	if a.cfg.OpsJWTSecret == "" {
		logger.Warn().Msg("OPS_JWT_SECRET not set, operations API is unauthenticated")
	}

	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(middleware.RateLimitConfig{RequestsPerSecond: 5, Burst: 20}),
		middleware.RequestTimeout(30*time.Second),
		authMW,
	)
	processlog.NewHandler(a.runs).RegisterRoutes(apiV1)
	staging.NewHandler(a.store).RegisterRoutes(apiV1)

	var syncHandler *reconcile.Handler
	if s, err := a.syncer(); err != nil {
		logger.Warn().Err(err).Msg("sync disabled: source or platform not configured")
		if syncEvery > 0 {
			return err
		}
	} else {
		syncHandler = reconcile.NewHandler(ctx, s, logger)
		syncHandler.RegisterRoutes(apiV1)
		if syncEvery > 0 {
			go func() {
				logger.Info().Dur("every", syncEvery).Msg("starting background sync loop")
				if err := s.RunEvery(ctx, syncEvery); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("sync loop stopped")
				}
			}()
		}
	}

	go func() {
		addr := ":" + a.cfg.HTTPPort
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if syncHandler != nil {
		syncHandler.Wait()
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the staging schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			migrator := db.NewMigrator(a.pool, migrations.FS, a.cfg.DBSchema)
			fmt.Printf("Running migrations on schema: %s\n", a.cfg.DBSchema)
			count, err := migrator.Up(ctx)
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
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			migrator := db.NewMigrator(a.pool, migrations.FS, a.cfg.DBSchema)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", a.cfg.DBSchema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.Modified {
						status = "modified"
					}
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

func stagingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staging",
		Short: "Inspect and repair the staging store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show row counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.store.Stats(ctx)
			if err != nil {
				return err
			}
			last := "never"
			if st.LastUpdate != nil {
				last = st.LastUpdate.Format(time.RFC3339)
			}
			fmt.Printf("clean %d, dirty %d, error %d (total %d), last update %s\n",
				st.Clean, st.Dirty, st.Error, st.Total(), last)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset-errors",
		Short: "Mark error rows dirty so the next import retries them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.store.ResetErrors(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d row(s).\n", n)
			return nil
		},
	})
	return cmd
}

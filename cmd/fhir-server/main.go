package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LinuxForHealth/FHIR-sub122/internal/config"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/db"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/fhir"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/remote"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/writer"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/search"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "Multi-tenant FHIR search and persistence server",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(tenantCmd())
	return rootCmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage tenant search schemas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure [tenant]",
		Short: "Create or update the search schema for a tenant",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tenant := cfg.DefaultTenant
			if len(args) == 1 {
				tenant = args[0]
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.CreateTenantSchema(ctx, pool, tenant, cfg.ResourceTypes); err != nil {
				return err
			}
			fmt.Printf("schema for tenant %q is up to date\n", tenant)
			return nil
		},
	})
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <tenant>",
		Short: "Provision a new tenant schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.CreateTenantSchema(ctx, pool, args[0], cfg.ResourceTypes); err != nil {
				return err
			}
			fmt.Printf("tenant %q created\n", args[0])
			return nil
		},
	})
	return cmd
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, cfg.ResourceTypes); err != nil {
		return fmt.Errorf("ensure default tenant schema: %w", err)
	}

	// The search engine runs over database/sql so its queries work the
	// same against the embedded test dialect; the pgx pool above serves
	// tenant resolution and health checks.
	dbh, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open sql handle: %w", err)
	}
	defer dbh.Close()
	dbh.SetMaxOpenConns(int(cfg.DBMaxConns))

	reg, err := fhir.DefaultRegistry(cfg.ResourceTypes)
	if err != nil {
		return fmt.Errorf("build search parameter registry: %w", err)
	}

	tr := dictionary.PostgresTranslator{}
	dict := dictionary.New(tr, 0, logger)
	if err := prewarmDictionary(ctx, dbh, dict, cfg.DefaultTenant); err != nil {
		logger.Warn().Err(err).Msg("dictionary prewarm failed, cache fills lazily")
	}

	extractor := index.NewExtractor(reg, fhir.PathEvaluator{}, cfg.SearchMaxStringBytes, logger)
	paramWriter := writer.New(dict, cfg.IndexBatchSize, logger)
	store := fhir.NewStore(tr, logger)

	var sender remote.Sender
	var dispatcher *remote.Dispatcher
	if cfg.IndexMode == "remote" {
		dispatcher = remote.NewDispatcher(cfg.IndexShards, remoteIndexHandler(dbh, paramWriter, logger), logger)
		sender = dispatcher
		logger.Info().Int("shards", cfg.IndexShards).Msg("remote index mode: parameter writes are asynchronous")
	}

	indexer := fhir.NewIndexService(store, extractor, paramWriter, sender, logger)

	opts := search.Options{
		Handling:        search.HandlingLenient,
		DefaultPageSize: cfg.SearchDefaultPageSize,
		MaxPageSize:     cfg.SearchMaxPageSize,
	}
	if cfg.StrictSearch() {
		opts.Handling = search.HandlingStrict
	}
	searcher := fhir.NewSearchService(reg, dict, opts, logger)

	handler := fhir.NewHandler(dbh, tr, indexer, searcher, cfg.DefaultTenant, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.GET("/health", db.HealthHandler(pool))

	api := e.Group("/fhir", db.TenantMiddleware(cfg.DefaultTenant))
	handler.RegisterRoutes(api)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if dispatcher != nil {
		// Drain queued index messages before the process exits.
		dispatcher.Close()
	}
	logger.Info().Msg("server stopped")
	return nil
}

// prewarmDictionary loads the system dictionary for a tenant into the
// in-process cache on a connection pinned to that tenant's schema.
func prewarmDictionary(ctx context.Context, dbh *sql.DB, dict *dictionary.Dictionary, tenant string) error {
	conn, err := dbh.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO tenant_%s, shared, public", tenant)); err != nil {
		return err
	}
	return dict.Prewarm(ctx, conn, tenant)
}

// remoteIndexHandler consumes dispatcher messages: it reconstructs the
// extracted parameter values and replaces the resource's index rows on a
// connection pinned to the message's tenant schema.
func remoteIndexHandler(dbh *sql.DB, w *writer.Writer, logger zerolog.Logger) remote.Handler {
	return func(ctx context.Context, payload []byte) error {
		var msg remote.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode index message: %w", err)
		}
		values, err := msg.ParameterValues()
		if err != nil {
			return fmt.Errorf("reconstruct parameter values for %s: %w", msg.PartitionKey(), err)
		}

		conn, err := dbh.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO tenant_%s, shared, public", msg.TenantID)); err != nil {
			return err
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := w.ReplaceParameters(ctx, tx, msg.TenantID, msg.LogicalResourceID, msg.ResourceType, values); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logger.Debug().
			Str("key", msg.PartitionKey()).
			Int("version", msg.VersionID).
			Msg("applied remote index message")
		return nil
	}
}

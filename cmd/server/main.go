package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"doodle-forge/backend/internal/api"
	"doodle-forge/backend/internal/auth"
	"doodle-forge/backend/internal/config"
	"doodle-forge/backend/internal/flows"
	"doodle-forge/backend/internal/ledger"
	"doodle-forge/backend/internal/logging"
	"doodle-forge/backend/internal/mcp"
	"doodle-forge/backend/internal/moderation"
	"doodle-forge/backend/internal/pipeline"
	"doodle-forge/backend/internal/repository"
	"doodle-forge/backend/internal/services"
	"doodle-forge/backend/internal/telemetry"
	"doodle-forge/backend/internal/tls"
)

const serviceName = "doodle-forge"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var configFile string

	root := &cobra.Command{
		Use:           "doodle-forge",
		Short:         "Metered, moderated generation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFile)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), configFile)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel).With("service", serviceName)
	defer logger.Sync()
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"storage", cfg.Storage.Driver,
		"issuer", cfg.Auth.Issuer,
		"config_file", cfg.ConfigFile,
	)

	otelCfg, err := telemetry.LoadConfig()
	if err != nil {
		return err
	}
	shutdownTracing, err := telemetry.Setup(ctx, otelCfg, serviceName, version)
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("Trace flush failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Flows run on the model sidecar; the registry validates both directions.
	modelClient := services.NewHTTPModelClient(cfg.ModelSidecar.URL, cfg.ModelSidecar.Timeout)
	registry := flows.NewRegistry()
	if err := flows.RegisterBuiltins(registry, modelClient); err != nil {
		return fmt.Errorf("register flows: %w", err)
	}
	registry.Freeze()

	credits := ledger.New(store, cfg.Credits.InitialBalance)
	gate := moderation.NewGate(moderation.NewFlowClassifier(registry), cfg.Moderation.Timeout, logger)

	authz, err := auth.New(ctx, cfg, store, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if authz.Bypass() {
		logger.Warn("Authentication bypass is enabled", "dev_uid", cfg.Auth.DevUID)
	}

	opts := pipeline.Options{
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		RetryBackoff: cfg.Pipeline.RetryBackoff,
		StageTimeout: cfg.Pipeline.StageTimeout,
		Recorder:     store,
		Logger:       logger,
	}
	if cfg.Media.Dir != "" {
		opts.Uploader = services.NewDiskUploader(cfg.Media.Dir, cfg.Media.BaseURL)
	}
	generator, err := pipeline.New(authz, pipeline.NewCatalog(registry, cfg.Credits.Costs), registry, credits, gate, opts)
	if err != nil {
		return fmt.Errorf("pipeline initialization failed: %w", err)
	}
	admin := services.NewAdminService(store, credits)

	logger.Info("Service layer initialized")

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.Logger())

	health := api.NewHandler(version, map[string]api.HealthCheck{
		"database":      store.Ping,
		"model_sidecar": modelClient.Health,
	})
	e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(health.HandleHealth)))
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.Issuer)))

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	api.NewServer(generator, credits, store, admin).Register(e, echo.WrapMiddleware(authz.RequireAuth))
	if cfg.Media.Dir != "" {
		e.Static(cfg.Media.BaseURL, cfg.Media.Dir)
	}

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(generator, authz, credits, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enable {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return errors.New("tls enabled but tls.cert_file or tls.key_file is not set")
		}
		created, err := tls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("generate self-signed cert: %w", err)
		}
		if created {
			logger.Warn("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile)
		}
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr, "tls", cfg.TLS.Enable, "version", version)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}

func migrate(ctx context.Context, configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	if cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("migrations need storage.driver=postgres, got %s", cfg.Storage.Driver)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("Migrations applied")
	return nil
}

// openStore connects the configured storage driver. Postgres is migrated on
// startup; the memory driver keeps everything in process.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, func(), error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("Using in-memory storage; credits are lost on restart")
		return repository.NewInMemoryStore(), func() {}, nil
	}

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Database connected")
	return repository.NewPostgresStore(pool), pool.Close, nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "name", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

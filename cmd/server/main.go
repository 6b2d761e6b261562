package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/liamcoop/datadictionary/dictionary"
	"github.com/liamcoop/datadictionary/internal/auth"
	"github.com/liamcoop/datadictionary/internal/config"
	"github.com/liamcoop/datadictionary/internal/logger"
	"github.com/liamcoop/datadictionary/internal/metrics"
	"github.com/liamcoop/datadictionary/internal/seed"
	"github.com/liamcoop/datadictionary/migrations"
	"github.com/liamcoop/datadictionary/tables"
	"github.com/liamcoop/datadictionary/visibility"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	runMigrate  bool
	tokenUser   string
	tokenRoles  []string
	tokenAuths  []string
	tokenExpiry time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dictionary-server",
		Short: "Serve the metadata data dictionary",
		Long: `Serves the data and edge dictionaries of one or more metadata tables
over HTTP, filtered by the caller's authorizations.`,
		SilenceUsage: true,
		RunE:         runServer,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./dictionary.yaml)")
	rootCmd.Flags().BoolVar(&runMigrate, "migrate", false, "Apply pending schema migrations before serving")

	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		authn, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, tokenExpiry)
		if err != nil {
			return err
		}
		token, err := authn.GenerateToken(tokenUser, tokenRoles, tokenAuths)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "subject", "", "Token subject (required)")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "roles", nil, "Roles granted to the subject")
	tokenCmd.Flags().StringSliceVar(&tokenAuths, "auths", nil, "Authorizations held by the subject")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "ttl", time.Hour, "Token lifetime, 0 for no expiry")
	tokenCmd.MarkFlagRequired("subject")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Setup(ctx, logger.Config{
		Level:           cfg.Logging.Level,
		ErrorSampleRate: cfg.Logging.ErrorSampleRate,
		OTELEnabled:     cfg.Logging.OTELEnabled,
		ServiceName:     cfg.Logging.ServiceName,
	}); err != nil {
		logger.Warn("OpenTelemetry logging unavailable, using JSON", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Shutdown(shutdownCtx)
	}()

	m := metrics.New()

	engine, err := visibility.NewEngine(visibility.DefaultEngineConfig())
	if err != nil {
		return fmt.Errorf("failed to create visibility engine: %w", err)
	}

	cache, closeCache, err := newScanCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	registry, health, closeBackend, err := newRegistry(ctx, cfg, cache)
	if err != nil {
		return err
	}
	defer closeBackend()

	if err := registry.Create(cfg.Dictionary.DefaultTable); err != nil {
		return fmt.Errorf("failed to register default table: %w", err)
	}
	logger.Info("metadata tables loaded", "tables", registry.List())

	service := dictionary.NewService(
		registry,
		dictionary.NewRolePolicy(cfg.Dictionary.AdminRoles...),
		engine,
		dictionary.ServiceConfig{
			DefaultTable:      cfg.Dictionary.DefaultTable,
			RepositoryTimeout: cfg.Dictionary.RepositoryTimeout,
			WriteAttempts:     cfg.Dictionary.WriteAttempts,
			MaxPageSize:       cfg.Dictionary.MaxPageSize,
		},
		m,
	)

	authn, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	server, err := NewServer(Options{
		Service:        service,
		Tables:         registry,
		Authenticator:  authn,
		Metrics:        m,
		RequestTimeout: cfg.Server.RequestTimeout,
		JQueryURI:      cfg.Dictionary.JQueryURI,
		DataTablesURI:  cfg.Dictionary.DataTablesURI,
		Health:         health,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", httpServer.Addr, "backend", cfg.Backend, "cache", cfg.Cache.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped",
		"errors", logger.TotalErrors.Load(),
		"warnings", logger.TotalWarnings.Load(),
	)
	return nil
}

func newScanCache(ctx context.Context, cfg config.CacheConfig) (dictionary.ScanCache, func(), error) {
	cacheConfig := dictionary.CacheConfig{TTL: cfg.TTL, Prefix: cfg.Prefix}

	switch cfg.Backend {
	case config.CacheMemory:
		return dictionary.NewInMemoryScanCache(cacheConfig), func() {}, nil
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		cache := dictionary.NewRedisScanCache(client, cacheConfig)
		return cache, func() { cache.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func newRegistry(ctx context.Context, cfg *config.Config, cache dictionary.ScanCache) (*tables.Registry, func(context.Context) error, func(), error) {
	if cfg.Backend == config.BackendPostgres {
		return newPostgresRegistry(ctx, cfg, cache)
	}

	var entries map[string][]dictionary.MetadataEntry
	if cfg.SeedFile != "" {
		var err error
		if entries, err = seed.Load(cfg.SeedFile); err != nil {
			return nil, nil, nil, err
		}
	}
	registry := tables.NewRegistry(tables.MemoryFactory(entries, cache))
	for table := range entries {
		if err := registry.Create(table); err != nil {
			return nil, nil, nil, err
		}
	}
	return registry, nil, func() {}, nil
}

func newPostgresRegistry(ctx context.Context, cfg *config.Config, cache dictionary.ScanCache) (*tables.Registry, func(context.Context) error, func(), error) {
	if runMigrate || cfg.Database.Migrate {
		changed, err := migrations.Up(cfg.Database.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("schema migrations applied", "changed", changed)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	registry := tables.NewRegistry(tables.PostgresFactory(db, cache))
	loaded, err := registry.LoadAll(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	logger.Info("discovered metadata tables", "count", loaded)

	return registry, db.PingContext, func() { db.Close() }, nil
}

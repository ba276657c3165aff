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

	"github.com/rs/zerolog"

	"github.com/xtrntr/papertrade/internal/api"
	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/logger"
	"github.com/xtrntr/papertrade/internal/portfolio"
	"github.com/xtrntr/papertrade/internal/quote"
	"github.com/xtrntr/papertrade/internal/sqlitedb"
)

// store is what the server needs from either ledger backend
type store interface {
	portfolio.Ledger
	auth.UserStore
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store, func(), error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		database, err := sqlitedb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", database.Path()).Msg("Using SQLite ledger")
		return database, func() { database.Close() }, nil
	default:
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close(ctx)
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		log.Info().Msg("Using Postgres ledger")
		return database, func() { database.Close(context.Background()) }, nil
	}
}

// newQuoteProviders returns the provider for quotes and valuations, cached
// when Redis is configured, and the uncached one that prices trades.
func newQuoteProviders(ctx context.Context, cfg *config.Config, log zerolog.Logger) (quote.Provider, quote.Provider, func()) {
	client := quote.NewClient(cfg.QuoteAPIURL, cfg.QuoteAPIKey, cfg.QuoteTimeout, log)
	if cfg.RedisAddr == "" {
		return client, client, func() {}
	}

	cache, err := quote.NewRedisCache(ctx, cfg.RedisAddr)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Quote cache unavailable, continuing without it")
		return client, client, func() {}
	}
	log.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.QuoteCacheTTL).Msg("Quote cache enabled")
	return quote.NewCachedProvider(client, cache, cfg.QuoteCacheTTL, log), client, func() { cache.Close() }
}

// Main entry point: sets up the ledger, quote provider, and HTTP server
func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	log.Info().Msg("Starting papertrade")

	ctx := context.Background()

	database, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger store")
	}
	defer closeStore()

	quotes, fills, closeQuotes := newQuoteProviders(ctx, cfg, log)
	defer closeQuotes()

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL, cfg.StartingCash)
	svc := portfolio.NewService(database, quotes, log, portfolio.WithExecutionQuotes(fills))
	hub := api.NewHub(log)
	handler := api.NewHandler(svc, quotes, authService, hub, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(handler, cfg.CORSOrigins, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server stopped")
}

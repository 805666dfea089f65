package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Galenite-GLNT/galenite-site/internal/api"
	"github.com/Galenite-GLNT/galenite-site/internal/auth"
	"github.com/Galenite-GLNT/galenite-site/internal/config"
	"github.com/Galenite-GLNT/galenite-site/internal/core"
	"github.com/Galenite-GLNT/galenite-site/internal/events"
	"github.com/Galenite-GLNT/galenite-site/internal/gateway"
	"github.com/Galenite-GLNT/galenite-site/internal/logging"
	"github.com/Galenite-GLNT/galenite-site/internal/store"
	"github.com/ternarybob/arbor"
)

func main() {
	configPath := flag.String("config", "galen.toml", "Path to the TOML configuration file")
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations to the remote store and exit")
	issueFor := flag.String("issue-token", "", "Print a signed token for the given user id and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of a token printed by -issue-token")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFile)

	if *issueFor != "" {
		if core.IsGuestUID(*issueFor) {
			logger.Fatal().Str("uid", *issueFor).Msg("User id is reserved for guests")
		}
		token, err := auth.NewVerifier(cfg.JWTSecret).IssueToken(*issueFor, *tokenTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	if *migrateOnly {
		remote, err := store.NewSQLStore(context.Background(), store.SQLConfig{Driver: cfg.Storage.SQLDriver, DSN: cfg.Storage.SQLDSN}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Migration failed")
		}
		remote.Close()
		logger.Info().Str("driver", cfg.Storage.SQLDriver).Msg("Migrations applied")
		return
	}

	local, err := store.NewLocalStore(store.LocalConfig{Path: cfg.Storage.LocalPath, InMemory: cfg.Storage.LocalInMemory}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open local cache")
	}
	primary := openPrimary(cfg, local, logger)
	defer func() {
		if err := primary.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close stores")
		}
	}()

	gw, closeGateway, err := openGateway(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize completion gateway")
	}
	defer closeGateway.Close()

	bus := events.NewBus()
	manager := core.NewManager(core.SessionDeps{
		Repo:    core.NewRepository(primary, local, logger),
		Gateway: gw,
		Prompt: core.NewPromptBuilder(core.PromptPolicy{
			SystemPrompt:  cfg.Prompt.SystemPrompt,
			Model:         cfg.Gateway.Model,
			Temperature:   &cfg.Gateway.ChatTemperature,
			ContextWindow: cfg.Prompt.ContextWindow,
		}),
		Summarizer: core.NewSummarizer(gw, core.SummaryPolicy{
			Trigger:     cfg.Prompt.SummaryTrigger,
			KeepRecent:  cfg.Prompt.SummaryKeep,
			MinNew:      cfg.Prompt.SummaryMinNew,
			Model:       cfg.Gateway.Model,
			Temperature: &cfg.Gateway.SummaryTemperature,
		}, logger),
		Bus:    bus,
		Logger: logger,
	})

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if !verifier.Enabled() {
		logger.Warn().Msg("JWT secret not set, serving guests only")
	}

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      api.NewRouter(api.NewAPIHandler(manager, bus, verifier, logger)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Gateway.Timeout.Std() + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", serverAddr).Str("backend", cfg.Storage.Backend).Str("provider", cfg.Gateway.Provider).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Str("addr", serverAddr).Msg("Could not listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	manager.Wait()

	logger.Info().Msg("Server exiting gracefully")
}

// openPrimary returns the store signed-in users write to. With the remote
// backend it is the SQL store guarded by the local cache; when the database
// cannot be opened the local cache serves alone.
func openPrimary(cfg *config.Config, local *store.LocalStore, logger arbor.ILogger) store.Adapter {
	if cfg.Storage.Backend != config.BackendRemote {
		return local
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	remote, err := store.NewSQLStore(ctx, store.SQLConfig{Driver: cfg.Storage.SQLDriver, DSN: cfg.Storage.SQLDSN}, logger)
	if err != nil {
		logger.Warn().Err(err).Str("driver", cfg.Storage.SQLDriver).Msg("Remote store unavailable, using local cache")
		return local
	}
	return store.NewFallbackStore(remote, local, logger)
}

func openGateway(cfg *config.Config, logger arbor.ILogger) (gateway.Completer, io.Closer, error) {
	switch cfg.Gateway.Provider {
	case config.ProviderGemini:
		client, err := gateway.NewGeminiClient(context.Background(), gateway.GeminiConfig{
			APIKey:  cfg.Gateway.GeminiAPIKey,
			Model:   cfg.Gateway.GeminiModel,
			Timeout: cfg.Gateway.Timeout.Std(),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	default:
		client := gateway.NewProxyClient(gateway.ProxyConfig{
			URL:     cfg.Gateway.URL,
			Timeout: cfg.Gateway.Timeout.Std(),
		}, logger)
		return client, io.NopCloser(nil), nil
	}
}

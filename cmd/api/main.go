package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/middleware"
	"server/internal/orchestrator"
	"server/internal/providers/genai"
	"server/internal/providers/search"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	conversations := repo.NewConversationRepository(dbpool)
	turns := repo.NewTurnRepository(dbpool)
	shares := repo.NewShareRepository(dbpool)

	model, err := genai.NewClient(genai.Options{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  logger,
		HTTPClient: &http.Client{
			Timeout: cfg.LLMTimeout + 10*time.Second,
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gemini client")
	}

	searcher, err := search.NewClient(search.Options{
		APIKey:        cfg.SerperAPIKey,
		BaseURL:       cfg.SerperBaseURL,
		ScrapeBaseURL: cfg.ScrapeBaseURL,
		Logger:        logger,
		MaxConcurrent: cfg.SearchFanout,
		HTTPClient: &http.Client{
			Timeout: cfg.SearchTimeout,
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build search client")
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Conversations: conversations,
		Turns:         turns,
		Model:         model,
		Searcher:      searcher,
		Logger:        logger,
		Workers:       cfg.TurnWorkers,
		LLMTimeout:    cfg.LLMTimeout,
		SearchTimeout: cfg.SearchTimeout,
		TurnTimeout:   cfg.TurnTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build orchestrator")
	}

	var countryLookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	} else if resolver != nil {
		countryLookup = resolver.CountryCode
	}

	app := handlers.NewApp(logger, orch, conversations, turns, shares)
	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		JWTSecret:       cfg.JWTSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AllowedOrigins:  cfg.AllowedOrigins,
		CountryLookup:   countryLookup,
		Logger:          logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	// Stop intake first, then let in-flight turns settle.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("orchestrator drain incomplete")
	}
	logger.Info().Msg("server stopped")
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freeeve/bandit-arena/internal/auth"
	"github.com/freeeve/bandit-arena/internal/config"
	"github.com/freeeve/bandit-arena/internal/handler"
	"github.com/freeeve/bandit-arena/internal/logger"
	"github.com/freeeve/bandit-arena/internal/middleware"
	"github.com/freeeve/bandit-arena/internal/repository/postgres"
	redisrepo "github.com/freeeve/bandit-arena/internal/repository/redis"
	"github.com/freeeve/bandit-arena/internal/service"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.DevMode, cfg.LogFile)
	log.Info().Str("port", cfg.Port).Bool("dev", cfg.DevMode).Msg("Config loaded")

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

	// Database
	db, err := postgres.Connect(startCtx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	// Redis
	redisClient, err := redisrepo.NewClient(startCtx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis connection failed")
	}
	defer redisClient.Close()

	// Repos
	userRepo := postgres.NewUserRepo(db)
	experimentRepo := postgres.NewExperimentRepo(db)

	// Auth
	jwtMgr := auth.NewJWTManager(cfg.JWTSecret)
	var googleOAuth *auth.OAuthProvider
	if cfg.GoogleClientID != "" {
		googleOAuth = auth.NewGoogleOAuth(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	} else {
		log.Warn().Msg("GOOGLE_CLIENT_ID not set, Google sign-in disabled")
	}

	// WebSocket hub
	wsHub := handler.NewHub()

	// Background runs outlive requests but stop on shutdown.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	// Services
	experimentSvc := service.NewExperimentService(runCtx, experimentRepo, redisClient, wsHub, service.Limits{
		MaxTrials:  cfg.MaxTrials,
		MaxHorizon: cfg.MaxHorizon,
		MaxPulls:   cfg.MaxPulls,
		CacheTTL:   cfg.ResultCacheTTL,
	})
	reaper := service.NewReaper(experimentRepo, cfg.StaleRunAfter, cfg.ReapInterval)

	// Handlers
	authHandler := handler.NewAuthHandler(googleOAuth, jwtMgr, userRepo, cfg.DevMode)
	userHandler := handler.NewUserHandler(userRepo, experimentRepo)
	experimentHandler := handler.NewExperimentHandler(experimentSvc)
	wsHandler := handler.NewWSHandler(wsHub, jwtMgr, experimentSvc, cfg.CORSOrigins)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": db,
		"redis":    handler.PingFunc(redisClient.Ping),
	})

	// Router
	mux := http.NewServeMux()
	authMw := auth.Middleware(jwtMgr)

	// Health
	mux.HandleFunc("GET /healthz", healthHandler.Health)

	// Auth (public)
	mux.HandleFunc("GET /auth/google/login", authHandler.GoogleLogin)
	mux.HandleFunc("GET /auth/google/callback", authHandler.GoogleCallback)
	mux.HandleFunc("POST /auth/refresh", authHandler.RefreshToken)
	mux.HandleFunc("GET /auth/dev", authHandler.DevLogin)

	// Protected API routes
	api := http.NewServeMux()
	api.HandleFunc("GET /users/me", userHandler.GetMe)
	api.HandleFunc("POST /experiments", experimentHandler.CreateExperiment)
	api.HandleFunc("GET /experiments", experimentHandler.ListExperiments)
	api.HandleFunc("GET /experiments/{id}", experimentHandler.GetExperiment)
	api.HandleFunc("GET /experiments/{id}/results", experimentHandler.GetResults)

	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", authMw(api)))

	// WebSocket (auth via query param, not middleware)
	mux.HandleFunc("GET /api/v1/ws", wsHandler.ServeWS)

	// Apply global middleware
	root := middleware.Chain(mux, middleware.Logger, middleware.Recover, middleware.CORS(cfg.CORSOrigins), middleware.JSON)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	reapCtx, cancelReap := context.WithCancel(context.Background())
	defer cancelReap()
	go reaper.Start(reapCtx)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server")

	cancelReap()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Interrupted runs are marked failed by RunExperiment before Wait returns.
	cancelRuns()
	experimentSvc.Wait()
	log.Info().Msg("Server stopped")
}

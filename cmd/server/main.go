// Poten - startup idea analysis server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/poten/internal/analysis"
	"github.com/ashureev/poten/internal/api"
	"github.com/ashureev/poten/internal/auth"
	"github.com/ashureev/poten/internal/chat"
	"github.com/ashureev/poten/internal/cleanup"
	"github.com/ashureev/poten/internal/config"
	"github.com/ashureev/poten/internal/identity"
	"github.com/ashureev/poten/internal/llm"
	"github.com/ashureev/poten/internal/middleware"
	"github.com/ashureev/poten/internal/store"
	"github.com/ashureev/poten/internal/tokens"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"store", cfg.Store.Driver,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "driver", cfg.Store.Driver)

	healthChecks := map[string]api.Pinger{"database": repo}

	var redisClient *redis.Client
	if cfg.Tokens.Driver == config.TokensRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Tokens.RedisAddr,
			Password: cfg.Tokens.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Redis health check failed", "addr", cfg.Tokens.RedisAddr, "error", err)
			os.Exit(1)
		}
		healthChecks["tokens"] = api.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		slog.Info("Redis token store connected", "addr", cfg.Tokens.RedisAddr)
	}

	tokenStore, err := tokens.NewStore(tokens.Driver(cfg.Tokens.Driver),
		tokens.WithRepository(repo),
		tokens.WithRedisClient(redisClient),
	)
	if err != nil {
		slog.Error("Failed to initialize token store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := tokenStore.Close(); closeErr != nil {
			slog.Error("Failed to close token store", "error", closeErr)
		}
	}()

	llmClient, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized", "provider", llmClient.Provider())

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = conversationLogger.Close() }()

	// Initialize services.
	generator := analysis.NewService(llmClient, analysis.Limits{
		Messages: cfg.History.ContextMessages,
		Tokens:   cfg.History.ContextTokens,
	})
	chatService := chat.NewService(repo, generator, chat.Config{
		Greeting:     cfg.Greeting,
		HistoryLimit: cfg.History.Limit,
		LLMTimeout:   cfg.LLM.Timeout,
	}, conversationLogger)

	rateLimiter := chat.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	defer rateLimiter.Close()

	var provider auth.Provider
	if cfg.OAuth.Enabled() {
		provider = auth.NewGoogleProvider(cfg.OAuth)
		slog.Info("Google sign-in enabled", "redirect_url", cfg.OAuth.RedirectURL)
	} else {
		slog.Info("Google sign-in disabled (GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET not set)")
	}
	bridge := auth.NewBridge(tokenStore, cfg.Tokens.LoginTTL, cfg.Tokens.AuthSessionTTL)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(healthChecks)
	accountHandler := api.NewAccountHandler(repo, cfg)
	chatHandler := chat.NewHandler(chatService, rateLimiter)
	authHandler := auth.NewHandler(provider, bridge, repo, cfg.FrontendURL, cfg.IsDevelopment(), cfg.History.Limit)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// Identity-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, tokenStore, cfg.IsDevelopment()))

		authHandler.RegisterRoutes(r)
		r.Route("/api", func(r chi.Router) {
			accountHandler.RegisterRoutes(r)
			chatHandler.RegisterRoutes(r)
		})
	})

	// Create server.
	// SSE responses stream for as long as the model takes, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	cleanup.StartSweeper(ctx, repo, cfg.SweepInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

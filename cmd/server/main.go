package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicechat-backend/internal/config"
	"voicechat-backend/internal/database"
	"voicechat-backend/internal/handlers"
	"voicechat-backend/internal/metrics"
	"voicechat-backend/internal/middleware"
	"voicechat-backend/internal/pipeline"
	"voicechat-backend/internal/repository"
	"voicechat-backend/internal/router"
	"voicechat-backend/internal/services"
	"voicechat-backend/internal/session"
	"voicechat-backend/internal/websocket"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()

	logger := newLogger(cfg)
	defer logger.Sync()

	logger.Info("🚀 Starting voice chat backend...")
	logger.Info("✓ Environment variables loaded",
		zap.String("stt_provider", cfg.STTProvider),
		zap.String("tts_provider", cfg.TTSProvider),
		zap.String("model", cfg.GeminiModel),
	)

	// ──── Step 2: Metrics Registry ────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ──── Step 3: Optional PostgreSQL (feedback log) ────
	var feedbackStore handlers.FeedbackStore
	if cfg.DatabaseURL != "" {
		pool, err := database.NewPostgresPool(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("✗ PostgreSQL connection failed", zap.Error(err))
		}
		defer pool.Close()

		if err := database.RunMigrations(pool, "migrations", logger); err != nil {
			logger.Fatal("✗ Database migration failed", zap.Error(err))
		}
		feedbackStore = repository.NewFeedbackRepo(pool)
		logger.Info("✓ PostgreSQL connected, feedback will be stored")
	} else {
		logger.Info("✓ No DATABASE_URL, feedback will only be logged")
	}

	// ──── Step 4: Optional Redis (websocket fan-out) ────
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := database.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal("✗ Redis connection failed", zap.Error(err))
		}
		defer client.Close()
		redisClient = client
		logger.Info("✓ Redis connected")
	}

	// ──── Step 5: Initialize Gemini Client ────
	geminiService, err := services.NewGeminiService(
		cfg.GeminiAPIKey,
		cfg.GeminiModel,
		cfg.GeminiTranscribeModel,
		cfg.GeminiConcurrentReqs,
		logger,
	)
	if err != nil {
		logger.Fatal("✗ Gemini client initialization failed", zap.Error(err))
	}
	defer geminiService.Close()
	logger.Info("✓ Gemini client initialized", zap.String("model", cfg.GeminiModel))

	// ──── Step 6: Speech Providers ────
	var openAIService *services.OpenAIService
	if cfg.OpenAIAPIKey != "" {
		openAIService = services.NewOpenAIService(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIVoice, logger)
	}

	var stt pipeline.Transcriber = geminiService
	if cfg.STTProvider == config.ProviderWhisper {
		stt = openAIService
	}

	var tts pipeline.Synthesizer
	switch cfg.TTSProvider {
	case config.ProviderOpenAI:
		tts = openAIService
	default:
		tts = services.NewTranslateTTS(cfg.TTSEndpoint, cfg.TTSTimeout, logger)
	}
	logger.Info("✓ Speech providers ready",
		zap.String("stt", cfg.STTProvider),
		zap.String("tts", cfg.TTSProvider),
		zap.String("language", cfg.TTSLanguage),
	)

	turnPipeline := pipeline.New(stt, geminiService, tts, cfg.TTSLanguage, logger.Named("pipeline"), m)

	// ──── Step 7: Sessions ────
	secret := cfg.SessionSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn("SESSION_SECRET not set, tokens will not survive a restart")
	}
	auth := middleware.NewSessionAuth(secret, 24*time.Hour)

	sessions := session.NewManager(cfg.SessionIdleTTL, logger, m)

	// ──── Step 8: Start WebSocket Hub ────
	wsHub := websocket.NewHub(redisClient, auth, sessions, logger)
	logger.Info("✓ WebSocket hub started", zap.Bool("redis_fanout", redisClient != nil))

	// Expired sessions close their sockets the same way an explicit end does.
	sessions.OnExpire(wsHub.CloseSession)
	sessions.Start()
	logger.Info("✓ Session manager started", zap.Duration("idle_ttl", cfg.SessionIdleTTL))

	// ──── Initialize Handlers ────
	sessionHandler := handlers.NewSessionHandler(sessions, turnPipeline, auth, wsHub, logger.Named("sessions"))
	turnHandler := handlers.NewTurnHandler(turnPipeline, wsHub, m, cfg.MaxClipBytes, logger.Named("turns"))
	feedbackHandler := handlers.NewFeedbackHandler(feedbackStore, logger.Named("feedback"))

	// ──── Step 9: Start HTTP Server ────
	r := router.New(
		auth,
		sessions,
		sessionHandler,
		turnHandler,
		feedbackHandler,
		wsHub,
		router.Options{
			FrontendURL:       cfg.FrontendURL,
			TurnRatePerMinute: cfg.TurnRatePerMinute,
			Gatherer:          reg,
			Logger:            logger,
		},
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // a turn is three remote calls in a row
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down...")
		sessions.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logger.Info(fmt.Sprintf("✓ Voice chat backend ready on http://localhost:%s", cfg.Port))
	logger.Info(fmt.Sprintf("  API: http://localhost:%s/api/v1", cfg.Port))
	logger.Info(fmt.Sprintf("  WS:  ws://localhost:%s/api/v1/session/ws", cfg.Port))

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("Server error", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	return logger
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate session secret: %v", err))
	}
	return hex.EncodeToString(b)
}

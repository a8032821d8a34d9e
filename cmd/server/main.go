// Turtle Talk - voice companion server for children
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/ianktoo/turtle-talk/internal/api"
	"github.com/ianktoo/turtle-talk/internal/bridge"
	"github.com/ianktoo/turtle-talk/internal/config"
	"github.com/ianktoo/turtle-talk/internal/convlog"
	"github.com/ianktoo/turtle-talk/internal/guardrail"
	"github.com/ianktoo/turtle-talk/internal/identity"
	"github.com/ianktoo/turtle-talk/internal/memory"
	"github.com/ianktoo/turtle-talk/internal/metrics"
	"github.com/ianktoo/turtle-talk/internal/middleware"
	"github.com/ianktoo/turtle-talk/internal/pipeline"
	"github.com/ianktoo/turtle-talk/internal/relay"
	"github.com/ianktoo/turtle-talk/internal/responder"
	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/store"
	"github.com/ianktoo/turtle-talk/internal/transport/native"
	"github.com/ianktoo/turtle-talk/internal/transport/realtime"
	"github.com/ianktoo/turtle-talk/internal/transport/telephony"
	"github.com/ianktoo/turtle-talk/internal/voicews"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "voice_provider", cfg.VoiceProvider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence.
	repo, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err, "backend", cfg.Store.Backend)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Store connected", "backend", cfg.Store.Backend)

	store.StartSweeper(ctx, repo, cfg.Store.SweepInterval, cfg.Store.MemoryTTL)
	keeper := memory.NewKeeper(repo, cfg.HistoryLimit, logger)

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Pipeline.
	orch, err := buildPipeline(ctx, cfg, m, logger)
	if err != nil {
		slog.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	convLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := convLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Voice sessions run the same orchestrator in process.
	runner := native.NewLocalRunner(orch, logger)
	sessionCfg := bridge.SessionConfig{
		VAD: native.VADConfig{
			Threshold:    cfg.VAD.Threshold,
			Attack:       cfg.VAD.Attack,
			Release:      cfg.VAD.Release,
			PollInterval: cfg.VAD.PollInterval,
			MinClipBytes: cfg.VAD.MinClipBytes,
		},
		IdleSeconds:  cfg.VAD.IdleSeconds,
		SampleRate:   bridge.DefaultSampleRate,
		HistoryLimit: cfg.HistoryLimit,
	}

	var issuer *relay.Issuer
	if cfg.Relay.JWTSecret != "" {
		issuer = relay.NewIssuer(cfg.Relay.JWTSecret, cfg.Relay.TokenTTL)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	apiCfg := api.Config{
		Pipeline:      orch,
		Keeper:        keeper,
		Repo:          repo,
		ConvLog:       convLogger,
		MaxAudioBytes: cfg.MaxAudioBytes,
		VoiceProvider: cfg.VoiceProvider,
		RelayTarget:   cfg.Relay.Target,
		Limit:         limiter.Limit,
	}
	if cfg.OpenAI.APIKey != "" {
		apiCfg.Realtime = realtime.NewMinter(realtime.MinterConfig{
			APIKey: cfg.OpenAI.APIKey,
			Model:  cfg.OpenAI.RealtimeModel,
			Voice:  cfg.OpenAI.RealtimeVoice,
		})
	}
	if cfg.Telephony.APIKey != "" && cfg.Telephony.AgentID != "" {
		apiCfg.Telephony = telephony.NewSigner(cfg.Telephony.APIKey, cfg.Telephony.AgentID, cfg.Telephony.BaseURL, nil)
	}
	if issuer != nil {
		apiCfg.Relay = issuer
	}
	apiHandler := api.NewHandler(apiCfg)

	sessions := voicews.NewSessionManager()
	allowedOrigin := cfg.FrontendURL
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	wsHandler := voicews.NewHandler(voicews.Config{
		Session:       sessionCfg,
		Runner:        runner,
		Keeper:        keeper,
		ConvLog:       convLogger,
		Metrics:       m,
		Sessions:      sessions,
		AllowedOrigin: allowedOrigin,
		IsDev:         cfg.IsDevelopment(),
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{allowedOrigin}))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/voice", wsHandler.ServeHTTP)
	})

	// Long-lived streams: no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if issuer != nil {
		relayServer := relay.NewGRPCServer(relay.NewServer(relay.ServerConfig{
			Session: sessionCfg,
			Runner:  runner,
			Issuer:  issuer,
			Keeper:  keeper,
			ConvLog: convLogger,
			Metrics: m,
		}, logger))
		lis, err := net.Listen("tcp", cfg.Relay.Addr)
		if err != nil {
			slog.Error("Failed to listen for relay", "error", err, "addr", cfg.Relay.Addr)
			os.Exit(1)
		}
		g.Go(func() error {
			slog.Info("Relay listening", "addr", cfg.Relay.Addr)
			if err := relayServer.Serve(lis); err != nil {
				return fmt.Errorf("relay server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			relayServer.GracefulStop()
			return nil
		})
	} else {
		slog.Info("Relay disabled (RELAY_JWT_SECRET not set)")
	}

	// Wait for a shutdown signal or a server failure.
	g.Go(func() error {
		<-gctx.Done()
		stop()
		slog.Info("Shutting down gracefully...")

		sessions.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	var repo store.Repository
	switch cfg.Store.Backend {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		repo = store.NewRedis(client, store.WithPrefix(cfg.Store.RedisPrefix))
	default:
		s, err := store.NewSQLite(cfg.Store.DBPath)
		if err != nil {
			return nil, err
		}
		repo = s
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("store health check: %w", err)
	}
	return repo, nil
}

func buildPipeline(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	openaiClient := speech.NewOpenAIClient(speech.OpenAIConfig{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
	})

	var geminiClient *genai.Client
	if cfg.ChatBackend == config.BackendGemini || cfg.TTSBackend == config.BackendGemini {
		c, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.Gemini.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		geminiClient = c
	}

	var chat pipeline.Responder
	switch cfg.ChatBackend {
	case config.BackendGemini:
		chat = responder.NewGeminiResponder(geminiClient, cfg.Gemini.ChatModel, cfg.HistoryLimit)
	default:
		r, err := responder.NewOpenAIResponder(openaiClient, cfg.OpenAI.ChatModel, cfg.HistoryLimit, logger)
		if err != nil {
			return nil, fmt.Errorf("create chat responder: %w", err)
		}
		chat = r
	}

	var synth speech.Synthesizer
	switch cfg.TTSBackend {
	case config.BackendGemini:
		synth = speech.NewGeminiSynthesizer(geminiClient, cfg.Gemini.SpeechModel, cfg.Gemini.Voice)
	default:
		synth = speech.NewOpenAISynthesizer(openaiClient, cfg.OpenAI.SpeechModel, cfg.OpenAI.Voice)
	}

	blocklist, err := loadBlocklist(cfg.GuardrailConfig)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithGuardrails(blocklist),
		pipeline.WithLogger(logger),
		pipeline.WithObserver(m),
		pipeline.WithTracerProvider(otel.GetTracerProvider()),
	}
	if cfg.FallbackText != "" {
		opts = append(opts, pipeline.WithFallbackText(cfg.FallbackText))
	}
	transcriber := speech.NewOpenAITranscriber(openaiClient, cfg.OpenAI.TranscribeModel)
	return pipeline.New(transcriber, chat, synth, opts...), nil
}

func loadBlocklist(path string) (*guardrail.Blocklist, error) {
	if path == "" {
		return guardrail.NewDefaultBlocklist(), nil
	}
	bc, err := guardrail.LoadBlocklistConfig(path)
	if err != nil {
		return nil, err
	}
	bl, err := bc.Build()
	if err != nil {
		return nil, fmt.Errorf("build guardrail blocklist: %w", err)
	}
	slog.Info("Guardrail blocklist loaded", "path", path)
	return bl, nil
}

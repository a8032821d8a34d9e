// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Voice providers selectable with VOICE_PROVIDER.
const (
	ProviderNative     = "native"
	ProviderRealtime   = "realtime"
	ProviderTelephony  = "telephony"
	ProviderRelay      = "relay"
	ProviderMultimodal = "multimodal"
)

// Store backends selectable with STORE_BACKEND.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Model backends selectable with CHAT_BACKEND and TTS_BACKEND.
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	VoiceProvider string
	ChatBackend   string
	TTSBackend    string
	HistoryLimit  int
	// MaxAudioBytes caps uploaded clips on /api/turn.
	MaxAudioBytes int64
	// GuardrailConfig is an optional YAML file of blocklist categories.
	GuardrailConfig string
	FallbackText    string

	OpenAI    OpenAIConfig
	Gemini    GeminiConfig
	Telephony TelephonyConfig
	Relay     RelayConfig
	VAD       VADConfig
	Store     StoreConfig
	RateLimit RateLimitConfig

	ConversationLog ConversationLogConfig
}

// OpenAIConfig configures chat, speech and realtime calls to OpenAI.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	TranscribeModel string
	SpeechModel     string
	Voice           string
	RealtimeModel   string
	RealtimeVoice   string
}

// GeminiConfig configures Gemini chat, speech and live sessions.
type GeminiConfig struct {
	APIKey      string
	ChatModel   string
	SpeechModel string
	Voice       string
	LiveModel   string
}

// TelephonyConfig configures the conversational voice vendor.
type TelephonyConfig struct {
	APIKey  string
	AgentID string
	BaseURL string
}

// RelayConfig configures the gRPC room relay.
type RelayConfig struct {
	Addr      string
	Target    string
	JWTSecret string
	TokenTTL  time.Duration
}

// VADConfig tunes the native provider's voice-activity detection.
type VADConfig struct {
	Threshold    float64
	Attack       time.Duration
	Release      time.Duration
	PollInterval time.Duration
	MinClipBytes int
	IdleSeconds  int
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Backend       string
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	MemoryTTL     time.Duration
	SweepInterval time.Duration
}

// RateLimitConfig bounds requests per device on the model-backed endpoints.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		VoiceProvider:   strings.ToLower(getEnv("VOICE_PROVIDER", ProviderNative)),
		ChatBackend:     strings.ToLower(getEnv("CHAT_BACKEND", BackendOpenAI)),
		TTSBackend:      strings.ToLower(getEnv("TTS_BACKEND", BackendOpenAI)),
		HistoryLimit:    getEnvInt("HISTORY_LIMIT", 20),
		MaxAudioBytes:   int64(getEnvInt("MAX_AUDIO_BYTES", 10<<20)),
		GuardrailConfig: getEnv("GUARDRAIL_CONFIG", ""),
		FallbackText:    getEnv("FALLBACK_TEXT", ""),
		OpenAI: OpenAIConfig{
			APIKey:          getEnv("OPENAI_API_KEY", ""),
			BaseURL:         getEnv("OPENAI_BASE_URL", ""),
			ChatModel:       getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			TranscribeModel: getEnv("OPENAI_STT_MODEL", "whisper-1"),
			SpeechModel:     getEnv("OPENAI_TTS_MODEL", "gpt-4o-mini-tts"),
			Voice:           getEnv("OPENAI_TTS_VOICE", "fable"),
			RealtimeModel:   getEnv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
			RealtimeVoice:   getEnv("OPENAI_REALTIME_VOICE", "shimmer"),
		},
		Gemini: GeminiConfig{
			APIKey:      getEnv("GEMINI_API_KEY", ""),
			ChatModel:   getEnv("GEMINI_CHAT_MODEL", "gemini-2.5-flash"),
			SpeechModel: getEnv("GEMINI_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
			Voice:       getEnv("GEMINI_TTS_VOICE", "Puck"),
			LiveModel:   getEnv("GEMINI_LIVE_MODEL", "gemini-2.0-flash-live-001"),
		},
		Telephony: TelephonyConfig{
			APIKey:  getEnv("TELEPHONY_API_KEY", ""),
			AgentID: getEnv("TELEPHONY_AGENT_ID", ""),
			BaseURL: getEnv("TELEPHONY_BASE_URL", "https://api.elevenlabs.io"),
		},
		Relay: RelayConfig{
			Addr:      getEnv("RELAY_ADDR", ":9090"),
			Target:    getEnv("RELAY_TARGET", "localhost:9090"),
			JWTSecret: getEnv("RELAY_JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("RELAY_TOKEN_TTL", 10*time.Minute),
		},
		VAD: VADConfig{
			Threshold:    getEnvFloat("VAD_ENERGY_THRESHOLD", 30),
			Attack:       getEnvDuration("VAD_ATTACK", 300*time.Millisecond),
			Release:      getEnvDuration("VAD_RELEASE", 1500*time.Millisecond),
			PollInterval: getEnvDuration("VAD_POLL_INTERVAL", 100*time.Millisecond),
			MinClipBytes: getEnvInt("VAD_MIN_CLIP_BYTES", 8<<10),
			IdleSeconds:  getEnvInt("IDLE_TIMEOUT_SECONDS", 30),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite)),
			DBPath:        getEnv("DB_PATH", "./data/turtle-talk.db"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			RedisPrefix:   getEnv("REDIS_PREFIX", "turtletalk"),
			MemoryTTL:     getEnvDuration("MEMORY_TTL", 90*24*time.Hour),
			SweepInterval: getEnvDuration("MEMORY_SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.VoiceProvider {
	case ProviderNative, ProviderRealtime, ProviderTelephony, ProviderRelay, ProviderMultimodal:
	default:
		return fmt.Errorf("VOICE_PROVIDER %q is not one of native, realtime, telephony, relay, multimodal", c.VoiceProvider)
	}
	switch c.ChatBackend {
	case BackendOpenAI, BackendGemini:
	default:
		return fmt.Errorf("CHAT_BACKEND %q is not one of openai, gemini", c.ChatBackend)
	}
	switch c.TTSBackend {
	case BackendOpenAI, BackendGemini:
	default:
		return fmt.Errorf("TTS_BACKEND %q is not one of openai, gemini", c.TTSBackend)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.MaxAudioBytes <= 0 {
		return fmt.Errorf("MAX_AUDIO_BYTES must be > 0")
	}
	if c.VAD.Threshold <= 0 || c.VAD.Threshold > 255 {
		return fmt.Errorf("VAD_ENERGY_THRESHOLD must be in (0, 255]")
	}
	if c.VAD.Attack <= 0 || c.VAD.Release <= 0 || c.VAD.PollInterval <= 0 {
		return fmt.Errorf("VAD_ATTACK, VAD_RELEASE and VAD_POLL_INTERVAL must be > 0")
	}
	if c.VAD.IdleSeconds < 0 {
		return fmt.Errorf("IDLE_TIMEOUT_SECONDS cannot be negative")
	}
	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_BACKEND %q is not one of sqlite, redis", c.Store.Backend)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.VoiceProvider == ProviderRelay && c.Relay.JWTSecret == "" {
		return fmt.Errorf("RELAY_JWT_SECRET is required for the relay provider")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("1500ms") or whole seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VOICE_PROVIDER", "NATIVE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.VoiceProvider != ProviderNative {
		t.Fatalf("VoiceProvider = %q", cfg.VoiceProvider)
	}
	if cfg.HistoryLimit != 20 {
		t.Fatalf("HistoryLimit = %d", cfg.HistoryLimit)
	}
	if cfg.VAD.Threshold != 30 || cfg.VAD.Attack != 300*time.Millisecond || cfg.VAD.Release != 1500*time.Millisecond {
		t.Fatalf("unexpected VAD defaults: %+v", cfg.VAD)
	}
	if cfg.Store.Backend != StoreSQLite {
		t.Fatalf("Store.Backend = %q", cfg.Store.Backend)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VAD_ENERGY_THRESHOLD", "42.5")
	t.Setenv("VAD_RELEASE", "2s")
	t.Setenv("VAD_ATTACK", "1")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.VAD.Threshold != 42.5 {
		t.Fatalf("Threshold = %v", cfg.VAD.Threshold)
	}
	if cfg.VAD.Release != 2*time.Second || cfg.VAD.Attack != time.Second {
		t.Fatalf("durations = %v, %v", cfg.VAD.Release, cfg.VAD.Attack)
	}
	if cfg.Store.Backend != StoreRedis || cfg.Store.RedisAddr != "cache:6379" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.ConversationLog.Enabled {
		t.Fatal("conversation log should be disabled")
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("HISTORY_LIMIT", "many")
	t.Setenv("VAD_POLL_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HistoryLimit != 20 || cfg.VAD.PollInterval != 100*time.Millisecond {
		t.Fatalf("fallbacks not applied: %d %v", cfg.HistoryLimit, cfg.VAD.PollInterval)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		t.Helper()
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown provider", mutate: func(c *Config) { c.VoiceProvider = "carrier-pigeon" }, wantErr: "VOICE_PROVIDER"},
		{name: "unknown chat backend", mutate: func(c *Config) { c.ChatBackend = "eliza" }, wantErr: "CHAT_BACKEND"},
		{name: "threshold too high", mutate: func(c *Config) { c.VAD.Threshold = 300 }, wantErr: "VAD_ENERGY_THRESHOLD"},
		{name: "zero history", mutate: func(c *Config) { c.HistoryLimit = 0 }, wantErr: "HISTORY_LIMIT"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Backend = "tape" }, wantErr: "STORE_BACKEND"},
		{name: "relay without secret", mutate: func(c *Config) {
			c.VoiceProvider = ProviderRelay
			c.Relay.JWTSecret = ""
		}, wantErr: "RELAY_JWT_SECRET"},
		{name: "negative idle", mutate: func(c *Config) { c.VAD.IdleSeconds = -1 }, wantErr: "IDLE_TIMEOUT_SECONDS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"https://turtle.example.com", false},
	}
	for _, tt := range tests {
		c := &Config{FrontendURL: tt.url}
		if got := c.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

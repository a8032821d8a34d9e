package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EphemeralKey is a short-lived credential for one realtime session.
type EphemeralKey struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenSource supplies the credential used to negotiate a session.
type TokenSource interface {
	Token(ctx context.Context) (EphemeralKey, error)
}

// MinterConfig configures a Minter.
type MinterConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Client  *http.Client
}

// Minter creates ephemeral keys with the upstream sessions API. It holds the
// long-lived API key and therefore only runs server side.
type Minter struct {
	cfg MinterConfig
}

// NewMinter creates a Minter, filling unset fields with defaults.
func NewMinter(cfg MinterConfig) *Minter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Minter{cfg: cfg}
}

type sessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint requests a new ephemeral key.
func (m *Minter) Mint(ctx context.Context) (EphemeralKey, error) {
	if m.cfg.APIKey == "" {
		return EphemeralKey{}, errors.New("realtime API key is not set")
	}
	body, err := json.Marshal(map[string]string{"model": m.cfg.Model, "voice": m.cfg.Voice})
	if err != nil {
		return EphemeralKey{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return EphemeralKey{}, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		return EphemeralKey{}, fmt.Errorf("create realtime session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return EphemeralKey{}, fmt.Errorf("create realtime session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return EphemeralKey{}, fmt.Errorf("decode realtime session: %w", err)
	}
	if sr.ClientSecret.Value == "" {
		return EphemeralKey{}, errors.New("realtime session has no client secret")
	}
	return EphemeralKey{Value: sr.ClientSecret.Value, ExpiresAt: time.Unix(sr.ClientSecret.ExpiresAt, 0).UTC()}, nil
}

// Token implements TokenSource.
func (m *Minter) Token(ctx context.Context) (EphemeralKey, error) { return m.Mint(ctx) }

// EndpointSource fetches keys from a Turtle Talk server's token endpoint, so
// devices never hold the API key.
type EndpointSource struct {
	url    string
	client *http.Client
}

// NewEndpointSource creates a source for the endpoint at url. A nil client
// uses http.DefaultClient.
func NewEndpointSource(url string, client *http.Client) *EndpointSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &EndpointSource{url: url, client: client}
}

// Token implements TokenSource.
func (s *EndpointSource) Token(ctx context.Context) (EphemeralKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, nil)
	if err != nil {
		return EphemeralKey{}, fmt.Errorf("build token request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return EphemeralKey{}, fmt.Errorf("fetch realtime token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return EphemeralKey{}, fmt.Errorf("fetch realtime token: status %d", resp.StatusCode)
	}
	var key EphemeralKey
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return EphemeralKey{}, fmt.Errorf("decode realtime token: %w", err)
	}
	if key.Value == "" {
		return EphemeralKey{}, errors.New("realtime token is empty")
	}
	return key, nil
}

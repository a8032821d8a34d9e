package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// TokenSource supplies room-join tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, for devices provisioned out of band.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("relay token is empty")
	}
	return string(t), nil
}

// EndpointSource fetches tokens from a Turtle Talk server's token endpoint.
type EndpointSource struct {
	url    string
	client *http.Client
}

// NewEndpointSource creates a source for the endpoint at url. The client
// must carry the device's identity cookie.
func NewEndpointSource(url string, client *http.Client) *EndpointSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &EndpointSource{url: url, client: client}
}

// Token implements TokenSource.
func (s *EndpointSource) Token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch relay token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch relay token: status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode relay token: %w", err)
	}
	if body.Token == "" {
		return "", errors.New("relay token is empty")
	}
	return body.Token, nil
}

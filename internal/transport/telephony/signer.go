package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the voice agent vendor's API.
const DefaultBaseURL = "https://api.elevenlabs.io"

// URLSource supplies the signed URL a session connects to.
type URLSource interface {
	SignedURL(ctx context.Context) (string, error)
}

// Signer asks the vendor for a signed conversation URL. It holds the API key
// and therefore only runs server side.
type Signer struct {
	apiKey  string
	agentID string
	baseURL string
	client  *http.Client
}

// NewSigner creates a Signer. An empty baseURL uses DefaultBaseURL and a nil
// client gets a 15 second timeout.
func NewSigner(apiKey, agentID, baseURL string, client *http.Client) *Signer {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Signer{apiKey: apiKey, agentID: agentID, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// SignedURL implements URLSource.
func (s *Signer) SignedURL(ctx context.Context) (string, error) {
	if s.apiKey == "" || s.agentID == "" {
		return "", errors.New("telephony API key and agent ID are required")
	}
	endpoint := s.baseURL + "/v1/convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(s.agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get signed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("get signed url: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if body.SignedURL == "" {
		return "", errors.New("vendor returned an empty signed url")
	}
	return body.SignedURL, nil
}

// EndpointSource fetches signed URLs from a Turtle Talk server.
type EndpointSource struct {
	url    string
	client *http.Client
}

// NewEndpointSource creates a source for the endpoint at url.
func NewEndpointSource(url string, client *http.Client) *EndpointSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &EndpointSource{url: url, client: client}
}

// SignedURL implements URLSource.
func (s *EndpointSource) SignedURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("build signed url request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch signed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch signed url: status %d", resp.StatusCode)
	}
	var body struct {
		SignedURL string `json:"signedUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if body.SignedURL == "" {
		return "", errors.New("signed url is empty")
	}
	return body.SignedURL, nil
}

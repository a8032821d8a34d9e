// Package api provides HTTP handlers for the Turtle Talk API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ianktoo/turtle-talk/internal/convlog"
	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/identity"
	"github.com/ianktoo/turtle-talk/internal/memory"
	"github.com/ianktoo/turtle-talk/internal/pipeline"
	"github.com/ianktoo/turtle-talk/internal/store"
	"github.com/ianktoo/turtle-talk/internal/transport/realtime"
	"github.com/ianktoo/turtle-talk/internal/turnstream"
)

// DefaultMaxAudioBytes bounds an uploaded clip when no limit is configured.
const DefaultMaxAudioBytes = 10 << 20

// Pipeline runs turns for the HTTP surfaces. *pipeline.Orchestrator implements it.
type Pipeline interface {
	turnstream.Processor
	ProcessText(ctx context.Context, text string, conv domain.ConversationContext) (pipeline.TextResult, error)
}

// RealtimeMinter mints short-lived realtime credentials.
type RealtimeMinter interface {
	Mint(ctx context.Context) (realtime.EphemeralKey, error)
}

// URLSigner returns a signed conversation URL from the telephony vendor.
type URLSigner interface {
	SignedURL(ctx context.Context) (string, error)
}

// RoomTokenIssuer issues relay room-join tokens.
type RoomTokenIssuer interface {
	Issue(userID, sessionID string) (string, time.Time, error)
}

// Config holds the handler's collaborators. Token sources are optional; their
// endpoints answer 503 when unset.
type Config struct {
	Pipeline      Pipeline
	Keeper        *memory.Keeper
	Repo          store.Repository
	ConvLog       convlog.Logger
	MaxAudioBytes int64

	VoiceProvider string
	Realtime      RealtimeMinter
	Telephony     URLSigner
	Relay         RoomTokenIssuer
	RelayTarget   string

	// Limit wraps the model-backed routes, e.g. RateLimiter.Limit.
	Limit func(http.Handler) http.Handler
}

// Handler serves the Turtle Talk API.
type Handler struct {
	cfg Config
}

// NewHandler creates a new Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.ConvLog == nil {
		cfg.ConvLog = convlog.Nop{}
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = DefaultMaxAudioBytes
	}
	return &Handler{cfg: cfg}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/memory", h.GetMemory)
		r.Post("/missions", h.CreateMission)
		r.Post("/missions/{id}/complete", h.CompleteMission)

		r.Group(func(r chi.Router) {
			if h.cfg.Limit != nil {
				r.Use(h.cfg.Limit)
			}
			r.Post("/turn", h.Turn)
			r.Post("/chat", h.Chat)
			r.Post("/realtime/token", h.RealtimeToken)
			r.Post("/telephony/signed-url", h.TelephonySignedURL)
			r.Post("/relay/token", h.RelayToken)
		})
	})
}

// GetMe returns the current device identity.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"username": identity.UsernameFromContext(r.Context()),
	})
}

// GetConfig returns the settings the frontend needs to pick a transport.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"voiceProvider": h.cfg.VoiceProvider,
		"historyLimit":  h.historyLimit(),
	})
}

func (h *Handler) historyLimit() int {
	if h.cfg.Keeper == nil {
		return domain.DefaultHistoryLimit
	}
	return h.cfg.Keeper.HistoryLimit()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

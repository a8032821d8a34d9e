package api

import (
	"log/slog"
	"net/http"

	"github.com/ianktoo/turtle-talk/internal/identity"
)

// RealtimeToken mints an ephemeral credential for the WebRTC realtime provider.
func (h *Handler) RealtimeToken(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Realtime == nil {
		Error(w, http.StatusServiceUnavailable, "realtime voice is not configured")
		return
	}
	key, err := h.cfg.Realtime.Mint(r.Context())
	if err != nil {
		slog.Error("Failed to mint realtime token", "error", err, "user_id", identity.UserIDFromContext(r.Context()))
		Error(w, http.StatusBadGateway, "failed to create realtime session")
		return
	}
	JSON(w, http.StatusOK, key)
}

// TelephonySignedURL returns a signed URL for the telephony voice agent.
func (h *Handler) TelephonySignedURL(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Telephony == nil {
		Error(w, http.StatusServiceUnavailable, "telephony voice is not configured")
		return
	}
	url, err := h.cfg.Telephony.SignedURL(r.Context())
	if err != nil {
		slog.Error("Failed to sign telephony URL", "error", err, "user_id", identity.UserIDFromContext(r.Context()))
		Error(w, http.StatusBadGateway, "failed to create voice session")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"signedUrl": url})
}

// RelayToken issues a room-join token for the relay server.
func (h *Handler) RelayToken(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Relay == nil {
		Error(w, http.StatusServiceUnavailable, "relay voice is not configured")
		return
	}
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	token, expiresAt, err := h.cfg.Relay.Issue(userID, identity.SessionIDFromContext(ctx))
	if err != nil {
		slog.Error("Failed to issue relay token", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.Unix(),
		"target":    h.cfg.RelayTarget,
	})
}

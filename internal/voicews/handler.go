// Package voicews serves voice sessions over WebSocket: the browser streams
// microphone PCM as binary frames and plays the replies the server sends back.
package voicews

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ianktoo/turtle-talk/internal/bridge"
	"github.com/ianktoo/turtle-talk/internal/convlog"
	"github.com/ianktoo/turtle-talk/internal/identity"
	"github.com/ianktoo/turtle-talk/internal/memory"
	"github.com/ianktoo/turtle-talk/internal/metrics"
	"github.com/ianktoo/turtle-talk/internal/transport/native"
)

// ProviderName labels this surface in metrics.
const ProviderName = "voice_ws"

// maxFrameBytes bounds a single client message; base64 audio chunks are small.
const maxFrameBytes = 1 << 20

// Config holds the handler's collaborators.
type Config struct {
	Session       bridge.SessionConfig
	Runner        native.TurnRunner
	Keeper        *memory.Keeper
	ConvLog       convlog.Logger
	Metrics       *metrics.Metrics
	Sessions      *SessionManager
	AllowedOrigin string
	IsDev         bool
}

// Handler handles WebSocket-based voice sessions.
type Handler struct {
	cfg Config
}

// NewHandler creates a new WebSocket handler.
func NewHandler(cfg Config) *Handler {
	if cfg.ConvLog == nil {
		cfg.ConvLog = convlog.Nop{}
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionManager()
	}
	return &Handler{cfg: cfg}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	logger := slog.With("user_id", userID, "session_id", sessionID)
	logger.Info("Voice connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.cfg.Sessions.Register(userID, sessionID, ws)
	defer h.cfg.Sessions.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := func(ctx context.Context, m bridge.Message) error {
		return writeJSON(ctx, ws, m)
	}
	sess := bridge.NewSession(ctx, h.cfg.Session, h.cfg.Runner, send, logger)

	stopLog := convlog.Track(h.cfg.ConvLog, sess.Events(), userID, sessionID, convlog.ChannelVoice)
	defer stopLog()
	if h.cfg.Keeper != nil {
		stopTrack := h.cfg.Keeper.Track(userID, sess.Events())
		defer stopTrack()
	}
	defer sess.Close()

	h.cfg.Metrics.SessionStarted(ProviderName)
	defer h.cfg.Metrics.SessionEnded(ProviderName)

	h.inputLoop(ctx, ws, sess, userID, logger)
	logger.Info("Voice session ended")
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, sess *bridge.Session, userID string, logger *slog.Logger) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				logger.Debug("WebSocket closed by client")
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg bridge.Message
		if typ == websocket.MessageBinary {
			msg = bridge.Message{Type: bridge.TypeAudio, Audio: data}
		} else if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("Ignoring malformed message", "error", err)
			continue
		}

		if msg.Type == bridge.TypeStart {
			limit := 0
			if h.cfg.Keeper != nil {
				limit = h.cfg.Keeper.HistoryLimit()
			}
			opts := msg.Options.Transport(limit)
			if h.cfg.Keeper != nil {
				opts = h.cfg.Keeper.Options(ctx, userID, opts)
			}
			msg.Options = bridge.NewStartOptions(opts)
		}

		stop, err := sess.Handle(ctx, msg)
		if err != nil {
			logger.Warn("Voice message failed", "type", msg.Type, "error", err)
			if werr := writeJSON(ctx, ws, bridge.Message{Type: bridge.TypeError, Text: bridge.ClientError(err)}); werr != nil {
				return
			}
			continue
		}
		if stop {
			return
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

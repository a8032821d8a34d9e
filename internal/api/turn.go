package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ianktoo/turtle-talk/internal/convlog"
	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/identity"
	"github.com/ianktoo/turtle-talk/internal/pipeline"
	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/turnstream"
)

const (
	// contextOverhead is allowed on top of the audio limit for the other form fields.
	contextOverhead = 256 << 10
	multipartMemory = 1 << 20
	maxChatBytes    = 256 << 10

	chatApology = "Oops, my shell got stuck. Can you say that again?"
)

// Turn accepts a recorded clip and streams the turn back as NDJSON events.
func (h *Handler) Turn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	sessionID := identity.SessionIDFromContext(ctx)
	logger := slog.With("user_id", userID, "session_id", sessionID)

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxAudioBytes+contextOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if tooLarge(err) {
			Error(w, http.StatusRequestEntityTooLarge, "audio too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	clip, err := readClip(r, h.cfg.MaxAudioBytes)
	if err != nil {
		if tooLarge(err) {
			Error(w, http.StatusRequestEntityTooLarge, "audio too large")
			return
		}
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := decodeConversation(r.FormValue("context"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid context")
		return
	}
	conv = h.conversation(ctx, userID, conv)

	w.Header().Set("Content-Type", turnstream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	rec := &turnRecorder{proc: h.cfg.Pipeline}
	start := time.Now()
	if err := turnstream.Run(ctx, turnstream.NewWriter(w), rec, clip, conv, logger); err != nil {
		logger.Warn("Turn failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	}

	if !rec.replied {
		return
	}
	h.logExchange(userID, sessionID, convlog.ChannelTurn, rec.reply)
	// The client may hang up once audio arrives; memory is still written.
	if h.cfg.Keeper != nil {
		if err := h.cfg.Keeper.RecordTurn(context.WithoutCancel(ctx), userID, conv.Messages, rec.reply); err != nil {
			logger.Warn("Failed to record turn", "error", err)
		}
	}
}

type chatRequest struct {
	Message string                     `json:"message"`
	Context domain.ConversationContext `json:"context"`
}

// Chat runs a text-only turn and answers with the reply as JSON.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	sessionID := identity.SessionIDFromContext(ctx)

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBytes)).Decode(&req); err != nil {
		if tooLarge(err) {
			Error(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	conv := h.conversation(ctx, userID, sanitizeConversation(req.Context))
	res, err := h.cfg.Pipeline.ProcessText(ctx, req.Message, conv)
	if err != nil {
		slog.Error("Chat turn failed", "error", err, "user_id", userID)
		Error(w, http.StatusBadGateway, chatApology)
		return
	}

	h.logExchange(userID, sessionID, convlog.ChannelChat, res)
	if h.cfg.Keeper != nil {
		if err := h.cfg.Keeper.RecordTurn(ctx, userID, conv.Messages, res); err != nil {
			slog.Warn("Failed to record chat turn", "error", err, "user_id", userID)
		}
	}
	JSON(w, http.StatusOK, res)
}

func (h *Handler) conversation(ctx context.Context, userID string, conv domain.ConversationContext) domain.ConversationContext {
	if h.cfg.Keeper == nil {
		return conv
	}
	return h.cfg.Keeper.Conversation(ctx, userID, conv)
}

func (h *Handler) logExchange(userID, sessionID, channel string, res pipeline.TextResult) {
	base := convlog.Event{UserID: userID, SessionID: sessionID, Channel: channel}

	if res.UserText != "" {
		ev := base
		ev.Direction = convlog.DirectionOutbound
		ev.EventType = "user_message"
		ev.ContentRaw = res.UserText
		h.cfg.ConvLog.Log(ev)
	}

	ev := base
	ev.Direction = convlog.DirectionInbound
	ev.EventType = "assistant_message"
	ev.ContentRaw = res.ResponseText
	ev.Meta = map[string]any{"outcome": string(res.Outcome), "mood": string(res.Mood)}
	if res.EndConversation {
		ev.Meta["end_conversation"] = true
	}
	h.cfg.ConvLog.Log(ev)
}

// turnRecorder captures the reply of a streamed turn so it can be remembered
// once the stream is done.
type turnRecorder struct {
	proc    turnstream.Processor
	reply   pipeline.TextResult
	replied bool
}

func (t *turnRecorder) ProcessWithHooks(ctx context.Context, clip speech.Clip, conv domain.ConversationContext, hooks pipeline.Hooks) (pipeline.Result, error) {
	onReply := hooks.OnReply
	hooks.OnReply = func(res pipeline.TextResult) {
		t.reply, t.replied = res, true
		if onReply != nil {
			onReply(res)
		}
	}
	return t.proc.ProcessWithHooks(ctx, clip, conv, hooks)
}

func readClip(r *http.Request, limit int64) (speech.Clip, error) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		return speech.Clip{}, errors.New("audio is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return speech.Clip{}, err
	}
	if int64(len(data)) > limit {
		return speech.Clip{}, &http.MaxBytesError{Limit: limit}
	}
	if len(data) == 0 {
		return speech.Clip{}, errors.New("audio is empty")
	}

	mimeType := r.FormValue("mimeType")
	if mimeType == "" {
		mimeType = header.Header.Get("Content-Type")
	}
	return speech.Clip{Data: data, MIMEType: mimeType}, nil
}

func decodeConversation(raw string) (domain.ConversationContext, error) {
	var conv domain.ConversationContext
	if strings.TrimSpace(raw) == "" {
		return conv, nil
	}
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return conv, err
	}
	return sanitizeConversation(conv), nil
}

func sanitizeConversation(conv domain.ConversationContext) domain.ConversationContext {
	if !conv.Difficulty.Valid() {
		conv.Difficulty = ""
	}
	return conv
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || errors.Is(err, multipart.ErrMessageTooLarge)
}

package native

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/turnstream"
)

// TurnRunner sends one clip through the pipeline and yields the turn stream.
type TurnRunner interface {
	RunTurn(ctx context.Context, clip speech.Clip, conv domain.ConversationContext) iter.Seq2[turnstream.Event, error]
}

// LocalRunner runs the pipeline in process.
type LocalRunner struct {
	proc   turnstream.Processor
	logger *slog.Logger
}

// NewLocalRunner wraps an in-process orchestrator.
func NewLocalRunner(proc turnstream.Processor, logger *slog.Logger) *LocalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{proc: proc, logger: logger}
}

// RunTurn implements TurnRunner. Events are piped through the same encoder a
// remote caller sees, so both paths share one grammar check.
func (r *LocalRunner) RunTurn(ctx context.Context, clip speech.Clip, conv domain.ConversationContext) iter.Seq2[turnstream.Event, error] {
	return func(yield func(turnstream.Event, error) bool) {
		pr, pw := io.Pipe()
		go func() {
			err := turnstream.Run(ctx, turnstream.NewWriter(pw), r.proc, clip, conv, r.logger)
			if err != nil {
				r.logger.Warn("Local turn failed", "error", err)
			}
			pw.Close()
		}()
		defer pr.Close()

		for ev, err := range turnstream.Read(pr) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

// TurnPath is the server route that accepts a clip and answers with a turn stream.
const TurnPath = "/api/turn"

// HTTPRunner posts clips to a turn server.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRunner creates a runner for the server at baseURL. A nil client uses http.DefaultClient.
func NewHTTPRunner(baseURL string, client *http.Client) *HTTPRunner {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRunner{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// RunTurn implements TurnRunner.
func (r *HTTPRunner) RunTurn(ctx context.Context, clip speech.Clip, conv domain.ConversationContext) iter.Seq2[turnstream.Event, error] {
	return func(yield func(turnstream.Event, error) bool) {
		resp, err := r.post(ctx, clip, conv)
		if err != nil {
			yield(turnstream.Event{}, err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range turnstream.Read(resp.Body) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

func (r *HTTPRunner) post(ctx context.Context, clip speech.Clip, conv domain.ConversationContext) (*http.Response, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("audio", "clip"+extension(clip.MIMEType))
	if err != nil {
		return nil, fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(clip.Data); err != nil {
		return nil, fmt.Errorf("write audio part: %w", err)
	}
	convJSON, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}
	if err := mw.WriteField("context", string(convJSON)); err != nil {
		return nil, fmt.Errorf("write context field: %w", err)
	}
	if err := mw.WriteField("mimeType", clip.MIMEType); err != nil {
		return nil, fmt.Errorf("write mime field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+TurnPath, &body)
	if err != nil {
		return nil, fmt.Errorf("build turn request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", turnstream.ContentType)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post turn: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("turn server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func extension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"):
		return ".m4a"
	default:
		return ".webm"
	}
}

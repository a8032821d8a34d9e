package responder

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/toolcall"
)

// DefaultGeminiModel is used when no Gemini chat model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiResponder answers with a JSON-constrained Gemini generation.
type GeminiResponder struct {
	client       *genai.Client
	model        string
	historyLimit int
	schema       *genai.Schema
}

// NewGeminiResponder creates a responder. An empty model uses DefaultGeminiModel.
func NewGeminiResponder(client *genai.Client, model string, historyLimit int) *GeminiResponder {
	if model == "" {
		model = DefaultGeminiModel
	}
	if historyLimit <= 0 {
		historyLimit = domain.DefaultHistoryLimit
	}
	return &GeminiResponder{
		client:       client,
		model:        model,
		historyLimit: historyLimit,
		schema:       toolcall.GeminiSchema(ReplySchema()),
	}
}

// Chat implements pipeline.Responder.
func (r *GeminiResponder) Chat(ctx context.Context, text string, conv domain.ConversationContext) (domain.ChatResponse, error) {
	var contents []*genai.Content
	for _, turn := range domain.CapHistory(conv.Messages, r.historyLimit) {
		role := genai.RoleUser
		if turn.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, genai.Role(role)))
	}
	contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))

	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(BuildSystemPrompt(conv))}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    r.schema,
	})
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("gemini chat: %w", err)
	}

	raw := strings.TrimSpace(resp.Text())
	if raw == "" {
		return domain.ChatResponse{}, ErrNoReply
	}
	return parseReply(raw)
}

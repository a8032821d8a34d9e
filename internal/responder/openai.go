package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

var (
	// ErrEmptyReply is returned when the model produced no spoken text.
	ErrEmptyReply = errors.New("model returned an empty reply")
	// ErrNoReply is returned when the model did not call the reply tool.
	ErrNoReply = errors.New("model did not produce a structured reply")
)

// DefaultOpenAIModel is used when no chat model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIResponder answers with chat completions. The model is forced to call a
// single reply tool so free text never leaks schema fragments to the child.
type OpenAIResponder struct {
	client       *openai.Client
	model        string
	historyLimit int
	logger       *slog.Logger
	parameters   openai.FunctionParameters
}

// NewOpenAIResponder creates a responder. An empty model uses DefaultOpenAIModel.
func NewOpenAIResponder(client *openai.Client, model string, historyLimit int, logger *slog.Logger) (*OpenAIResponder, error) {
	if model == "" {
		model = DefaultOpenAIModel
	}
	if historyLimit <= 0 {
		historyLimit = domain.DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}

	data, err := json.Marshal(ReplySchema())
	if err != nil {
		return nil, fmt.Errorf("marshal reply schema: %w", err)
	}
	var params openai.FunctionParameters
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("unmarshal reply schema: %w", err)
	}

	return &OpenAIResponder{
		client:       client,
		model:        model,
		historyLimit: historyLimit,
		logger:       logger,
		parameters:   params,
	}, nil
}

// Chat implements pipeline.Responder.
func (r *OpenAIResponder) Chat(ctx context.Context, text string, conv domain.ConversationContext) (domain.ChatResponse, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(BuildSystemPrompt(conv))}
	for _, turn := range domain.CapHistory(conv.Messages, r.historyLimit) {
		switch turn.Role {
		case domain.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case domain.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(text))

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    r.model,
		Messages: messages,
		Tools: []openai.ChatCompletionToolParam{{
			Function: openai.FunctionDefinitionParam{
				Name:        replyToolName,
				Description: param.NewOpt("Say your reply to the child."),
				Parameters:  r.parameters,
			},
		}},
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: replyToolName},
			},
		},
	})
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ChatResponse{}, ErrNoReply
	}

	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return domain.ChatResponse{}, fmt.Errorf("openai chat refused: %s", msg.Refusal)
	}
	for _, call := range msg.ToolCalls {
		if call.Function.Name != replyToolName {
			r.logger.Warn("Ignoring unexpected tool call", "tool", call.Function.Name)
			continue
		}
		return parseReply(call.Function.Arguments)
	}
	return domain.ChatResponse{}, ErrNoReply
}

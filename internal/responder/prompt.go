// Package responder produces the turtle's structured replies with a remote language model.
package responder

import (
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/toolcall"
)

const persona = `You are Shelly, a gentle sea turtle who talks with children aged 4 to 10.
Speak in short, warm sentences a young child can follow. Never use more than three sentences.
Ask one simple question at a time. Be encouraging and never scary.
Do not talk about violence, grown-up topics, drugs or anything unsafe. If the child brings
them up, kindly steer back to something fun.
When the child says goodbye or seems done, say a friendly goodbye, offer exactly three
missions (one easy, one medium, one stretch) and end the conversation.`

// maxPromptTopics bounds how many remembered topics are folded into the prompt.
const maxPromptTopics = 5

// BuildSystemPrompt returns the persona prompt enriched with what is known about the child.
func BuildSystemPrompt(conv domain.ConversationContext) string {
	var sb strings.Builder
	sb.WriteString(persona)

	if name := strings.TrimSpace(conv.ChildName); name != "" {
		fmt.Fprintf(&sb, "\n\nThe child's name is %s. Use it now and then.", name)
	}

	if topics := recentTopics(conv.Topics); len(topics) > 0 {
		fmt.Fprintf(&sb, "\nThings they talked about before: %s.", strings.Join(topics, ", "))
	}

	switch conv.Difficulty {
	case domain.ProfileBeginner:
		sb.WriteString("\nThis child is just starting out. Keep missions very small and easy to say yes to.")
	case domain.ProfileIntermediate:
		sb.WriteString("\nThis child has done a few missions. Missions can ask for a little courage.")
	case domain.ProfileConfident:
		sb.WriteString("\nThis child is confident. The stretch mission can be a real challenge.")
	}

	if m := conv.ActiveMission; m.IsActive() {
		fmt.Fprintf(&sb, "\nThey are working on the mission %q: %s. Ask how it is going and celebrate any progress.",
			m.Title, m.Description)
	}

	return sb.String()
}

func recentTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) > maxPromptTopics {
		out = out[len(out)-maxPromptTopics:]
	}
	return out
}

// replyToolName is the single tool the chat model is forced to call.
const replyToolName = "reply"

// ReplySchema is the JSON schema of a structured reply.
func ReplySchema() *jsonschema.Schema {
	moods := make([]any, 0, len(domain.Moods()))
	for _, m := range domain.Moods() {
		moods = append(moods, string(m))
	}
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"text": {Type: "string", Description: "What the turtle says out loud."},
			"mood": {Type: "string", Enum: moods},
			"missionChoices": {
				Type:        "array",
				Description: "Exactly three missions ordered easy, medium, stretch. Only when ending.",
				Items:       toolcall.MissionSchema(),
			},
			"endConversation":     {Type: "boolean"},
			"childName":           {Type: "string", Description: "The child's name if they just said it."},
			"topic":               {Type: "string", Description: "A short label for what the child is talking about."},
			"missionProgressNote": {Type: "string", Description: "Progress the child reported on their active mission."},
		},
		Required:             []string{"text", "mood"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

// parseReply decodes structured reply arguments and normalizes them.
func parseReply(raw string) (domain.ChatResponse, error) {
	var reply struct {
		Text                string                     `json:"text"`
		Mood                string                     `json:"mood"`
		MissionChoices      []domain.MissionSuggestion `json:"missionChoices"`
		EndConversation     bool                       `json:"endConversation"`
		ChildName           string                     `json:"childName"`
		Topic               string                     `json:"topic"`
		MissionProgressNote string                     `json:"missionProgressNote"`
	}
	if err := toolcall.Decode(raw, &reply); err != nil {
		return domain.ChatResponse{}, err
	}
	if strings.TrimSpace(reply.Text) == "" {
		return domain.ChatResponse{}, ErrEmptyReply
	}
	return domain.ChatResponse{
		Text:                strings.TrimSpace(reply.Text),
		Mood:                domain.MoodOrDefault(reply.Mood),
		MissionChoices:      domain.NormalizeMissionChoices(reply.MissionChoices),
		EndConversation:     reply.EndConversation,
		ChildName:           strings.TrimSpace(reply.ChildName),
		Topic:               strings.TrimSpace(reply.Topic),
		MissionProgressNote: strings.TrimSpace(reply.MissionProgressNote),
	}, nil
}

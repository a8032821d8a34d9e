package domain

import (
	"strings"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single utterance in the conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DifficultyProfile describes how much the child is ready to be stretched.
type DifficultyProfile string

const (
	ProfileBeginner     DifficultyProfile = "beginner"
	ProfileIntermediate DifficultyProfile = "intermediate"
	ProfileConfident    DifficultyProfile = "confident"
)

// Valid reports whether p is empty or one of the known profiles.
func (p DifficultyProfile) Valid() bool {
	switch p {
	case "", ProfileBeginner, ProfileIntermediate, ProfileConfident:
		return true
	}
	return false
}

// DefaultHistoryLimit is the number of most recent turns kept with each request.
const DefaultHistoryLimit = 20

// ConversationContext is everything the responder needs besides the user text.
// It is passed by value and never mutated by the pipeline.
type ConversationContext struct {
	Messages      []Turn            `json:"messages,omitempty"`
	ChildName     string            `json:"childName,omitempty"`
	Topics        []string          `json:"topics,omitempty"`
	Difficulty    DifficultyProfile `json:"difficultyProfile,omitempty"`
	ActiveMission *Mission          `json:"activeMission,omitempty"`
}

// CapHistory returns the most recent limit turns. A non-positive limit keeps nothing.
func CapHistory(turns []Turn, limit int) []Turn {
	if limit <= 0 {
		return nil
	}
	if len(turns) <= limit {
		return turns
	}
	out := make([]Turn, limit)
	copy(out, turns[len(turns)-limit:])
	return out
}

// AppendExchange appends a user and assistant turn and applies the history cap.
// Empty assistant text records only the user turn.
func AppendExchange(turns []Turn, userText, assistantText string, limit int) []Turn {
	next := make([]Turn, 0, len(turns)+2)
	next = append(next, turns...)
	if strings.TrimSpace(userText) != "" {
		next = append(next, Turn{Role: RoleUser, Content: userText})
	}
	if strings.TrimSpace(assistantText) != "" {
		next = append(next, Turn{Role: RoleAssistant, Content: assistantText})
	}
	return CapHistory(next, limit)
}

// ChatResponse is the structured reply produced for one turn.
type ChatResponse struct {
	Text                string              `json:"text"`
	Mood                Mood                `json:"mood"`
	MissionChoices      []MissionSuggestion `json:"missionChoices,omitempty"`
	EndConversation     bool                `json:"endConversation,omitempty"`
	ChildName           string              `json:"childName,omitempty"`
	Topic               string              `json:"topic,omitempty"`
	MissionProgressNote string              `json:"missionProgressNote,omitempty"`
}

// GuardrailResult is the verdict of a single guardrail check.
// Sanitized, when set, replaces the checked text without making it unsafe.
type GuardrailResult struct {
	Safe      bool    `json:"safe"`
	Reason    string  `json:"reason,omitempty"`
	Sanitized *string `json:"sanitized,omitempty"`
}

// Memory is what survives between sessions for one child.
type Memory struct {
	ChildID   string    `json:"child_id" msgpack:"child_id"`
	ChildName string    `json:"child_name,omitempty" msgpack:"child_name"`
	Topics    []string  `json:"topics,omitempty" msgpack:"topics"`
	Messages  []Turn    `json:"messages,omitempty" msgpack:"messages"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// AddTopic records topic once, most recent last, keeping at most limit entries.
func (m *Memory) AddTopic(topic string, limit int) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	kept := m.Topics[:0:0]
	for _, t := range m.Topics {
		if !strings.EqualFold(t, topic) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, topic)
	if limit > 0 && len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	m.Topics = kept
}

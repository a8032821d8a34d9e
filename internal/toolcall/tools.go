// Package toolcall defines the five structured signals a remote model may emit
// alongside its spoken reply, and interprets calls to them.
package toolcall

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

// Tool names.
const (
	ReportMood                 = "report_mood"
	ProposeMissions            = "propose_missions"
	EndConversation            = "end_conversation"
	NoteChildInfo              = "note_child_info"
	AcknowledgeMissionProgress = "acknowledge_mission_progress"
)

// Definition describes a callable tool.
type Definition struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// ParametersMap returns the parameter schema as a generic JSON object.
func (d Definition) ParametersMap() (map[string]any, error) {
	data, err := json.Marshal(d.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", d.Name, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", d.Name, err)
	}
	return m, nil
}

func closed() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

func stringEnum[T ~string](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// MissionSchema is the schema of one mission suggestion.
func MissionSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"title":       {Type: "string", Description: "Short, fun mission title."},
			"description": {Type: "string", Description: "One sentence telling the child what to do."},
			"theme":       {Type: "string", Enum: stringEnum(domain.Themes())},
			"difficulty":  {Type: "string", Enum: stringEnum(domain.Difficulties())},
		},
		Required:             []string{"title", "description", "theme", "difficulty"},
		AdditionalProperties: closed(),
	}
}

// Definitions returns the five tools in a stable order.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        ReportMood,
			Description: "Report the emotion your reply should be shown with. Call once per reply.",
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"mood": {Type: "string", Enum: stringEnum(domain.Moods())},
				},
				Required:             []string{"mood"},
				AdditionalProperties: closed(),
			},
		},
		{
			Name:        ProposeMissions,
			Description: "Offer exactly three real-world missions: one easy, one medium, one stretch.",
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"choices": {
						Type:        "array",
						Description: "Exactly three missions ordered easy, medium, stretch.",
						Items:       MissionSchema(),
					},
				},
				Required:             []string{"choices"},
				AdditionalProperties: closed(),
			},
		},
		{
			Name:        EndConversation,
			Description: "Say goodbye first, then call this to end the conversation after your reply finishes.",
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"reason": {Type: "string"},
				},
				AdditionalProperties: closed(),
			},
		},
		{
			Name:        NoteChildInfo,
			Description: "Remember the child's name or the topic they are talking about.",
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"childName": {Type: "string"},
					"topic":     {Type: "string"},
				},
				AdditionalProperties: closed(),
			},
		},
		{
			Name:        AcknowledgeMissionProgress,
			Description: "Note progress the child reports on their active mission.",
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"note":      {Type: "string"},
					"completed": {Type: "boolean"},
				},
				Required:             []string{"note"},
				AdditionalProperties: closed(),
			},
		},
	}
}

// Known reports whether name is one of the five tools.
func Known(name string) bool {
	for _, d := range Definitions() {
		if d.Name == name {
			return true
		}
	}
	return false
}

package realtime

import (
	"fmt"

	"github.com/ianktoo/turtle-talk/internal/toolcall"
)

// Client events.
const (
	eventSessionUpdate      = "session.update"
	eventInputAudioAppend   = "input_audio_buffer.append"
	eventConversationCreate = "conversation.item.create"
	eventResponseCreate     = "response.create"
)

// Server events.
const (
	eventError                = "error"
	eventSpeechStarted        = "input_audio_buffer.speech_started"
	eventSpeechStopped        = "input_audio_buffer.speech_stopped"
	eventTranscriptCompleted  = "conversation.item.input_audio_transcription.completed"
	eventAudioTranscriptDelta = "response.audio_transcript.delta"
	eventFunctionArgsDone     = "response.function_call_arguments.done"
	eventResponseDone         = "response.done"
	eventOutputAudioStarted   = "output_audio_buffer.started"
	eventOutputAudioStopped   = "output_audio_buffer.stopped"
)

// serverEvent holds the fields of the server events the provider reacts to.
type serverEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript,omitempty"`
	Delta      string `json:"delta,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice,omitempty"`
	Modalities              []string             `json:"modalities"`
	InputAudioFormat        string               `json:"input_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
	Tools                   []tool               `json:"tools"`
	ToolChoice              string               `json:"tool_choice"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string `json:"type"`
	SilenceDurationMs int    `json:"silence_duration_ms,omitempty"`
}

type tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio []byte `json:"audio"`
}

type itemCreate struct {
	Type string       `json:"type"`
	Item functionItem `json:"item"`
}

type functionItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type typedEvent struct {
	Type string `json:"type"`
}

// realtimeTools converts the five signal tools to the session format.
func realtimeTools() ([]tool, error) {
	defs := toolcall.Definitions()
	out := make([]tool, 0, len(defs))
	for _, d := range defs {
		params, err := d.ParametersMap()
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Name, err)
		}
		out = append(out, tool{Type: "function", Name: d.Name, Description: d.Description, Parameters: params})
	}
	return out, nil
}

package telephony

import "encoding/json"

// Server event types.
const (
	eventInitiationMetadata = "conversation_initiation_metadata"
	eventAudio              = "audio"
	eventUserTranscript     = "user_transcript"
	eventAgentResponse      = "agent_response"
	eventClientToolCall     = "client_tool_call"
	eventInterruption       = "interruption"
	eventPing               = "ping"
	eventVADScore           = "vad_score"
)

// Client event types.
const (
	eventInitiationClientData = "conversation_initiation_client_data"
	eventPong                 = "pong"
	eventClientToolResult     = "client_tool_result"
)

type serverEvent struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	ToolCall *struct {
		ToolName   string          `json:"tool_name"`
		ToolCallID string          `json:"tool_call_id"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"client_tool_call,omitempty"`

	Ping *struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	VADScore *struct {
		Score float64 `json:"vad_score"`
	} `json:"vad_score_event,omitempty"`
}

type initiation struct {
	Type             string            `json:"type"`
	ConfigOverride   configOverride    `json:"conversation_config_override"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

type configOverride struct {
	Agent agentOverride `json:"agent"`
}

type agentOverride struct {
	Prompt promptOverride `json:"prompt"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type audioChunk struct {
	UserAudioChunk []byte `json:"user_audio_chunk"`
}

type pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type toolResult struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

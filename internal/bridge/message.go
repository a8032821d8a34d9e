package bridge

import (
	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/transport"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

// Message types sent by the client.
const (
	TypeStart = "start"
	TypeAudio = "audio"
	TypeAck   = "ack"
	TypeMute  = "mute"
	TypeWake  = "wake"
	TypeStop  = "stop"
	TypePing  = "ping"
)

// Message types sent by the server. Audio uses TypeAudio in both directions.
const (
	TypeState          = "state"
	TypeMood           = "mood"
	TypeMessages       = "messages"
	TypeUserTranscript = "user_transcript"
	TypeMissionChoices = "mission_choices"
	TypeChildName      = "child_name"
	TypeTopic          = "topic"
	TypeProgressNote   = "progress_note"
	TypeError          = "error"
	TypeEnd            = "end"
	TypePong           = "pong"
)

// Message is one frame of the remote voice protocol. Audio is base64 in JSON.
type Message struct {
	Type     string                     `json:"type"`
	State    voicestate.State           `json:"state,omitempty"`
	Mood     domain.Mood                `json:"mood,omitempty"`
	Text     string                     `json:"text,omitempty"`
	Messages []domain.Turn              `json:"messages,omitempty"`
	Choices  []domain.MissionSuggestion `json:"missionChoices,omitempty"`
	Muted    bool                       `json:"muted,omitempty"`
	Audio    []byte                     `json:"audio,omitempty"`
	MIMEType string                     `json:"mimeType,omitempty"`
	Options  *StartOptions              `json:"options,omitempty"`
}

// StartOptions seed a remote session.
type StartOptions struct {
	ChildName     string                   `json:"childName,omitempty"`
	Topics        []string                 `json:"topics,omitempty"`
	Messages      []domain.Turn            `json:"messages,omitempty"`
	Difficulty    domain.DifficultyProfile `json:"difficultyProfile,omitempty"`
	ActiveMission *domain.Mission          `json:"activeMission,omitempty"`
}

// NewStartOptions copies transport options onto the wire.
func NewStartOptions(o transport.Options) *StartOptions {
	return &StartOptions{
		ChildName:     o.ChildName,
		Topics:        o.Topics,
		Messages:      o.Messages,
		Difficulty:    o.Difficulty,
		ActiveMission: o.ActiveMission,
	}
}

// Transport converts wire options back, applying limit to the history.
func (o *StartOptions) Transport(limit int) transport.Options {
	if o == nil {
		return transport.Options{HistoryLimit: limit}
	}
	difficulty := o.Difficulty
	if !difficulty.Valid() {
		difficulty = ""
	}
	return transport.Options{
		ChildName:     o.ChildName,
		Topics:        o.Topics,
		Messages:      o.Messages,
		Difficulty:    difficulty,
		ActiveMission: o.ActiveMission,
		HistoryLimit:  limit,
	}
}

// Forward subscribes to every event of e and sends each as a Message.
// It returns a func that removes all subscriptions.
func Forward(e *transport.Emitter, send func(Message)) func() {
	unsubs := []func(){
		e.OnStateChange(func(s voicestate.State) { send(Message{Type: TypeState, State: s}) }),
		e.OnMoodChange(func(m domain.Mood) { send(Message{Type: TypeMood, Mood: m}) }),
		e.OnMessages(func(t []domain.Turn) { send(Message{Type: TypeMessages, Messages: t}) }),
		e.OnUserTranscript(func(s string) { send(Message{Type: TypeUserTranscript, Text: s}) }),
		e.OnMissionChoices(func(c []domain.MissionSuggestion) { send(Message{Type: TypeMissionChoices, Choices: c}) }),
		e.OnChildName(func(s string) { send(Message{Type: TypeChildName, Text: s}) }),
		e.OnTopic(func(s string) { send(Message{Type: TypeTopic, Text: s}) }),
		e.OnProgressNote(func(s string) { send(Message{Type: TypeProgressNote, Text: s}) }),
		e.OnError(func(s string) { send(Message{Type: TypeError, Text: s}) }),
		e.OnEnd(func() { send(Message{Type: TypeEnd}) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Dispatch emits the event carried by a server message on e. It reports
// false for types that are not events, such as audio and pong.
func Dispatch(e *transport.Emitter, msg Message) bool {
	switch msg.Type {
	case TypeState:
		e.EmitStateChange(msg.State)
	case TypeMood:
		e.EmitMoodChange(msg.Mood)
	case TypeMessages:
		e.EmitMessages(msg.Messages)
	case TypeUserTranscript:
		e.EmitUserTranscript(msg.Text)
	case TypeMissionChoices:
		if len(msg.Choices) != domain.MissionChoiceCount {
			return true
		}
		e.EmitMissionChoices(msg.Choices)
	case TypeChildName:
		e.EmitChildName(msg.Text)
	case TypeTopic:
		e.EmitTopic(msg.Text)
	case TypeProgressNote:
		e.EmitProgressNote(msg.Text)
	case TypeError:
		e.EmitError(msg.Text)
	case TypeEnd:
		e.EmitEnd()
	default:
		return false
	}
	return true
}

package transport

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/toolcall"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

// Session is the bookkeeping shared by providers whose remote model detects
// turns itself: the state machine, tool-call interpretation and history.
// Providers translate their wire events into calls on Session.
type Session struct {
	events    *Emitter
	machine   *voicestate.Machine
	collector *toolcall.Collector
	logger    *slog.Logger

	mu       sync.Mutex
	history  *History
	mood     domain.Mood
	userText strings.Builder
	reply    strings.Builder
}

// NewSession binds a new state machine to events.
func NewSession(events *Emitter, logger *slog.Logger, opts ...voicestate.Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	m := voicestate.New(append([]voicestate.Option{voicestate.WithLogger(logger)}, opts...)...)
	BindMachine(m, events)
	return &Session{
		events:    events,
		machine:   m,
		collector: toolcall.NewCollector(logger),
		logger:    logger,
		history:   NewHistory(nil, 0),
	}
}

// Machine exposes the state machine.
func (s *Session) Machine() *voicestate.Machine { return s.machine }

// Begin resets per-session state and moves to listening.
func (s *Session) Begin(opts Options) {
	s.mu.Lock()
	s.history = NewHistory(opts.Messages, opts.Limit())
	s.mood = ""
	s.userText.Reset()
	s.reply.Reset()
	s.mu.Unlock()
	s.collector.Reset()
	s.machine.Send(voicestate.EventStart)
}

// Turns returns the capped history.
func (s *Session) Turns() []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Turns()
}

// UserSpeaking marks the start of the child's speech.
func (s *Session) UserSpeaking() {
	s.machine.CancelIdleCountdown()
	s.machine.Send(voicestate.EventVADSpeechStart)
}

// UserFinished marks the end of the child's speech.
func (s *Session) UserFinished() {
	s.machine.Send(voicestate.EventVADSpeechEnd)
}

// UserTranscript records and forwards the child's transcribed words.
func (s *Session) UserTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	if s.userText.Len() > 0 {
		s.userText.WriteByte(' ')
	}
	s.userText.WriteString(text)
	s.mu.Unlock()
	s.events.EmitUserTranscript(text)
}

// ToolCall interprets one call, emits its effects and returns the output to
// send back to the model.
func (s *Session) ToolCall(call toolcall.Call) string {
	fx, err := s.collector.Handle(call)
	if err != nil {
		return toolcall.Output(err)
	}
	if fx.Mood != nil {
		s.mu.Lock()
		s.mood = *fx.Mood
		s.mu.Unlock()
	}
	ApplyEffects(s.events, fx)
	return toolcall.Output(nil)
}

// Speaking moves the session to speaking through the legal path from
// wherever it is, since a remote model may answer before local VAD fires.
func (s *Session) Speaking() {
	s.mu.Lock()
	mood := s.mood
	s.mu.Unlock()
	if mood == "" {
		mood = domain.DefaultMood
	}

	switch s.machine.State() {
	case voicestate.StateListening:
		s.machine.Send(voicestate.EventVADSpeechStart)
		fallthrough
	case voicestate.StateRecording:
		s.machine.Send(voicestate.EventVADSpeechEnd)
		fallthrough
	case voicestate.StateProcessing:
		s.machine.Transition(voicestate.Event{Type: voicestate.EventMetaReceived, Mood: mood})
	}
}

// AssistantTranscript accumulates the spoken reply text.
func (s *Session) AssistantTranscript(delta string) {
	s.mu.Lock()
	s.reply.WriteString(delta)
	s.mu.Unlock()
}

// TurnComplete drains buffered missions and records the exchange.
func (s *Session) TurnComplete() {
	if choices := s.collector.CompleteTurn(); choices != nil {
		s.events.EmitMissionChoices(choices)
	}

	s.mu.Lock()
	user := s.userText.String()
	reply := strings.TrimSpace(s.reply.String())
	s.userText.Reset()
	s.reply.Reset()
	s.mood = ""
	var turns []domain.Turn
	if user != "" || reply != "" {
		turns = s.history.Append(user, reply)
	}
	s.mu.Unlock()

	if turns != nil {
		s.events.EmitMessages(turns)
	}
}

// StoppingPoint is called when reply audio has finished. It reports whether a
// pending end request should now stop the session.
func (s *Session) StoppingPoint() bool {
	if s.collector.ConsumeEnd() {
		return true
	}
	s.machine.Send(voicestate.EventAudioEnded)
	return false
}

// PendingEnd reports whether the model asked to end the conversation.
func (s *Session) PendingEnd() bool { return s.collector.PendingEnd() }

// Interrupted handles the child barging in over the reply. An end request
// made during the reply still stops the session at the next stopping point.
func (s *Session) Interrupted() {
	s.collector.DiscardMissions()
	s.machine.Relisten()
}

// Mute sends the mute or unmute event.
func (s *Session) Mute(muted bool) {
	if muted {
		s.machine.Send(voicestate.EventMute)
		return
	}
	s.machine.Send(voicestate.EventUnmute)
}

// Fail reports a user-facing error without leaving the session stuck.
func (s *Session) Fail(msg string) {
	s.machine.Relisten()
	s.events.EmitError(msg)
}

// End moves to ended and emits end.
func (s *Session) End() {
	s.machine.Send(voicestate.EventEnd)
	s.machine.CancelIdleCountdown()
	s.collector.Reset()
	s.events.EmitEnd()
}

package convlog

import (
	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/transport"
)

// Track logs the child's transcripts and the assistant's replies of a live
// voice session. The returned func unsubscribes.
func Track(l Logger, e *transport.Emitter, userID, sessionID, channel string) func() {
	base := Event{UserID: userID, SessionID: sessionID, Channel: channel}

	unsubs := []func(){
		e.OnUserTranscript(func(text string) {
			ev := base
			ev.Direction = DirectionOutbound
			ev.EventType = "voice_user_transcript"
			ev.ContentRaw = text
			l.Log(ev)
		}),
		e.OnMessages(func(turns []domain.Turn) {
			if len(turns) == 0 || turns[len(turns)-1].Role != domain.RoleAssistant {
				return
			}
			ev := base
			ev.Direction = DirectionInbound
			ev.EventType = "voice_assistant_message"
			ev.ContentRaw = turns[len(turns)-1].Content
			l.Log(ev)
		}),
		e.OnError(func(msg string) {
			ev := base
			ev.Direction = DirectionInbound
			ev.EventType = "voice_error"
			ev.ContentRaw = msg
			l.Log(ev)
		}),
		e.OnEnd(func() {
			ev := base
			ev.Direction = DirectionInbound
			ev.EventType = "voice_end"
			l.Log(ev)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/transport"
	"github.com/ianktoo/turtle-talk/internal/transport/native"
)

// ErrUnknownMessage is returned by Handle for unrecognized client messages.
var ErrUnknownMessage = errors.New("unknown client message")

// SessionConfig configures a server-side voice session.
type SessionConfig struct {
	VAD          native.VADConfig
	IdleSeconds  int
	SampleRate   int
	MaxSeconds   int
	HistoryLimit int
}

// Session runs a native voice session for a remote client: audio frames feed
// a Microphone, replies go out through an ack-gated Speaker, and every
// provider event is sent back as a Message.
type Session struct {
	cfg      SessionConfig
	send     func(context.Context, Message) error
	logger   *slog.Logger
	provider *native.Provider
	speaker  *Speaker
	unsub    func()

	sendMu sync.Mutex

	mu  sync.Mutex
	mic *Microphone
}

// NewSession creates a session. send must deliver one message to the client;
// calls are serialized. Events are sent with ctx, normally the connection's.
func NewSession(ctx context.Context, cfg SessionConfig, runner native.TurnRunner, send func(context.Context, Message) error, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{cfg: cfg, send: send, logger: logger}
	s.speaker = NewSpeaker(func(ctx context.Context, a speech.Audio) error {
		return s.write(ctx, Message{Type: TypeAudio, Audio: a.Data, MIMEType: a.MIMEType})
	})
	s.provider = native.New(
		native.Config{VAD: cfg.VAD, IdleSeconds: cfg.IdleSeconds},
		s.openMicrophone,
		s.speaker,
		runner,
		native.WithLogger(logger),
	)
	s.unsub = Forward(s.provider.Events(), func(m Message) {
		if err := s.write(ctx, m); err != nil {
			logger.Debug("Failed to forward voice event", "type", m.Type, "error", err)
		}
	})
	return s
}

// Events exposes the provider's events, e.g. for conversation logging.
func (s *Session) Events() *transport.Emitter { return s.provider.Events() }

func (s *Session) openMicrophone(context.Context) (transport.Microphone, error) {
	mic := NewMicrophone(s.cfg.SampleRate, s.cfg.MaxSeconds)
	s.mu.Lock()
	s.mic = mic
	s.mu.Unlock()
	return mic, nil
}

func (s *Session) microphone() *Microphone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mic
}

func (s *Session) write(ctx context.Context, m Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.send(ctx, m)
}

// Handle applies one client message. It reports stop once the client asked
// to end the session.
func (s *Session) Handle(ctx context.Context, msg Message) (stop bool, err error) {
	switch msg.Type {
	case TypeStart:
		if err := s.provider.Start(ctx, msg.Options.Transport(s.cfg.HistoryLimit)); err != nil {
			return false, fmt.Errorf("start session: %w", err)
		}
	case TypeAudio:
		mic := s.microphone()
		if mic == nil {
			return false, nil
		}
		if err := mic.Feed(msg.Audio); err != nil {
			s.logger.Debug("Dropped audio frame", "error", err)
		}
	case TypeAck:
		s.speaker.Ack()
	case TypeMute:
		s.provider.SetMuted(msg.Muted)
	case TypeWake:
		s.provider.Wake()
	case TypePing:
		return false, s.write(ctx, Message{Type: TypePong})
	case TypeStop:
		s.provider.Stop()
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return false, nil
}

// Client-facing texts for failed messages.
const (
	MsgUnknownMessage = "Sorry, I didn't understand that message."
	MsgAlreadyStarted = "A voice session is already running."
	MsgFailed         = "Something went wrong. Please try again."
)

// ClientError returns the text sent to the client for an error from Handle.
// The cause itself stays in the server logs.
func ClientError(err error) string {
	switch {
	case errors.Is(err, ErrUnknownMessage):
		return MsgUnknownMessage
	case errors.Is(err, transport.ErrAlreadyStarted):
		return MsgAlreadyStarted
	default:
		return MsgFailed
	}
}

// Close stops the session and drops every subscription.
func (s *Session) Close() {
	s.provider.Stop()
	s.unsub()
}

// Package telephony is the voice-agent transport: a hosted agent hears the
// child over a WebSocket, answers with streamed audio and calls client tools
// for the turtle's signals.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ianktoo/turtle-talk/internal/responder"
	"github.com/ianktoo/turtle-talk/internal/toolcall"
	"github.com/ianktoo/turtle-talk/internal/transport"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

// Name identifies this transport.
const Name = "telephony"

const (
	// DefaultReplyQuiet is how long reply audio must pause before the reply
	// counts as finished; the vendor sends no end-of-audio event.
	DefaultReplyQuiet = 800 * time.Millisecond

	dialTimeout    = 10 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
	speechScore    = 0.8
	replyAudioMIME = "audio/pcm;rate=16000"
)

// Messages shown to the child; causes go to the log.
const (
	msgConnect      = "I couldn't reach the ocean. Let's try again in a moment."
	msgDisconnected = "Oh no, the waves pulled me away. Can we start again?"
	msgMicrophone   = "I can't hear you. Is the microphone on?"
)

// Config configures a Provider.
type Config struct {
	// IdleSeconds starts the idle countdown after each reply. Zero disables it.
	IdleSeconds int
	ReplyQuiet  time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider implements transport.Provider against a hosted voice agent.
type Provider struct {
	cfg    Config
	urls   URLSource
	source transport.PCMSource
	sink   transport.AudioSink
	logger *slog.Logger

	events *transport.Emitter
	sess   *transport.Session
	gen    transport.Generation

	writeMu sync.Mutex

	mu        sync.Mutex
	running   bool
	ws        *websocket.Conn
	cancel    context.CancelFunc
	done      []chan struct{}
	muted     bool
	responded bool
	quiet     *time.Timer
}

// New creates a telephony provider. source supplies 16 kHz PCM frames; reply
// audio is written to sink as 16 kHz PCM.
func New(cfg Config, urls URLSource, source transport.PCMSource, sink transport.AudioSink, opts ...Option) *Provider {
	if cfg.ReplyQuiet <= 0 {
		cfg.ReplyQuiet = DefaultReplyQuiet
	}
	p := &Provider{cfg: cfg, urls: urls, source: source, sink: sink, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", Name)
	p.events = transport.NewEmitter(p.logger)
	p.sess = transport.NewSession(p.events, p.logger)
	return p
}

// Name implements transport.Provider.
func (p *Provider) Name() string { return Name }

// Events implements transport.Provider.
func (p *Provider) Events() *transport.Emitter { return p.events }

// State returns the current session state.
func (p *Provider) State() voicestate.Snapshot { return p.sess.Machine().Snapshot() }

// Start connects to the agent and sends the conversation setup.
func (p *Provider) Start(ctx context.Context, opts transport.Options) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	p.running = true
	p.muted = false
	gen := p.gen.Bump()
	p.mu.Unlock()

	ws, err := p.connect(ctx, opts)
	if err != nil {
		p.mu.Lock()
		if p.gen.Valid(gen) {
			p.running = false
		}
		p.mu.Unlock()
		p.logger.Error("Failed to start telephony session", "error", err)
		p.events.EmitError(msgConnect)
		return err
	}

	p.mu.Lock()
	if !p.gen.Valid(gen) {
		p.mu.Unlock()
		_ = ws.Close()
		return fmt.Errorf("start superseded: %w", context.Canceled)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	readDone, pumpDone := make(chan struct{}), make(chan struct{})
	p.ws = ws
	p.cancel = cancel
	p.done = []chan struct{}{readDone, pumpDone}
	p.responded = false
	p.mu.Unlock()

	p.sess.Begin(opts)
	p.logger.Info("Telephony session started")
	go p.readLoop(gen, ws, readDone)
	go p.pump(runCtx, gen, pumpDone)
	return nil
}

func (p *Provider) connect(ctx context.Context, opts transport.Options) (*websocket.Conn, error) {
	signed, err := p.urls.SignedURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("get signed url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, resp, err := dialer.DialContext(ctx, signed, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial voice agent: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	conv := opts.Conversation()
	setup := initiation{
		Type: eventInitiationClientData,
		ConfigOverride: configOverride{Agent: agentOverride{
			Prompt: promptOverride{Prompt: responder.BuildSystemPrompt(conv)},
		}},
		DynamicVariables: map[string]string{
			"child_name": conv.ChildName,
			"topics":     strings.Join(conv.Topics, ", "),
		},
	}
	if err := p.write(ws, setup); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send conversation setup: %w", err)
	}
	return ws, nil
}

// write serializes writes; gorilla connections allow one writer at a time.
func (p *Provider) write(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (p *Provider) send(gen uint64, v any) {
	p.mu.Lock()
	ws := p.ws
	p.mu.Unlock()
	if ws == nil || !p.gen.Valid(gen) {
		return
	}
	if err := p.write(ws, v); err != nil {
		p.logger.Warn("Failed to send telephony message", "error", err)
	}
}

func (p *Provider) pump(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		frame, err := p.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrDeviceClosed) {
				return
			}
			p.logger.Error("Microphone failed", "error", err)
			p.events.EmitError(msgMicrophone)
			go p.stopGen(gen)
			return
		}
		if p.captureMuted() {
			continue
		}
		p.send(gen, audioChunk{UserAudioChunk: frame})
	}
}

func (p *Provider) captureMuted() bool {
	p.mu.Lock()
	muted := p.muted
	p.mu.Unlock()
	return muted || p.sess.Machine().State() == voicestate.StateMuted
}

func (p *Provider) readLoop(gen uint64, ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if p.gen.Valid(gen) {
				p.logger.Warn("Voice agent connection closed", "error", err)
				p.events.EmitError(msgDisconnected)
				go p.stopGen(gen)
			}
			return
		}
		p.handleEvent(gen, data)
	}
}

func (p *Provider) handleEvent(gen uint64, data []byte) {
	if !p.gen.Valid(gen) {
		return
	}
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		p.logger.Warn("Ignoring malformed agent message", "error", err)
		return
	}

	switch ev.Type {
	case eventInitiationMetadata:
		if ev.Metadata != nil {
			p.logger.Info("Voice agent conversation started",
				"conversation_id", ev.Metadata.ConversationID,
				"output_format", ev.Metadata.AgentOutputAudioFormat)
		}

	case eventPing:
		if ev.Ping != nil {
			p.send(gen, pong{Type: eventPong, EventID: ev.Ping.EventID})
		}

	case eventVADScore:
		if ev.VADScore != nil && ev.VADScore.Score >= speechScore &&
			p.sess.Machine().State() == voicestate.StateListening {
			p.sess.UserSpeaking()
		}

	case eventUserTranscript:
		if ev.UserTranscription == nil {
			return
		}
		if p.sess.Machine().State() == voicestate.StateRecording {
			p.sess.UserFinished()
		}
		p.sess.UserTranscript(ev.UserTranscription.UserTranscript)

	case eventClientToolCall:
		if ev.ToolCall == nil {
			return
		}
		output := p.sess.ToolCall(toolcall.Call{
			ID:        ev.ToolCall.ToolCallID,
			Name:      ev.ToolCall.ToolName,
			Arguments: string(ev.ToolCall.Parameters),
		})
		p.send(gen, toolResult{
			Type:       eventClientToolResult,
			ToolCallID: ev.ToolCall.ToolCallID,
			Result:     output,
			IsError:    output != toolcall.Output(nil),
		})

	case eventAudio:
		if ev.Audio == nil {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(ev.Audio.AudioBase64)
		if err != nil {
			p.logger.Warn("Ignoring undecodable audio", "error", err)
			return
		}
		p.sess.Speaking()
		if err := p.sink.WriteChunk(audio, replyAudioMIME); err != nil {
			p.logger.Debug("Dropped reply audio", "error", err)
		}
		p.armQuiet(gen)

	case eventAgentResponse:
		if ev.AgentResponse == nil {
			return
		}
		p.sess.Speaking()
		p.sess.AssistantTranscript(ev.AgentResponse.AgentResponse)
		p.sess.TurnComplete()
		p.mu.Lock()
		p.responded = true
		p.mu.Unlock()
		p.armQuiet(gen)

	case eventInterruption:
		p.sink.Flush()
		p.mu.Lock()
		p.responded = false
		if p.quiet != nil {
			p.quiet.Stop()
		}
		p.mu.Unlock()
		p.sess.Interrupted()
	}
}

// armQuiet restarts the reply-finished timer.
func (p *Provider) armQuiet(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet != nil {
		p.quiet.Stop()
	}
	p.quiet = time.AfterFunc(p.cfg.ReplyQuiet, func() { p.replyFinished(gen) })
}

func (p *Provider) replyFinished(gen uint64) {
	p.mu.Lock()
	responded := p.responded && p.gen.Valid(gen)
	p.responded = false
	p.mu.Unlock()
	if !responded {
		return
	}
	if p.sess.StoppingPoint() {
		p.stopGen(gen)
		return
	}
	if p.cfg.IdleSeconds > 0 {
		p.sess.Machine().StartIdleCountdown(p.cfg.IdleSeconds)
	}
}

func (p *Provider) stopGen(gen uint64) {
	if p.gen.Valid(gen) {
		p.Stop()
	}
}

// SetMuted suspends or resumes uploading audio.
func (p *Provider) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	p.sess.Mute(muted)
}

// Stop closes the connection and emits end.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.gen.Bump()
	p.running = false
	ws, cancel, done := p.ws, p.cancel, p.done
	p.ws, p.cancel, p.done = nil, nil, nil
	if p.quiet != nil {
		p.quiet.Stop()
		p.quiet = nil
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		p.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.writeMu.Unlock()
		_ = ws.Close()
	}
	if !p.events.Dispatching() {
		for _, d := range done {
			<-d
		}
	}
	p.sink.Flush()
	p.sess.End()
	p.logger.Info("Telephony session ended")
}

var _ transport.Provider = (*Provider)(nil)

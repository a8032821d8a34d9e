// Package realtime is the WebRTC transport: the remote model hears the child
// continuously, detects turns itself and streams its spoken reply back.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ianktoo/turtle-talk/internal/responder"
	"github.com/ianktoo/turtle-talk/internal/toolcall"
	"github.com/ianktoo/turtle-talk/internal/transport"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

// Name identifies this transport.
const Name = "realtime"

const (
	DefaultBaseURL            = "https://api.openai.com/v1/realtime"
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultVoice              = "shimmer"
	DefaultTranscriptionModel = "whisper-1"

	openTimeout = 15 * time.Second
)

// Messages shown to the child; causes go to the log.
const (
	msgConnect      = "I couldn't reach the ocean. Let's try again in a moment."
	msgDisconnected = "Oh no, the waves pulled me away. Can we start again?"
	msgMicrophone   = "I can't hear you. Is the microphone on?"
	msgTrouble      = "Oops, my shell got stuck. Can you say that again?"
)

// Config configures a Provider.
type Config struct {
	BaseURL            string
	Model              string
	Voice              string
	TranscriptionModel string
	// IdleSeconds starts the idle countdown after each reply. Zero disables it.
	IdleSeconds int
	Client      *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// withDialer replaces the WebRTC negotiation.
func withDialer(d dialer) Option {
	return func(p *Provider) { p.dial = d }
}

// Provider implements transport.Provider over a realtime WebRTC session.
type Provider struct {
	cfg    Config
	tokens TokenSource
	source transport.PCMSource
	sink   transport.AudioSink
	dial   dialer
	logger *slog.Logger

	events *transport.Emitter
	sess   *transport.Session
	gen    transport.Generation

	mu          sync.Mutex
	running     bool
	conn        conn
	cancel      context.CancelFunc
	pumpDone    chan struct{}
	muted       bool
	replyAudio  bool
	toolOutputs int
}

// New creates a realtime provider. source supplies 24 kHz PCM frames; reply
// audio is written to sink as Opus payloads.
func New(cfg Config, tokens TokenSource, source transport.PCMSource, sink transport.AudioSink, opts ...Option) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	p := &Provider{cfg: cfg, tokens: tokens, source: source, sink: sink, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", Name)
	if p.dial == nil {
		p.dial = webrtcDialer(cfg.BaseURL, cfg.Model, cfg.Client, p.logger)
	}
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

// Start fetches a key, negotiates the session and configures the model.
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

	c, err := p.connect(ctx, gen)
	if err != nil {
		p.mu.Lock()
		if p.gen.Valid(gen) {
			p.running = false
		}
		p.mu.Unlock()
		p.logger.Error("Failed to start realtime session", "error", err)
		p.events.EmitError(msgConnect)
		return err
	}

	update, err := p.sessionUpdate(opts)
	if err == nil {
		err = c.Send(update)
	}
	if err != nil {
		_ = c.Close()
		p.mu.Lock()
		if p.gen.Valid(gen) {
			p.running = false
		}
		p.mu.Unlock()
		p.logger.Error("Failed to configure realtime session", "error", err)
		p.events.EmitError(msgConnect)
		return fmt.Errorf("configure session: %w", err)
	}

	p.mu.Lock()
	if !p.gen.Valid(gen) {
		p.mu.Unlock()
		_ = c.Close()
		return fmt.Errorf("start superseded: %w", context.Canceled)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.conn = c
	p.cancel = cancel
	p.pumpDone = make(chan struct{})
	p.replyAudio, p.toolOutputs = false, 0
	done := p.pumpDone
	p.mu.Unlock()

	p.sess.Begin(opts)
	p.logger.Info("Realtime session started", "model", p.cfg.Model)
	go p.pump(runCtx, gen, done)
	return nil
}

func (p *Provider) connect(ctx context.Context, gen uint64) (conn, error) {
	key, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get realtime token: %w", err)
	}

	opened := make(chan struct{})
	var openOnce sync.Once
	c, err := p.dial(ctx, key, handlers{
		onOpen:  func() { openOnce.Do(func() { close(opened) }) },
		onEvent: func(data []byte) { p.handleEvent(gen, data) },
		onAudio: func(payload []byte) { p.playAudio(gen, payload) },
		onClose: func() { p.remoteClosed(gen) },
	})
	if err != nil {
		return nil, fmt.Errorf("negotiate realtime session: %w", err)
	}

	timer := time.NewTimer(openTimeout)
	defer timer.Stop()
	select {
	case <-opened:
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	case <-timer.C:
		_ = c.Close()
		return nil, errors.New("data channel did not open")
	}
}

func (p *Provider) sessionUpdate(opts transport.Options) (sessionUpdate, error) {
	tools, err := realtimeTools()
	if err != nil {
		return sessionUpdate{}, err
	}
	return sessionUpdate{
		Type: eventSessionUpdate,
		Session: sessionConfig{
			Instructions:            responder.BuildSystemPrompt(opts.Conversation()),
			Voice:                   p.cfg.Voice,
			Modalities:              []string{"audio", "text"},
			InputAudioFormat:        "pcm16",
			InputAudioTranscription: &transcriptionConfig{Model: p.cfg.TranscriptionModel},
			TurnDetection:           &turnDetection{Type: "server_vad", SilenceDurationMs: 700},
			Tools:                   tools,
			ToolChoice:              "auto",
		},
	}, nil
}

// pump uploads capture frames until the session ends.
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
		p.send(gen, audioAppend{Type: eventInputAudioAppend, Audio: frame})
	}
}

func (p *Provider) captureMuted() bool {
	p.mu.Lock()
	muted := p.muted
	p.mu.Unlock()
	return muted || p.sess.Machine().State() == voicestate.StateMuted
}

func (p *Provider) send(gen uint64, event any) {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil || !p.gen.Valid(gen) {
		return
	}
	if err := c.Send(event); err != nil {
		p.logger.Warn("Failed to send realtime event", "error", err)
	}
}

func (p *Provider) playAudio(gen uint64, payload []byte) {
	if !p.gen.Valid(gen) {
		return
	}
	if err := p.sink.WriteChunk(payload, remoteAudioMIME); err != nil {
		p.logger.Debug("Dropped reply audio", "error", err)
	}
}

func (p *Provider) handleEvent(gen uint64, data []byte) {
	if !p.gen.Valid(gen) {
		return
	}
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		p.logger.Warn("Ignoring malformed realtime event", "error", err)
		return
	}

	switch ev.Type {
	case eventSpeechStarted:
		if p.sess.Machine().State() == voicestate.StateSpeaking {
			p.sink.Flush()
			p.resetReply()
			p.sess.Interrupted()
		}
		p.sess.UserSpeaking()

	case eventSpeechStopped:
		p.sess.UserFinished()

	case eventTranscriptCompleted:
		p.sess.UserTranscript(ev.Transcript)

	case eventOutputAudioStarted:
		p.markAudio()
		p.sess.Speaking()

	case eventAudioTranscriptDelta:
		p.markAudio()
		p.sess.Speaking()
		p.sess.AssistantTranscript(ev.Delta)

	case eventFunctionArgsDone:
		output := p.sess.ToolCall(toolcall.Call{ID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments})
		p.send(gen, itemCreate{
			Type: eventConversationCreate,
			Item: functionItem{Type: "function_call_output", CallID: ev.CallID, Output: output},
		})
		p.mu.Lock()
		p.toolOutputs++
		p.mu.Unlock()

	case eventResponseDone:
		audio, outputs := p.takeReply()
		if !audio && outputs > 0 && !p.sess.PendingEnd() {
			// The model answered only with signals; ask it to speak.
			p.send(gen, typedEvent{Type: eventResponseCreate})
			return
		}
		p.sess.TurnComplete()
		if !audio {
			p.stoppingPoint(gen)
		}

	case eventOutputAudioStopped:
		p.stoppingPoint(gen)

	case eventError:
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		p.logger.Warn("Realtime error event", "message", msg)
		p.sess.Fail(msgTrouble)
	}
}

func (p *Provider) markAudio() {
	p.mu.Lock()
	p.replyAudio = true
	p.mu.Unlock()
}

func (p *Provider) takeReply() (audio bool, toolOutputs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	audio, toolOutputs = p.replyAudio, p.toolOutputs
	p.replyAudio, p.toolOutputs = false, 0
	return audio, toolOutputs
}

func (p *Provider) resetReply() {
	p.mu.Lock()
	p.replyAudio, p.toolOutputs = false, 0
	p.mu.Unlock()
}

// stoppingPoint runs once the reply has finished playing.
func (p *Provider) stoppingPoint(gen uint64) {
	if p.sess.StoppingPoint() {
		go p.stopGen(gen)
		return
	}
	if p.cfg.IdleSeconds > 0 {
		p.sess.Machine().StartIdleCountdown(p.cfg.IdleSeconds)
	}
}

func (p *Provider) remoteClosed(gen uint64) {
	p.mu.Lock()
	live := p.running && p.gen.Valid(gen)
	p.mu.Unlock()
	if !live {
		return
	}
	p.logger.Warn("Realtime connection closed by remote")
	p.events.EmitError(msgDisconnected)
	go p.stopGen(gen)
}

// stopGen stops the session if gen is still current. Callbacks use it so a
// late signal cannot end a newer session.
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
	c, cancel, done := p.conn, p.cancel, p.pumpDone
	p.conn, p.cancel, p.pumpDone = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		if err := c.Close(); err != nil {
			p.logger.Debug("Failed to close realtime connection", "error", err)
		}
	}
	if done != nil && !p.events.Dispatching() {
		<-done
	}
	p.sink.Flush()
	p.sess.End()
	p.logger.Info("Realtime session ended")
}

var _ transport.Provider = (*Provider)(nil)

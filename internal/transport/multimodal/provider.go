// Package multimodal is the streaming multimodal transport: microphone audio
// goes to a Gemini Live session, which answers with audio, transcriptions
// and function calls for the turtle's signals.
package multimodal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/ianktoo/turtle-talk/internal/responder"
	"github.com/ianktoo/turtle-talk/internal/toolcall"
	"github.com/ianktoo/turtle-talk/internal/transport"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

// Name identifies this transport.
const Name = "multimodal"

const (
	// DefaultModel is a Live-capable Gemini model.
	DefaultModel = "gemini-2.0-flash-live-001"
	// DefaultVoice is a prebuilt Gemini voice.
	DefaultVoice = "Puck"

	inputAudioMIME  = "audio/pcm;rate=16000"
	outputAudioMIME = "audio/pcm;rate=24000"
)

// Messages shown to the child; causes go to the log.
const (
	msgConnect      = "I couldn't reach the ocean. Let's try again in a moment."
	msgDisconnected = "Oh no, the waves pulled me away. Can we start again?"
	msgMicrophone   = "I can't hear you. Is the microphone on?"
)

// liveSession is the part of *genai.Session the provider uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connector func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Config configures a Provider.
type Config struct {
	Model string
	Voice string
	// IdleSeconds starts the idle countdown after each reply. Zero disables it.
	IdleSeconds int
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func withConnector(c connector) Option {
	return func(p *Provider) { p.connect = c }
}

// Provider implements transport.Provider over a Gemini Live session.
type Provider struct {
	cfg     Config
	connect connector
	source  transport.PCMSource
	sink    transport.AudioSink
	logger  *slog.Logger

	events *transport.Emitter
	sess   *transport.Session
	gen    transport.Generation

	mu       sync.Mutex
	running  bool
	live     liveSession
	cancel   context.CancelFunc
	done     []chan struct{}
	muted    bool
	heard    strings.Builder
	hadAudio bool
}

// New creates a multimodal provider using client's Live API. source supplies
// 16 kHz PCM frames; reply audio is written to sink as 24 kHz PCM.
func New(cfg Config, client *genai.Client, source transport.PCMSource, sink transport.AudioSink, opts ...Option) *Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	p := &Provider{cfg: cfg, source: source, sink: sink, logger: slog.Default()}
	if client != nil {
		p.connect = func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
			return client.Live.Connect(ctx, model, lc)
		}
	}
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

// Start opens the Live session.
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

	live, err := p.open(ctx, opts)
	if err != nil {
		p.mu.Lock()
		if p.gen.Valid(gen) {
			p.running = false
		}
		p.mu.Unlock()
		p.logger.Error("Failed to start live session", "error", err)
		p.events.EmitError(msgConnect)
		return err
	}

	p.mu.Lock()
	if !p.gen.Valid(gen) {
		p.mu.Unlock()
		_ = live.Close()
		return fmt.Errorf("start superseded: %w", context.Canceled)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	recvDone, pumpDone := make(chan struct{}), make(chan struct{})
	p.live = live
	p.cancel = cancel
	p.done = []chan struct{}{recvDone, pumpDone}
	p.heard.Reset()
	p.hadAudio = false
	p.mu.Unlock()

	p.sess.Begin(opts)
	p.logger.Info("Live session started", "model", p.cfg.Model)
	go p.recvLoop(gen, live, recvDone)
	go p.pump(runCtx, gen, live, pumpDone)
	return nil
}

func (p *Provider) open(ctx context.Context, opts transport.Options) (liveSession, error) {
	if p.connect == nil {
		return nil, errors.New("no Gemini client configured")
	}
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{Parts: []*genai.Part{
			genai.NewPartFromText(responder.BuildSystemPrompt(opts.Conversation())),
		}},
		Tools: toolcall.GeminiTools(),
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: p.cfg.Voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	live, err := p.connect(ctx, p.cfg.Model, lc)
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}
	return live, nil
}

func (p *Provider) pump(ctx context.Context, gen uint64, live liveSession, done chan struct{}) {
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
		if p.captureMuted() || !p.gen.Valid(gen) {
			continue
		}
		err = live.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: frame, MIMEType: inputAudioMIME},
		})
		if err != nil && p.gen.Valid(gen) {
			p.logger.Debug("Failed to send audio", "error", err)
		}
	}
}

func (p *Provider) captureMuted() bool {
	p.mu.Lock()
	muted := p.muted
	p.mu.Unlock()
	return muted || p.sess.Machine().State() == voicestate.StateMuted
}

func (p *Provider) recvLoop(gen uint64, live liveSession, done chan struct{}) {
	defer close(done)
	for {
		msg, err := live.Receive()
		if err != nil {
			if p.gen.Valid(gen) {
				p.logger.Warn("Live session closed", "error", err)
				p.events.EmitError(msgDisconnected)
				go p.stopGen(gen)
			}
			return
		}
		if !p.gen.Valid(gen) {
			return
		}
		p.handle(gen, live, msg)
	}
}

func (p *Provider) handle(gen uint64, live liveSession, msg *genai.LiveServerMessage) {
	if msg.SetupComplete != nil {
		p.logger.Debug("Live session ready")
	}
	if msg.ToolCall != nil {
		p.answerTools(gen, live, msg.ToolCall.FunctionCalls)
	}
	if msg.GoAway != nil {
		p.logger.Info("Live session going away")
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.Interrupted {
		p.sink.Flush()
		p.mu.Lock()
		p.heard.Reset()
		p.hadAudio = false
		p.mu.Unlock()
		p.sess.Interrupted()
		return
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		p.heardSpeech(sc.InputTranscription.Text)
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			p.replying()
			mime := part.InlineData.MIMEType
			if mime == "" {
				mime = outputAudioMIME
			}
			if err := p.sink.WriteChunk(part.InlineData.Data, mime); err != nil {
				p.logger.Debug("Dropped reply audio", "error", err)
			}
			p.mu.Lock()
			p.hadAudio = true
			p.mu.Unlock()
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		p.replying()
		p.sess.AssistantTranscript(sc.OutputTranscription.Text)
	}
	if sc.TurnComplete {
		p.turnComplete(gen)
	}
}

// heardSpeech buffers the child's transcription; Live sends it in fragments.
func (p *Provider) heardSpeech(text string) {
	if p.sess.Machine().State() == voicestate.StateListening {
		p.sess.UserSpeaking()
	}
	p.mu.Lock()
	p.heard.WriteString(text)
	p.mu.Unlock()
}

// replying flushes the child's words and moves to speaking.
func (p *Provider) replying() {
	p.flushHeard()
	p.sess.Speaking()
}

func (p *Provider) flushHeard() {
	p.mu.Lock()
	text := p.heard.String()
	p.heard.Reset()
	p.mu.Unlock()
	if p.sess.Machine().State() == voicestate.StateRecording {
		p.sess.UserFinished()
	}
	p.sess.UserTranscript(text)
}

func (p *Provider) answerTools(gen uint64, live liveSession, calls []*genai.FunctionCall) {
	responses := make([]*genai.FunctionResponse, 0, len(calls))
	for _, fc := range calls {
		if fc == nil {
			continue
		}
		args := []byte("{}")
		if fc.Args != nil {
			if b, err := json.Marshal(fc.Args); err == nil {
				args = b
			}
		}
		output := p.sess.ToolCall(toolcall.Call{ID: fc.ID, Name: fc.Name, Arguments: string(args)})
		var result map[string]any
		if err := json.Unmarshal([]byte(output), &result); err != nil {
			result = map[string]any{"output": output}
		}
		responses = append(responses, &genai.FunctionResponse{ID: fc.ID, Name: fc.Name, Response: result})
	}
	if len(responses) == 0 || !p.gen.Valid(gen) {
		return
	}
	if err := live.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses}); err != nil {
		p.logger.Warn("Failed to send tool response", "error", err)
	}
}

func (p *Provider) turnComplete(gen uint64) {
	p.flushHeard()
	p.sess.TurnComplete()

	p.mu.Lock()
	hadAudio := p.hadAudio
	p.hadAudio = false
	p.mu.Unlock()

	if !hadAudio && !p.sess.PendingEnd() {
		p.sess.Machine().Relisten()
		return
	}
	if p.sess.StoppingPoint() {
		go p.stopGen(gen)
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

// Stop closes the Live session and emits end.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.gen.Bump()
	p.running = false
	live, cancel, done := p.live, p.cancel, p.done
	p.live, p.cancel, p.done = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if live != nil {
		if err := live.Close(); err != nil {
			p.logger.Debug("Failed to close live session", "error", err)
		}
	}
	if !p.events.Dispatching() {
		for _, d := range done {
			<-d
		}
	}
	p.sink.Flush()
	p.sess.End()
	p.logger.Info("Live session ended")
}

var _ transport.Provider = (*Provider)(nil)

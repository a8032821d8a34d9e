// Package native is the turn-based transport: it detects speech locally,
// records one clip per utterance and plays the pipeline's spoken reply.
package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/transport"
	"github.com/ianktoo/turtle-talk/internal/turnstream"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

// Name identifies this transport.
const Name = "native"

// Messages shown to the child; causes go to the log.
const (
	msgMicrophone = "I can't hear you. Is the microphone on?"
	msgTurnFailed = "Oops, I missed that. Can you say it again?"
)

// MicrophoneOpener opens the capture device at Start.
type MicrophoneOpener func(ctx context.Context) (transport.Microphone, error)

// Config configures a Provider.
type Config struct {
	VAD VADConfig
	// IdleSeconds starts the idle countdown whenever the session returns to
	// listening after a reply. Zero disables it.
	IdleSeconds int
}

// Provider implements transport.Provider with local VAD.
type Provider struct {
	cfg     Config
	open    MicrophoneOpener
	speaker transport.Speaker
	runner  TurnRunner
	clock   voicestate.Clock
	logger  *slog.Logger

	events  *transport.Emitter
	machine *voicestate.Machine
	gen     transport.Generation

	mu       sync.Mutex
	mic      transport.Microphone
	cancel   context.CancelFunc
	done     chan struct{}
	opts     transport.Options
	history  *transport.History
	detector *Detector
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock replaces the poll and countdown clock.
func WithClock(c voicestate.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a native provider.
func New(cfg Config, open MicrophoneOpener, speaker transport.Speaker, runner TurnRunner, opts ...Option) *Provider {
	p := &Provider{
		cfg:     cfg,
		open:    open,
		speaker: speaker,
		runner:  runner,
		logger:  slog.Default(),
	}
	p.cfg.VAD = cfg.VAD.withDefaults()
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", Name)
	p.events = transport.NewEmitter(p.logger)

	if p.clock == nil {
		p.clock = voicestate.SystemClock
	}
	p.machine = voicestate.New(voicestate.WithClock(p.clock), voicestate.WithLogger(p.logger))
	transport.BindMachine(p.machine, p.events)
	return p
}

// Name implements transport.Provider.
func (p *Provider) Name() string { return Name }

// Events implements transport.Provider.
func (p *Provider) Events() *transport.Emitter { return p.events }

// State returns the current session state.
func (p *Provider) State() voicestate.Snapshot { return p.machine.Snapshot() }

// Start opens the microphone and begins listening.
func (p *Provider) Start(ctx context.Context, opts transport.Options) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	gen := p.gen.Bump()
	p.mu.Unlock()

	mic, err := p.open(ctx)
	if err != nil {
		p.logger.Error("Failed to open microphone", "error", err)
		p.events.EmitError(msgMicrophone)
		return fmt.Errorf("open microphone: %w", err)
	}

	p.mu.Lock()
	if !p.gen.Valid(gen) || p.done != nil {
		p.mu.Unlock()
		_ = mic.Close()
		return fmt.Errorf("start superseded: %w", context.Canceled)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mic = mic
	p.cancel = cancel
	p.done = make(chan struct{})
	p.opts = opts
	p.history = transport.NewHistory(opts.Messages, opts.Limit())
	p.detector = NewDetector(p.cfg.VAD)
	done := p.done
	p.mu.Unlock()

	p.machine.Send(voicestate.EventStart)
	p.logger.Info("Voice session started")
	go p.loop(runCtx, gen, mic, done)
	return nil
}

// Stop ends the session, closes the microphone and emits end. Called from an
// event handler it does not wait for the poll loop, which is running that handler.
func (p *Provider) Stop() {
	p.mu.Lock()
	done := p.shutdownLocked()
	p.mu.Unlock()
	if done == nil {
		return
	}
	if !p.events.Dispatching() {
		<-done
	}
	p.finish()
}

// shutdownLocked invalidates the session and returns the loop's done channel,
// or nil when nothing was running.
func (p *Provider) shutdownLocked() chan struct{} {
	p.gen.Bump()
	if p.done == nil {
		return nil
	}
	done := p.done
	p.cancel()
	if err := p.mic.Close(); err != nil {
		p.logger.Warn("Failed to close microphone", "error", err)
	}
	p.mic = nil
	p.done = nil
	return done
}

func (p *Provider) finish() {
	p.machine.Send(voicestate.EventEnd)
	p.machine.CancelIdleCountdown()
	p.logger.Info("Voice session ended")
	p.events.EmitEnd()
}

// endFromLoop stops the session from inside the poll loop, which must not wait on itself.
func (p *Provider) endFromLoop(gen uint64) {
	p.mu.Lock()
	if !p.gen.Valid(gen) {
		p.mu.Unlock()
		return
	}
	p.shutdownLocked()
	p.mu.Unlock()
	p.finish()
}

// SetMuted suspends or resumes capture. A recording in progress is discarded.
func (p *Provider) SetMuted(muted bool) {
	p.mu.Lock()
	mic := p.mic
	if mic != nil {
		p.detector.Reset()
	}
	p.mu.Unlock()
	if mic == nil {
		return
	}

	if muted {
		if p.machine.State() == voicestate.StateRecording {
			if _, err := mic.StopRecording(); err != nil {
				p.logger.Warn("Failed to discard recording", "error", err)
			}
		}
		if err := mic.Suspend(); err != nil {
			p.logger.Warn("Failed to suspend microphone", "error", err)
		}
		p.machine.Send(voicestate.EventMute)
		return
	}

	if err := mic.Resume(); err != nil {
		p.logger.Error("Failed to resume microphone", "error", err)
		p.events.EmitError(msgMicrophone)
		return
	}
	p.machine.Send(voicestate.EventUnmute)
}

// Wake resumes a session that muted itself after the idle countdown.
func (p *Provider) Wake() {
	p.mu.Lock()
	mic := p.mic
	p.mu.Unlock()
	if mic == nil || p.machine.State() != voicestate.StateMuted {
		return
	}
	if err := mic.Resume(); err != nil {
		p.logger.Error("Failed to resume microphone", "error", err)
		p.events.EmitError(msgMicrophone)
		return
	}
	p.machine.Send(voicestate.EventUserWake)
}

func (p *Provider) loop(ctx context.Context, gen uint64, mic transport.Microphone, done chan struct{}) {
	defer close(done)

	ticker := p.clock.NewTicker(p.cfg.VAD.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			if !p.gen.Valid(gen) {
				return
			}
			p.poll(ctx, gen, mic, now)
		}
	}
}

// poll takes one VAD sample. Sampling is skipped while a turn is in flight.
func (p *Provider) poll(ctx context.Context, gen uint64, mic transport.Microphone, now time.Time) {
	state := p.machine.State()
	if state != voicestate.StateListening && state != voicestate.StateRecording {
		return
	}

	frame, err := mic.Sample()
	if err != nil {
		if errors.Is(err, transport.ErrDeviceClosed) {
			return
		}
		p.logger.Warn("Failed to sample microphone", "error", err)
		return
	}

	p.mu.Lock()
	action := p.detector.Observe(now, Energy(frame), state == voicestate.StateRecording)
	p.mu.Unlock()

	switch action {
	case ActionStart:
		if err := mic.StartRecording(); err != nil {
			p.logger.Error("Failed to start recording", "error", err)
			p.events.EmitError(msgMicrophone)
			return
		}
		p.machine.CancelIdleCountdown()
		p.machine.Send(voicestate.EventVADSpeechStart)

	case ActionStop:
		clip, err := mic.StopRecording()
		if err != nil {
			p.logger.Error("Failed to stop recording", "error", err)
			p.machine.Relisten()
			p.events.EmitError(msgMicrophone)
			return
		}
		if len(clip.Data) < p.cfg.VAD.MinClipBytes {
			p.logger.Debug("Discarding short clip", "bytes", len(clip.Data))
			p.machine.Relisten()
			return
		}
		p.machine.Send(voicestate.EventVADSpeechEnd)
		p.runTurn(ctx, gen, clip)
	}
}

// runTurn consumes one turn stream. Every exit path leaves the session
// listening, ended, or owned by a newer generation.
func (p *Provider) runTurn(ctx context.Context, gen uint64, clip speech.Clip) {
	p.mu.Lock()
	conv := p.opts
	history := p.history
	p.mu.Unlock()
	conv.Messages = history.Turns()

	var (
		endAfter bool
		replied  bool
	)
	for ev, err := range p.runner.RunTurn(ctx, clip, conv.Conversation()) {
		if !p.gen.Valid(gen) {
			return
		}
		if err != nil {
			p.fail(gen, err)
			return
		}

		switch ev.Type {
		case turnstream.EventUserText:
			p.events.EmitUserTranscript(ev.Text)

		case turnstream.EventMeta:
			if ev.Meta == nil {
				p.fail(gen, errors.New("meta event without reply"))
				return
			}
			replied = true
			res := *ev.Meta
			if strings.TrimSpace(res.ResponseText) == "" {
				p.machine.Relisten()
				continue
			}
			p.events.EmitMessages(history.Append(res.UserText, res.ResponseText))
			transport.ApplyReply(p.events, res.ChatResponse())
			endAfter = res.EndConversation
			p.machine.Transition(voicestate.Event{Type: voicestate.EventMetaReceived, Mood: res.Mood})

		case turnstream.EventError:
			p.fail(gen, fmt.Errorf("turn error: %s", ev.Error))
			return

		case turnstream.EventAudio:
			err := p.speaker.Play(ctx, speech.Audio{Data: ev.Audio, MIMEType: ev.MIMEType})
			if !p.gen.Valid(gen) {
				return
			}
			if err != nil {
				p.fail(gen, fmt.Errorf("play reply: %w", err))
				return
			}
		}
	}

	if !p.gen.Valid(gen) {
		return
	}
	if !replied {
		p.fail(gen, errors.New("turn stream closed without reply"))
		return
	}
	if endAfter {
		p.endFromLoop(gen)
		return
	}
	if p.machine.Send(voicestate.EventAudioEnded) && p.cfg.IdleSeconds > 0 {
		p.machine.StartIdleCountdown(p.cfg.IdleSeconds)
	}
}

func (p *Provider) fail(gen uint64, err error) {
	if !p.gen.Valid(gen) {
		return
	}
	p.logger.Error("Turn failed", "error", err)
	p.machine.Relisten()
	p.events.EmitError(msgTurnFailed)
}

var _ transport.Provider = (*Provider)(nil)

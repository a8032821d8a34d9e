// Package pipeline turns a recorded utterance into a moderated, spoken reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/guardrail"
	"github.com/ianktoo/turtle-talk/internal/speech"
)

// DefaultFallbackText is spoken when a guardrail blocks a turn.
const DefaultFallbackText = "Ooh, let's swim over to a different topic! What's something fun you did today?"

// ErrDuplicateGuardrail is returned by AddGuardrail when the name is taken.
var ErrDuplicateGuardrail = errors.New("guardrail already registered")

// Responder produces the structured reply for a user utterance.
type Responder interface {
	Chat(ctx context.Context, text string, conv domain.ConversationContext) (domain.ChatResponse, error)
}

// Observer receives timing for stages and turns.
type Observer interface {
	StageCompleted(stage string, d time.Duration, err error)
	TurnCompleted(outcome string, d time.Duration)
}

// Outcome classifies how a turn ended. Blocked input and blocked output
// return the same fallback to the child but are reported separately.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeEmpty         Outcome = "empty"
	OutcomeBlockedInput  Outcome = "blocked_input"
	OutcomeBlockedOutput Outcome = "blocked_output"
)

// TextResult is the outcome of a turn without audio.
type TextResult struct {
	UserText            string                     `json:"userText"`
	ResponseText        string                     `json:"responseText"`
	Mood                domain.Mood                `json:"mood"`
	MissionChoices      []domain.MissionSuggestion `json:"missionChoices,omitempty"`
	EndConversation     bool                       `json:"endConversation,omitempty"`
	ChildName           string                     `json:"childName,omitempty"`
	Topic               string                     `json:"topic,omitempty"`
	MissionProgressNote string                     `json:"missionProgressNote,omitempty"`
	Outcome             Outcome                    `json:"outcome"`
}

// ChatResponse returns the reply fields as a domain.ChatResponse.
func (r TextResult) ChatResponse() domain.ChatResponse {
	return domain.ChatResponse{
		Text:                r.ResponseText,
		Mood:                r.Mood,
		MissionChoices:      r.MissionChoices,
		EndConversation:     r.EndConversation,
		ChildName:           r.ChildName,
		Topic:               r.Topic,
		MissionProgressNote: r.MissionProgressNote,
	}
}

// Result is a TextResult plus synthesized audio. Audio is nil when there was nothing to say.
type Result struct {
	TextResult
	Audio *speech.Audio
}

// Orchestrator runs transcribe, guard input, respond, guard output and synthesize, in that order.
// It holds no per-turn state; the guardrail list is the only mutable field.
type Orchestrator struct {
	transcriber speech.Transcriber
	responder   Responder
	synthesizer speech.Synthesizer

	mu     sync.RWMutex
	guards []guardrail.Guardrail

	fallbackText string
	logger       *slog.Logger
	observer     Observer
	tracer       trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGuardrails registers guardrails in order. Duplicate names after the first are ignored.
func WithGuardrails(guards ...guardrail.Guardrail) Option {
	return func(o *Orchestrator) {
		for _, g := range guards {
			if err := o.AddGuardrail(g); err != nil {
				o.logger.Warn("Ignoring guardrail", "name", g.Name(), "error", err)
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver sets the timing observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithFallbackText overrides the text used when a guardrail blocks a turn.
func WithFallbackText(text string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(text) != "" {
			o.fallbackText = text
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(instrumentationName)
		}
	}
}

const instrumentationName = "github.com/ianktoo/turtle-talk/internal/pipeline"

// New creates an Orchestrator. The synthesizer may be nil when only ProcessToText is used.
func New(transcriber speech.Transcriber, responder Responder, synthesizer speech.Synthesizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transcriber:  transcriber,
		responder:    responder,
		synthesizer:  synthesizer,
		fallbackText: DefaultFallbackText,
		logger:       slog.Default(),
		tracer:       otel.GetTracerProvider().Tracer(instrumentationName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// AddGuardrail appends g to the chain. Names must be unique.
func (o *Orchestrator) AddGuardrail(g guardrail.Guardrail) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.guards {
		if existing.Name() == g.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateGuardrail, g.Name())
		}
	}
	o.guards = append(o.guards, g)
	return nil
}

// RemoveGuardrail removes the guardrail with the given name and reports whether one was removed.
func (o *Orchestrator) RemoveGuardrail(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, g := range o.guards {
		if g.Name() == name {
			o.guards = append(o.guards[:i:i], o.guards[i+1:]...)
			return true
		}
	}
	return false
}

// Guardrails returns the names of the active guardrails in order.
func (o *Orchestrator) Guardrails() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, len(o.guards))
	for i, g := range o.guards {
		names[i] = g.Name()
	}
	return names
}

func (o *Orchestrator) snapshotGuards() []guardrail.Guardrail {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]guardrail.Guardrail(nil), o.guards...)
}

// FallbackText returns the text used for blocked turns.
func (o *Orchestrator) FallbackText() string {
	return o.fallbackText
}

// ProcessToText runs a turn without synthesis.
func (o *Orchestrator) ProcessToText(ctx context.Context, clip speech.Clip, conv domain.ConversationContext) (TextResult, error) {
	ctx, span := o.tracer.Start(ctx, "turn.process_to_text")
	defer span.End()

	start := time.Now()
	userText, err := o.transcribe(ctx, clip)
	if err != nil {
		return o.fail(span, start, err)
	}
	res, err := o.respond(ctx, userText, conv)
	if err != nil {
		return o.fail(span, start, err)
	}
	o.finish(span, start, res.Outcome)
	return res, nil
}

// ProcessText runs a turn for text the caller already has, skipping transcription.
func (o *Orchestrator) ProcessText(ctx context.Context, text string, conv domain.ConversationContext) (TextResult, error) {
	ctx, span := o.tracer.Start(ctx, "turn.process_text")
	defer span.End()

	start := time.Now()
	res, err := o.respond(ctx, text, conv)
	if err != nil {
		return o.fail(span, start, err)
	}
	o.finish(span, start, res.Outcome)
	return res, nil
}

// Hooks observe intermediate results of a single Process call.
type Hooks struct {
	// OnTranscript runs after transcription with non-blank text.
	OnTranscript func(text string)
	// OnReply runs with the moderated reply once its audio is ready, so a
	// synthesis failure is reported before any reply goes out.
	OnReply func(res TextResult)
}

// Process runs a full turn including synthesis. The fallback for blocked turns is spoken too.
func (o *Orchestrator) Process(ctx context.Context, clip speech.Clip, conv domain.ConversationContext) (Result, error) {
	return o.ProcessWithHooks(ctx, clip, conv, Hooks{})
}

// ProcessWithHooks is Process with callbacks for the transcript and the reply,
// so callers can stream them ahead of the audio.
func (o *Orchestrator) ProcessWithHooks(ctx context.Context, clip speech.Clip, conv domain.ConversationContext, hooks Hooks) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "turn.process")
	defer span.End()

	start := time.Now()
	userText, err := o.transcribe(ctx, clip)
	if err != nil {
		_, err = o.fail(span, start, err)
		return Result{}, err
	}
	if hooks.OnTranscript != nil && strings.TrimSpace(userText) != "" {
		hooks.OnTranscript(userText)
	}
	text, err := o.respond(ctx, userText, conv)
	if err != nil {
		_, err = o.fail(span, start, err)
		return Result{}, err
	}

	res := Result{TextResult: text}
	if strings.TrimSpace(text.ResponseText) != "" {
		audio, err := o.synthesize(ctx, text.ResponseText)
		if err != nil {
			_, err = o.fail(span, start, err)
			return Result{}, err
		}
		res.Audio = &audio
	}
	if hooks.OnReply != nil {
		hooks.OnReply(text)
	}
	o.finish(span, start, res.Outcome)
	return res, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, clip speech.Clip) (string, error) {
	var text string
	err := o.stage(ctx, StageSTT, func(ctx context.Context) error {
		var err error
		text, err = o.transcriber.Transcribe(ctx, clip)
		return err
	})
	return text, err
}

func (o *Orchestrator) synthesize(ctx context.Context, text string) (speech.Audio, error) {
	if o.synthesizer == nil {
		return speech.Audio{}, stageError(StageTTS, errors.New("no synthesizer configured"))
	}
	var audio speech.Audio
	err := o.stage(ctx, StageTTS, func(ctx context.Context) error {
		var err error
		audio, err = o.synthesizer.Synthesize(ctx, text)
		return err
	})
	return audio, err
}

// respond runs everything between transcription and synthesis.
func (o *Orchestrator) respond(ctx context.Context, userText string, conv domain.ConversationContext) (TextResult, error) {
	if strings.TrimSpace(userText) == "" {
		return TextResult{UserText: userText, ResponseText: "", Mood: domain.MoodIdle, Outcome: OutcomeEmpty}, nil
	}

	guards := o.snapshotGuards()

	var in guardrail.Verdict
	err := o.stage(ctx, StageInputGuardrail, func(ctx context.Context) error {
		var err error
		in, err = guardrail.CheckInput(ctx, guards, userText)
		return err
	})
	if err != nil {
		return TextResult{}, err
	}
	if !in.Safe {
		o.logger.Info("Input blocked by guardrail", "guardrail", in.BlockedBy, "reason", in.Reason)
		return o.fallback(userText, OutcomeBlockedInput), nil
	}

	var reply domain.ChatResponse
	err = o.stage(ctx, StageChat, func(ctx context.Context) error {
		var err error
		reply, err = o.responder.Chat(ctx, userText, conv)
		return err
	})
	if err != nil {
		return TextResult{}, err
	}

	var out guardrail.Verdict
	err = o.stage(ctx, StageOutputGuardrail, func(ctx context.Context) error {
		var err error
		out, err = guardrail.CheckOutput(ctx, guards, reply.Text)
		return err
	})
	if err != nil {
		return TextResult{}, err
	}
	if !out.Safe {
		o.logger.Info("Output blocked by guardrail", "guardrail", out.BlockedBy, "reason", out.Reason)
		return o.fallback(userText, OutcomeBlockedOutput), nil
	}

	mood := reply.Mood
	if !mood.Valid() {
		mood = domain.DefaultMood
	}
	return TextResult{
		UserText:            userText,
		ResponseText:        out.Text,
		Mood:                mood,
		MissionChoices:      domain.NormalizeMissionChoices(reply.MissionChoices),
		EndConversation:     reply.EndConversation,
		ChildName:           strings.TrimSpace(reply.ChildName),
		Topic:               strings.TrimSpace(reply.Topic),
		MissionProgressNote: reply.MissionProgressNote,
		Outcome:             OutcomeOK,
	}, nil
}

func (o *Orchestrator) fallback(userText string, outcome Outcome) TextResult {
	return TextResult{
		UserText:     userText,
		ResponseText: o.fallbackText,
		Mood:         domain.MoodConfused,
		Outcome:      outcome,
	}
}

// stage runs fn under a span and tags any failure with the stage name.
func (o *Orchestrator) stage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(attribute.String("stage", string(stage))))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if o.observer != nil {
		o.observer.StageCompleted(string(stage), time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var se *StageError
		if errors.As(err, &se) {
			return err
		}
		return stageError(stage, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (o *Orchestrator) fail(span trace.Span, start time.Time, err error) (TextResult, error) {
	var se *StageError
	stage := ""
	if errors.As(err, &se) {
		stage = string(se.Stage)
	}
	o.logger.Error("Turn failed", "stage", stage, "error", err)
	span.SetStatus(codes.Error, err.Error())
	if o.observer != nil {
		o.observer.TurnCompleted("error", time.Since(start))
	}
	return TextResult{}, err
}

func (o *Orchestrator) finish(span trace.Span, start time.Time, outcome Outcome) {
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if o.observer != nil {
		o.observer.TurnCompleted(string(outcome), time.Since(start))
	}
}

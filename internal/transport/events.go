package transport

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/toolcall"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

// handlers is the subscriber list of one event.
type handlers[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)
}

func (h *handlers[T]) add(fn func(T)) func() {
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[uint64]func(T))
	}
	id := h.nextID
	h.nextID++
	h.fns[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.fns, id)
		h.mu.Unlock()
	}
}

func (h *handlers[T]) snapshot() []func(T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(T), 0, len(h.fns))
	for _, id := range slices.Sorted(maps.Keys(h.fns)) {
		out = append(out, h.fns[id])
	}
	return out
}

// Emitter is the closed event surface of a provider. Each On method returns a
// function that removes the handler. A panicking handler is logged and does not
// stop delivery to the others.
type Emitter struct {
	logger      *slog.Logger
	dispatching atomic.Int32

	stateChange    handlers[voicestate.State]
	moodChange     handlers[domain.Mood]
	messages       handlers[[]domain.Turn]
	userTranscript handlers[string]
	missionChoices handlers[[]domain.MissionSuggestion]
	childName      handlers[string]
	topic          handlers[string]
	progressNote   handlers[string]
	errs           handlers[string]
	end            handlers[struct{}]
}

// NewEmitter creates an Emitter. A nil logger uses slog.Default.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger}
}

func (e *Emitter) OnStateChange(fn func(voicestate.State)) func() { return e.stateChange.add(fn) }
func (e *Emitter) OnMoodChange(fn func(domain.Mood)) func() { return e.moodChange.add(fn) }
func (e *Emitter) OnMessages(fn func([]domain.Turn)) func() { return e.messages.add(fn) }
func (e *Emitter) OnUserTranscript(fn func(string)) func() { return e.userTranscript.add(fn) }
func (e *Emitter) OnMissionChoices(fn func([]domain.MissionSuggestion)) func() {
	return e.missionChoices.add(fn)
}
func (e *Emitter) OnChildName(fn func(string)) func() { return e.childName.add(fn) }
func (e *Emitter) OnTopic(fn func(string)) func() { return e.topic.add(fn) }
func (e *Emitter) OnProgressNote(fn func(string)) func() { return e.progressNote.add(fn) }

// OnError receives human-readable failure messages.
func (e *Emitter) OnError(fn func(string)) func() { return e.errs.add(fn) }

// OnEnd fires once per session when it stops.
func (e *Emitter) OnEnd(fn func()) func() {
	return e.end.add(func(struct{}) { fn() })
}

// Dispatching reports whether a handler is running. Providers use it in Stop
// so a handler that stops the session does not wait on its own goroutine.
func (e *Emitter) Dispatching() bool { return e.dispatching.Load() > 0 }

func (e *Emitter) EmitStateChange(s voicestate.State) { emit(e, "stateChange", &e.stateChange, s) }
func (e *Emitter) EmitMoodChange(m domain.Mood) { emit(e, "moodChange", &e.moodChange, m) }
func (e *Emitter) EmitMessages(turns []domain.Turn) { emit(e, "messages", &e.messages, turns) }
func (e *Emitter) EmitUserTranscript(text string) { emit(e, "userTranscript", &e.userTranscript, text) }
func (e *Emitter) EmitMissionChoices(c []domain.MissionSuggestion) {
	emit(e, "missionChoices", &e.missionChoices, c)
}
func (e *Emitter) EmitChildName(name string) { emit(e, "childName", &e.childName, name) }
func (e *Emitter) EmitTopic(topic string) { emit(e, "topic", &e.topic, topic) }
func (e *Emitter) EmitProgressNote(note string) { emit(e, "progressNote", &e.progressNote, note) }
func (e *Emitter) EmitError(msg string) { emit(e, "error", &e.errs, msg) }
func (e *Emitter) EmitEnd() { emit(e, "end", &e.end, struct{}{}) }

func emit[T any](e *Emitter, name string, h *handlers[T], v T) {
	e.dispatching.Add(1)
	defer e.dispatching.Add(-1)
	for _, fn := range h.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Voice event handler panicked", "event", name, "panic", r)
				}
			}()
			fn(v)
		}()
	}
}

// BindMachine forwards state and mood changes of m to e and returns the unsubscribe func.
func BindMachine(m *voicestate.Machine, e *Emitter) func() {
	last := m.Snapshot()
	var mu sync.Mutex
	return m.Subscribe(func(s voicestate.Snapshot) {
		mu.Lock()
		prev := last
		last = s
		mu.Unlock()
		if s.State != prev.State {
			e.EmitStateChange(s.State)
		}
		if s.Mood != prev.Mood {
			e.EmitMoodChange(s.Mood)
		}
	})
}

// ApplyEffects emits the events produced by one interpreted tool call.
func ApplyEffects(e *Emitter, fx toolcall.Effects) {
	if fx.Mood != nil {
		e.EmitMoodChange(*fx.Mood)
	}
	if fx.ChildName != "" {
		e.EmitChildName(fx.ChildName)
	}
	if fx.Topic != "" {
		e.EmitTopic(fx.Topic)
	}
	if fx.ProgressNote != "" {
		e.EmitProgressNote(fx.ProgressNote)
	}
}

// ApplyReply emits the reply fields shared by every provider that receives a
// full structured reply at once.
func ApplyReply(e *Emitter, reply domain.ChatResponse) {
	if name := reply.ChildName; name != "" {
		e.EmitChildName(name)
	}
	if reply.Topic != "" {
		e.EmitTopic(reply.Topic)
	}
	if reply.MissionProgressNote != "" {
		e.EmitProgressNote(reply.MissionProgressNote)
	}
	if len(reply.MissionChoices) == domain.MissionChoiceCount {
		e.EmitMissionChoices(reply.MissionChoices)
	}
}

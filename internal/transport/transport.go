// Package transport defines the contract every voice transport implements and
// the bookkeeping they share: typed events, generation counters and history.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

// ErrAlreadyStarted is returned by Start on a running provider.
var ErrAlreadyStarted = errors.New("voice session already started")

// Provider owns one live voice session.
type Provider interface {
	// Name identifies the transport, e.g. "native".
	Name() string
	// Start negotiates the session and returns once audio is flowing.
	// Negotiation failures are also reported as an error event.
	Start(ctx context.Context, opts Options) error
	// Stop tears down every resource and emits end. It is safe to call twice
	// and from inside an event handler.
	Stop()
	// SetMuted suspends or resumes capture.
	SetMuted(muted bool)
	// Events returns the subscription surface.
	Events() *Emitter
}

// Options seed a session with what is known about the child.
type Options struct {
	ChildName     string
	Topics        []string
	Messages      []domain.Turn
	Difficulty    domain.DifficultyProfile
	ActiveMission *domain.Mission
	// HistoryLimit caps Messages; zero uses domain.DefaultHistoryLimit.
	HistoryLimit int
}

// Limit returns the effective history cap.
func (o Options) Limit() int {
	if o.HistoryLimit > 0 {
		return o.HistoryLimit
	}
	return domain.DefaultHistoryLimit
}

// Conversation converts the options to a responder context with capped history.
func (o Options) Conversation() domain.ConversationContext {
	return domain.ConversationContext{
		Messages:      domain.CapHistory(o.Messages, o.Limit()),
		ChildName:     o.ChildName,
		Topics:        o.Topics,
		Difficulty:    o.Difficulty,
		ActiveMission: o.ActiveMission,
	}
}

// Generation invalidates stale asynchronous callbacks. Every Start and Stop
// bumps it; a callback that captured an older value must do nothing.
type Generation struct {
	n atomic.Uint64
}

// Bump advances the generation and returns the new value.
func (g *Generation) Bump() uint64 {
	return g.n.Add(1)
}

// Current returns the current generation.
func (g *Generation) Current() uint64 {
	return g.n.Load()
}

// Valid reports whether gen is still current.
func (g *Generation) Valid(gen uint64) bool {
	return g.n.Load() == gen
}

// History is a capped, concurrency-safe conversation log.
type History struct {
	mu    sync.Mutex
	turns []domain.Turn
	limit int
}

// NewHistory seeds a history, applying the cap immediately.
func NewHistory(seed []domain.Turn, limit int) *History {
	if limit <= 0 {
		limit = domain.DefaultHistoryLimit
	}
	return &History{turns: domain.CapHistory(seed, limit), limit: limit}
}

// Append records an exchange and returns a copy of the capped history.
func (h *History) Append(userText, assistantText string) []domain.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = domain.AppendExchange(h.turns, userText, assistantText, h.limit)
	return append([]domain.Turn(nil), h.turns...)
}

// Turns returns a copy of the history.
func (h *History) Turns() []domain.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Turn(nil), h.turns...)
}

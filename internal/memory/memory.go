// Package memory keeps what Turtle Talk remembers about a child between
// sessions: name, recent topics, capped history and the active mission.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/pipeline"
	"github.com/ianktoo/turtle-talk/internal/store"
	"github.com/ianktoo/turtle-talk/internal/transport"
)

const (
	// DefaultTopicLimit is how many recent topics are remembered.
	DefaultTopicLimit = 10

	writeTimeout = 5 * time.Second
	queueSize    = 32
)

// Keeper reads and writes child memory through a store.Repository.
type Keeper struct {
	repo         store.Repository
	historyLimit int
	topicLimit   int
	logger       *slog.Logger
}

// NewKeeper creates a Keeper. Non-positive limits use the defaults.
func NewKeeper(repo store.Repository, historyLimit int, logger *slog.Logger) *Keeper {
	if historyLimit <= 0 {
		historyLimit = domain.DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{repo: repo, historyLimit: historyLimit, topicLimit: DefaultTopicLimit, logger: logger}
}

// HistoryLimit returns the history cap applied to every conversation.
func (k *Keeper) HistoryLimit() int { return k.historyLimit }

// Conversation fills the fields conv leaves empty from stored memory and
// caps the history. Lookup failures are logged and conv is used as given.
func (k *Keeper) Conversation(ctx context.Context, childID string, conv domain.ConversationContext) domain.ConversationContext {
	mem, mission := k.load(ctx, childID)
	if mem != nil {
		if conv.ChildName == "" {
			conv.ChildName = mem.ChildName
		}
		if len(conv.Topics) == 0 {
			conv.Topics = mem.Topics
		}
		if len(conv.Messages) == 0 {
			conv.Messages = mem.Messages
		}
	}
	if conv.ActiveMission == nil {
		conv.ActiveMission = mission
	}
	conv.Messages = domain.CapHistory(conv.Messages, k.historyLimit)
	return conv
}

// Options is Conversation for transport options.
func (k *Keeper) Options(ctx context.Context, childID string, opts transport.Options) transport.Options {
	conv := k.Conversation(ctx, childID, domain.ConversationContext{
		Messages:      opts.Messages,
		ChildName:     opts.ChildName,
		Topics:        opts.Topics,
		Difficulty:    opts.Difficulty,
		ActiveMission: opts.ActiveMission,
	})
	opts.ChildName = conv.ChildName
	opts.Topics = conv.Topics
	opts.Messages = conv.Messages
	opts.ActiveMission = conv.ActiveMission
	opts.HistoryLimit = k.historyLimit
	return opts
}

func (k *Keeper) load(ctx context.Context, childID string) (*domain.Memory, *domain.Mission) {
	mem, err := k.repo.GetMemory(ctx, childID)
	if err != nil {
		k.logger.Warn("Failed to load memory", "child_id", childID, "error", err)
	}
	mission, err := k.repo.GetActiveMission(ctx, childID)
	if err != nil {
		k.logger.Warn("Failed to load active mission", "child_id", childID, "error", err)
	}
	return mem, mission
}

// RecordTurn stores the exchange of a completed turn on top of history.
// Only turns the pipeline answered normally are remembered; blocked and
// empty turns leave memory untouched.
func (k *Keeper) RecordTurn(ctx context.Context, childID string, history []domain.Turn, res pipeline.TextResult) error {
	if res.Outcome != pipeline.OutcomeOK {
		return nil
	}
	return k.update(ctx, childID, func(m *domain.Memory) {
		m.Messages = domain.AppendExchange(history, res.UserText, res.ResponseText, k.historyLimit)
		if res.ChildName != "" {
			m.ChildName = res.ChildName
		}
		m.AddTopic(res.Topic, k.topicLimit)
	})
}

func (k *Keeper) update(ctx context.Context, childID string, fn func(*domain.Memory)) error {
	mem, err := k.repo.GetMemory(ctx, childID)
	if err != nil {
		return fmt.Errorf("load memory: %w", err)
	}
	if mem == nil {
		mem = &domain.Memory{ChildID: childID}
	}
	fn(mem)
	if err := k.repo.SaveMemory(ctx, mem); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// Track persists the memory-relevant events of a live session in the
// background, in the order they were emitted. The returned func unsubscribes
// and waits for pending writes.
func (k *Keeper) Track(childID string, e *transport.Emitter) func() {
	var (
		mu      sync.Mutex
		closed  bool
		updates = make(chan func(*domain.Memory), queueSize)
		done    = make(chan struct{})
	)

	go func() {
		defer close(done)
		for fn := range updates {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := k.update(ctx, childID, fn); err != nil {
				k.logger.Warn("Failed to update memory", "child_id", childID, "error", err)
			}
			cancel()
		}
	}()

	push := func(fn func(*domain.Memory)) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case updates <- fn:
		default:
			k.logger.Warn("Memory update queue full, dropping update", "child_id", childID)
		}
	}

	unsubs := []func(){
		e.OnMessages(func(turns []domain.Turn) {
			turns = domain.CapHistory(append([]domain.Turn(nil), turns...), k.historyLimit)
			push(func(m *domain.Memory) { m.Messages = turns })
		}),
		e.OnChildName(func(name string) {
			push(func(m *domain.Memory) { m.ChildName = name })
		}),
		e.OnTopic(func(topic string) {
			push(func(m *domain.Memory) { m.AddTopic(topic, k.topicLimit) })
		}),
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
			mu.Lock()
			closed = true
			close(updates)
			mu.Unlock()
			<-done
		})
	}
}

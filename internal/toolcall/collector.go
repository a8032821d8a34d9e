package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

var (
	// ErrMalformedArguments is returned when call arguments cannot be decoded, even after repair.
	ErrMalformedArguments = errors.New("malformed tool arguments")
	// ErrUnknownTool is returned for a call outside the five known tools.
	ErrUnknownTool = errors.New("unknown tool")
)

// Call is a tool invocation in flight within one model response.
type Call struct {
	ID        string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Effects are the signals a call produces immediately.
type Effects struct {
	Mood         *domain.Mood
	ChildName    string
	Topic        string
	ProgressNote string
}

// Decode unmarshals tool arguments, repairing syntactically broken JSON first.
func Decode(data string, v any) error {
	if strings.TrimSpace(data) == "" {
		data = "{}"
	}
	err := json.Unmarshal([]byte(data), v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return fmt.Errorf("%w: %w", ErrMalformedArguments, err)
	}
	fixed, repairErr := jsonrepair.JSONRepair(data)
	if repairErr != nil {
		return fmt.Errorf("%w: %w", ErrMalformedArguments, repairErr)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedArguments, err)
	}
	return nil
}

type moodArgs struct {
	Mood string `json:"mood"`
}

type missionArgs struct {
	Choices []domain.MissionSuggestion `json:"choices"`
}

type childInfoArgs struct {
	ChildName string `json:"childName"`
	Topic     string `json:"topic"`
}

type progressArgs struct {
	Note      string `json:"note"`
	Completed bool   `json:"completed"`
}

// Collector interprets the tool calls of a live session. Mission proposals are
// buffered until the model turn completes; an end request stays pending until
// the next natural stopping point consumes it.
type Collector struct {
	mu         sync.Mutex
	logger     *slog.Logger
	missions   []domain.MissionSuggestion
	pendingEnd bool
}

// NewCollector creates a Collector. A nil logger uses slog.Default.
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{logger: logger}
}

// Handle interprets one call. A malformed or unknown call returns an error and
// has no effect; the caller skips it and the turn continues.
func (c *Collector) Handle(call Call) (Effects, error) {
	switch call.Name {
	case ReportMood:
		var args moodArgs
		if err := Decode(call.Arguments, &args); err != nil {
			return Effects{}, c.skip(call, err)
		}
		mood := domain.MoodOrDefault(args.Mood)
		return Effects{Mood: &mood}, nil

	case ProposeMissions:
		var args missionArgs
		if err := Decode(call.Arguments, &args); err != nil {
			return Effects{}, c.skip(call, err)
		}
		c.mu.Lock()
		c.missions = args.Choices
		c.mu.Unlock()
		return Effects{}, nil

	case EndConversation:
		c.mu.Lock()
		c.pendingEnd = true
		c.mu.Unlock()
		return Effects{}, nil

	case NoteChildInfo:
		var args childInfoArgs
		if err := Decode(call.Arguments, &args); err != nil {
			return Effects{}, c.skip(call, err)
		}
		return Effects{
			ChildName: strings.TrimSpace(args.ChildName),
			Topic:     strings.TrimSpace(args.Topic),
		}, nil

	case AcknowledgeMissionProgress:
		var args progressArgs
		if err := Decode(call.Arguments, &args); err != nil {
			return Effects{}, c.skip(call, err)
		}
		c.logger.Info("Mission progress acknowledged", "note", args.Note, "completed", args.Completed)
		return Effects{ProgressNote: strings.TrimSpace(args.Note)}, nil

	default:
		return Effects{}, c.skip(call, ErrUnknownTool)
	}
}

func (c *Collector) skip(call Call, err error) error {
	c.logger.Warn("Skipping tool call", "tool", call.Name, "call_id", call.ID, "error", err)
	return fmt.Errorf("tool %s: %w", call.Name, err)
}

// CompleteTurn drains the mission proposal buffered during the turn. Fewer than
// three choices are rejected; extra choices beyond three are dropped.
func (c *Collector) CompleteTurn() []domain.MissionSuggestion {
	c.mu.Lock()
	choices := c.missions
	c.missions = nil
	c.mu.Unlock()

	if len(choices) < domain.MissionChoiceCount {
		if len(choices) > 0 {
			c.logger.Warn("Rejecting mission proposal", "count", len(choices))
		}
		return nil
	}
	return domain.NormalizeMissionChoices(choices[:domain.MissionChoiceCount])
}

// PendingEnd reports whether an end request is waiting for a stopping point.
func (c *Collector) PendingEnd() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingEnd
}

// ConsumeEnd clears and returns the pending end flag.
func (c *Collector) ConsumeEnd() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	end := c.pendingEnd
	c.pendingEnd = false
	return end
}

// DiscardMissions drops a buffered mission proposal. A pending end survives.
func (c *Collector) DiscardMissions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missions = nil
}

// Reset discards all buffered state.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missions = nil
	c.pendingEnd = false
}

// Output is the JSON result returned to the model for a handled call.
func Output(err error) string {
	if err != nil {
		return `{"ok":false,"error":"invalid arguments"}`
	}
	return `{"ok":true}`
}

package turnstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/pipeline"
	"github.com/ianktoo/turtle-talk/internal/speech"
)

// ContentType is the media type of a turn stream.
const ContentType = "application/x-ndjson"

// Writer encodes events one per line and flushes after each when the
// underlying writer supports it.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	enc     *json.Encoder
	flusher http.Flusher
	phase   phase
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w, enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Write emits ev, rejecting events that break the stream order.
func (w *Writer) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := w.phase.advance(ev.Type)
	if err != nil {
		return fmt.Errorf("%w: %s", err, ev.Type)
	}
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	w.phase = next
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Replied reports whether a meta or error event has been written.
func (w *Writer) Replied() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase >= phaseReply
}

// Read yields the events of a stream in order. Lines may be arbitrarily long;
// partial lines are buffered until their newline or the end of input. Iteration
// stops after the first error.
func Read(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		br := bufio.NewReader(r)
		p := phaseStart
		for {
			line, readErr := br.ReadBytes('\n')
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				var ev Event
				if err := json.Unmarshal(line, &ev); err != nil {
					yield(Event{}, fmt.Errorf("decode turn event: %w", err))
					return
				}
				next, err := p.advance(ev.Type)
				if err != nil {
					yield(Event{}, fmt.Errorf("%w: %s", err, ev.Type))
					return
				}
				p = next
				if !yield(ev, nil) {
					return
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					yield(Event{}, fmt.Errorf("read turn stream: %w", readErr))
					return
				}
				if p < phaseReply {
					yield(Event{}, ErrIncomplete)
				}
				return
			}
		}
	}
}

// Processor runs a turn with intermediate callbacks. *pipeline.Orchestrator implements it.
type Processor interface {
	ProcessWithHooks(ctx context.Context, clip speech.Clip, conv domain.ConversationContext, hooks pipeline.Hooks) (pipeline.Result, error)
}

// apologyText is sent in error events; causes stay in the logs.
const apologyText = "Oops, my shell got stuck. Can you say that again?"

// Run processes clip and writes the resulting stream to w. Any stage failure,
// synthesis included, becomes the stream's error event. The returned error is
// only for logging.
func Run(ctx context.Context, w *Writer, proc Processor, clip speech.Clip, conv domain.ConversationContext, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var writeErr error
	write := func(ev Event) {
		if writeErr != nil {
			return
		}
		writeErr = w.Write(ev)
	}

	res, err := proc.ProcessWithHooks(ctx, clip, conv, pipeline.Hooks{
		OnTranscript: func(text string) { write(UserText(text)) },
		OnReply:      func(r pipeline.TextResult) { write(Meta(r)) },
	})
	if err != nil {
		var se *pipeline.StageError
		stage := ""
		if errors.As(err, &se) {
			stage = string(se.Stage)
		}
		if !w.Replied() {
			write(Error(apologyText))
		} else {
			logger.Warn("Turn failed after reply was sent", "stage", stage, "error", err)
		}
		if writeErr != nil {
			return errors.Join(err, writeErr)
		}
		return err
	}

	if res.Audio != nil {
		write(Audio(res.Audio.Data, res.Audio.MIMEType))
	}
	return writeErr
}

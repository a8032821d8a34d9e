// Package turnstream carries one turn's results as newline-delimited JSON.
//
// A stream holds, in order: at most one user_text event, exactly one meta or
// error event, and at most one audio event.
package turnstream

import (
	"errors"

	"github.com/ianktoo/turtle-talk/internal/pipeline"
)

// EventType is the discriminator of a stream event.
type EventType string

const (
	EventUserText EventType = "user_text"
	EventMeta     EventType = "meta"
	EventError    EventType = "error"
	EventAudio    EventType = "audio"
)

var (
	// ErrOutOfOrder is returned when events violate the stream grammar.
	ErrOutOfOrder = errors.New("turn stream event out of order")
	// ErrIncomplete is returned when a stream ends before its meta or error event.
	ErrIncomplete = errors.New("turn stream ended without a reply")
	// ErrUnknownEvent is returned for an unrecognized event type.
	ErrUnknownEvent = errors.New("unknown turn stream event")
)

// Event is one line of a turn stream. Audio is base64 on the wire.
type Event struct {
	Type     EventType            `json:"type"`
	Text     string               `json:"text,omitempty"`
	Meta     *pipeline.TextResult `json:"meta,omitempty"`
	Error    string               `json:"error,omitempty"`
	Audio    []byte               `json:"audio,omitempty"`
	MIMEType string               `json:"mimeType,omitempty"`
}

// UserText returns an early transcript event.
func UserText(text string) Event {
	return Event{Type: EventUserText, Text: text}
}

// Meta returns the structured reply event.
func Meta(res pipeline.TextResult) Event {
	return Event{Type: EventMeta, Meta: &res}
}

// Error returns an error event carrying a message safe to show a child's parent.
func Error(msg string) Event {
	return Event{Type: EventError, Error: msg}
}

// Audio returns the synthesized speech event.
func Audio(data []byte, mimeType string) Event {
	return Event{Type: EventAudio, Audio: data, MIMEType: mimeType}
}

// phase tracks position in the stream grammar.
type phase int

const (
	phaseStart phase = iota
	phaseTranscript
	phaseReply
	phaseDone
)

// advance returns the phase after ev, or ErrOutOfOrder.
func (p phase) advance(ev EventType) (phase, error) {
	switch ev {
	case EventUserText:
		if p == phaseStart {
			return phaseTranscript, nil
		}
	case EventMeta, EventError:
		if p == phaseStart || p == phaseTranscript {
			return phaseReply, nil
		}
	case EventAudio:
		if p == phaseReply {
			return phaseDone, nil
		}
	default:
		return p, ErrUnknownEvent
	}
	return p, ErrOutOfOrder
}

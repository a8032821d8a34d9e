// Package speech provides speech-to-text and text-to-speech backends.
package speech

import (
	"context"
	"errors"
)

var (
	// ErrEmptyAudio is returned when a clip has no bytes.
	ErrEmptyAudio = errors.New("audio data is empty")
	// ErrEmptyText is returned when asked to synthesize blank text.
	ErrEmptyText = errors.New("text is empty")
	// ErrNoAudio is returned when a synthesis response carries no audio.
	ErrNoAudio = errors.New("no audio in response")
)

// Clip is a captured audio recording.
type Clip struct {
	Data     []byte
	MIMEType string
}

// Audio is a playable synthesized buffer.
type Audio struct {
	Data     []byte
	MIMEType string
}

// Transcriber converts a recorded clip to text.
// Silent input the backend reports as containing no speech yields "" and a nil error.
type Transcriber interface {
	Transcribe(ctx context.Context, clip Clip) (string, error)
}

// Synthesizer converts reply text to playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// fileName picks an upload name whose extension matches the clip type.
func fileName(mimeType string) string {
	switch mimeType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "clip.wav"
	case "audio/mpeg", "audio/mp3":
		return "clip.mp3"
	case "audio/ogg", "audio/ogg;codecs=opus":
		return "clip.ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "clip.m4a"
	default:
		return "clip.webm"
	}
}

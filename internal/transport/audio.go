package transport

import (
	"context"
	"errors"

	"github.com/ianktoo/turtle-talk/internal/speech"
)

// ErrDeviceClosed is returned by audio devices after Close.
var ErrDeviceClosed = errors.New("audio device closed")

// Microphone is a capture device for turn-based providers. Frames are 16-bit
// little-endian mono PCM.
type Microphone interface {
	// Sample returns the most recent frame, or nil when none has arrived yet.
	Sample() ([]byte, error)
	StartRecording() error
	// StopRecording ends the current recording and returns it as a clip.
	StopRecording() (speech.Clip, error)
	Suspend() error
	Resume() error
	Close() error
}

// Speaker plays a complete reply.
type Speaker interface {
	// Play blocks until playback finishes or ctx is done.
	Play(ctx context.Context, audio speech.Audio) error
}

// PCMSource streams capture frames to providers that upload continuous audio.
type PCMSource interface {
	// ReadFrame blocks for the next frame.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// AudioSink receives reply audio as it streams from a remote model.
type AudioSink interface {
	WriteChunk(data []byte, mimeType string) error
	// Flush discards queued audio, e.g. when the child interrupts.
	Flush()
}

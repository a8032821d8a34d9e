// Package bridge adapts a remote client's audio stream to the local device
// interfaces, so a server can run the same voice session a device would.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/transport"
)

// DefaultSampleRate is the rate clients are expected to stream at.
const DefaultSampleRate = 16000

// ErrRecordingTooLong is returned when a recording exceeds its cap.
var ErrRecordingTooLong = errors.New("recording too long")

// Microphone is fed 16-bit mono PCM frames by the connection that owns it.
type Microphone struct {
	sampleRate int
	maxBytes   int

	mu        sync.Mutex
	latest    []byte
	recording bool
	buf       []byte
	suspended bool
	closed    bool
}

// NewMicrophone creates a stream-fed microphone. maxSeconds caps a single
// recording; zero means 60 seconds.
func NewMicrophone(sampleRate, maxSeconds int) *Microphone {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if maxSeconds <= 0 {
		maxSeconds = 60
	}
	return &Microphone{sampleRate: sampleRate, maxBytes: sampleRate * 2 * maxSeconds}
}

// Feed delivers one frame from the client. Frames are dropped while suspended.
func (m *Microphone) Feed(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transport.ErrDeviceClosed
	}
	if m.suspended {
		return nil
	}
	m.latest = append(m.latest[:0], frame...)
	if m.recording {
		if len(m.buf)+len(frame) > m.maxBytes {
			return ErrRecordingTooLong
		}
		m.buf = append(m.buf, frame...)
	}
	return nil
}

// Sample implements transport.Microphone.
func (m *Microphone) Sample() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, transport.ErrDeviceClosed
	}
	if m.latest == nil {
		return nil, nil
	}
	return append([]byte(nil), m.latest...), nil
}

// StartRecording implements transport.Microphone.
func (m *Microphone) StartRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transport.ErrDeviceClosed
	}
	m.recording = true
	m.buf = m.buf[:0]
	return nil
}

// StopRecording implements transport.Microphone. The clip is a WAV file.
func (m *Microphone) StopRecording() (speech.Clip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return speech.Clip{}, transport.ErrDeviceClosed
	}
	if !m.recording {
		return speech.Clip{}, errors.New("not recording")
	}
	m.recording = false
	pcm := m.buf
	m.buf = nil
	return speech.Clip{Data: speech.WrapPCM(pcm, m.sampleRate, 1, 16), MIMEType: "audio/wav"}, nil
}

// Suspend implements transport.Microphone.
func (m *Microphone) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = true
	m.latest = nil
	return nil
}

// Resume implements transport.Microphone.
func (m *Microphone) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transport.ErrDeviceClosed
	}
	m.suspended = false
	return nil
}

// Close implements transport.Microphone.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.latest = nil
	m.buf = nil
	return nil
}

var _ transport.Microphone = (*Microphone)(nil)

// Source queues client frames for providers that upload continuous audio.
// When the consumer falls behind the oldest frame is dropped.
type Source struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewSource creates a source holding up to depth frames.
func NewSource(depth int) *Source {
	if depth <= 0 {
		depth = 64
	}
	return &Source{frames: make(chan []byte, depth), done: make(chan struct{})}
}

// Feed queues one frame.
func (s *Source) Feed(frame []byte) {
	frame = append([]byte(nil), frame...)
	for {
		select {
		case <-s.done:
			return
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

// ReadFrame implements transport.PCMSource.
func (s *Source) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, transport.ErrDeviceClosed
	case f := <-s.frames:
		return f, nil
	}
}

// Close implements transport.PCMSource.
func (s *Source) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

var _ transport.PCMSource = (*Source)(nil)

// SendFunc delivers reply audio to the client.
type SendFunc func(ctx context.Context, audio speech.Audio) error

// Speaker sends each reply to the client and blocks until the client
// acknowledges that playback finished.
type Speaker struct {
	send SendFunc

	mu  sync.Mutex
	ack chan struct{}
}

// NewSpeaker creates an ack-gated speaker.
func NewSpeaker(send SendFunc) *Speaker {
	return &Speaker{send: send}
}

// Play implements transport.Speaker.
func (s *Speaker) Play(ctx context.Context, audio speech.Audio) error {
	ack := make(chan struct{})
	s.mu.Lock()
	s.ack = ack
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ack == ack {
			s.ack = nil
		}
		s.mu.Unlock()
	}()

	if err := s.send(ctx, audio); err != nil {
		return fmt.Errorf("send reply audio: %w", err)
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack reports that the client finished playing the current reply. Acks with
// nothing playing are ignored.
func (s *Speaker) Ack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ack != nil {
		close(s.ack)
		s.ack = nil
	}
}

var _ transport.Speaker = (*Speaker)(nil)

// ChunkFunc delivers one streamed reply chunk; a nil data slice means flush.
type ChunkFunc func(data []byte, mimeType string) error

// Sink forwards streamed reply audio to the client.
type Sink struct {
	send ChunkFunc
}

// NewSink creates a sink.
func NewSink(send ChunkFunc) *Sink { return &Sink{send: send} }

// WriteChunk implements transport.AudioSink.
func (s *Sink) WriteChunk(data []byte, mimeType string) error {
	if len(data) == 0 {
		return nil
	}
	return s.send(data, mimeType)
}

// Flush implements transport.AudioSink.
func (s *Sink) Flush() {
	_ = s.send(nil, "")
}

var _ transport.AudioSink = (*Sink)(nil)

// Package relay is the room-relay transport: the device streams microphone
// audio to a Turtle Talk relay over gRPC and plays the replies it sends back.
// The conversation itself runs on the server.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/ianktoo/turtle-talk/internal/bridge"
	rpc "github.com/ianktoo/turtle-talk/internal/relay"
	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/transport"
)

// Name identifies this transport.
const Name = "relay"

// Messages shown to the child; causes go to the log.
const (
	msgConnect      = "I couldn't reach the ocean. Let's try again in a moment."
	msgDisconnected = "Oh no, the waves pulled me away. Can we start again?"
	msgMicrophone   = "I can't hear you. Is the microphone on?"
)

// Dial creates a client connection to the relay at target. No network I/O
// happens until the first stream.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("create relay client for %s: %w", target, err)
	}
	return conn, nil
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider implements transport.Provider over a relay Join stream.
type Provider struct {
	conn    grpc.ClientConnInterface
	tokens  TokenSource
	source  transport.PCMSource
	speaker transport.Speaker
	logger  *slog.Logger

	events *transport.Emitter
	gen    transport.Generation

	sendMu sync.Mutex

	mu          sync.Mutex
	running     bool
	muted       bool
	remoteEnded bool
	stream      rpc.JoinClient
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a relay provider on conn. source supplies 16 kHz PCM frames and
// speaker plays each reply before it is acknowledged.
func New(conn grpc.ClientConnInterface, tokens TokenSource, source transport.PCMSource, speaker transport.Speaker, opts ...Option) *Provider {
	p := &Provider{conn: conn, tokens: tokens, source: source, speaker: speaker, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", Name)
	p.events = transport.NewEmitter(p.logger)
	return p
}

// Name implements transport.Provider.
func (p *Provider) Name() string { return Name }

// Events implements transport.Provider.
func (p *Provider) Events() *transport.Emitter { return p.events }

// Start joins the relay and starts the remote session.
func (p *Provider) Start(ctx context.Context, opts transport.Options) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	p.running = true
	p.muted = false
	p.remoteEnded = false
	gen := p.gen.Bump()
	p.mu.Unlock()

	stream, cancel, err := p.join(ctx, opts)
	if err != nil {
		p.mu.Lock()
		if p.gen.Valid(gen) {
			p.running = false
		}
		p.mu.Unlock()
		p.logger.Error("Failed to join relay", "error", err)
		p.events.EmitError(msgConnect)
		return err
	}

	p.mu.Lock()
	if !p.gen.Valid(gen) {
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("start superseded: %w", context.Canceled)
	}
	p.stream = stream
	p.cancel = cancel
	p.wg.Add(2)
	p.mu.Unlock()

	streamCtx := stream.Context()
	go p.recvLoop(streamCtx, gen, stream)
	go p.pump(streamCtx, gen)
	p.logger.Info("Relay session started")
	return nil
}

func (p *Provider) join(ctx context.Context, opts transport.Options) (rpc.JoinClient, context.CancelFunc, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("get relay token: %w", err)
	}

	// The stream outlives Start's context.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, rpc.MetadataKey, "Bearer "+token)
	stream, err := rpc.Join(streamCtx, p.conn, grpc.WaitForReady(true))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("join relay: %w", err)
	}
	if err := p.sendOn(stream, bridge.Message{Type: bridge.TypeStart, Options: bridge.NewStartOptions(opts)}); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("send start: %w", err)
	}
	return stream, cancel, nil
}

func (p *Provider) sendOn(stream rpc.JoinClient, msg bridge.Message) error {
	frame, err := rpc.Encode(msg)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return stream.Send(frame)
}

func (p *Provider) send(gen uint64, msg bridge.Message) {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil || !p.gen.Valid(gen) {
		return
	}
	if err := p.sendOn(stream, msg); err != nil {
		p.logger.Debug("Failed to send relay message", "type", msg.Type, "error", err)
	}
}

func (p *Provider) recvLoop(ctx context.Context, gen uint64, stream rpc.JoinClient) {
	defer p.wg.Done()
	for {
		frame, err := stream.Recv()
		if err != nil {
			p.mu.Lock()
			active := p.running && p.gen.Valid(gen)
			ended := p.remoteEnded
			p.mu.Unlock()
			if active {
				if !errors.Is(err, io.EOF) {
					p.logger.Warn("Relay stream failed", "error", err)
				}
				if !ended {
					p.events.EmitError(msgDisconnected)
				}
				go p.stopGen(gen)
			}
			return
		}
		if !p.gen.Valid(gen) {
			return
		}

		msg, err := rpc.Decode(frame)
		if err != nil {
			p.logger.Debug("Ignoring malformed frame", "error", err)
			continue
		}
		switch msg.Type {
		case bridge.TypeAudio:
			p.wg.Add(1)
			go p.play(ctx, gen, speech.Audio{Data: msg.Audio, MIMEType: msg.MIMEType})
		case bridge.TypePong:
		case bridge.TypeEnd:
			p.mu.Lock()
			p.remoteEnded = true
			p.mu.Unlock()
			p.events.EmitEnd()
			go p.stopGen(gen)
		default:
			if !bridge.Dispatch(p.events, msg) {
				p.logger.Debug("Ignoring relay message", "type", msg.Type)
			}
		}
	}
}

// play plays one reply and acknowledges it so the remote session can listen
// again.
func (p *Provider) play(ctx context.Context, gen uint64, audio speech.Audio) {
	defer p.wg.Done()
	if err := p.speaker.Play(ctx, audio); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("Failed to play reply", "error", err)
	}
	p.send(gen, bridge.Message{Type: bridge.TypeAck})
}

func (p *Provider) pump(ctx context.Context, gen uint64) {
	defer p.wg.Done()
	for {
		frame, err := p.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrDeviceClosed) {
				return
			}
			p.logger.Error("Microphone failed", "error", err)
			p.events.EmitError(msgMicrophone)
			go p.stopGen(gen)
			return
		}
		p.mu.Lock()
		muted := p.muted
		p.mu.Unlock()
		if muted {
			continue
		}
		p.send(gen, bridge.Message{Type: bridge.TypeAudio, Audio: frame})
	}
}

func (p *Provider) stopGen(gen uint64) {
	if p.gen.Valid(gen) {
		p.Stop()
	}
}

// SetMuted stops uploading audio and mutes the remote session.
func (p *Provider) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	gen := p.gen.Current()
	p.mu.Unlock()
	p.send(gen, bridge.Message{Type: bridge.TypeMute, Muted: muted})
}

// Stop asks the relay to end the session, closes the stream and emits end.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	gen := p.gen.Current()
	stream, cancel, remoteEnded := p.stream, p.cancel, p.remoteEnded
	p.mu.Unlock()

	if stream != nil && !remoteEnded {
		p.send(gen, bridge.Message{Type: bridge.TypeStop})
		p.sendMu.Lock()
		_ = stream.CloseSend()
		p.sendMu.Unlock()
	}

	p.mu.Lock()
	p.gen.Bump()
	p.stream, p.cancel = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !p.events.Dispatching() {
		p.wg.Wait()
	}
	if !remoteEnded {
		p.events.EmitEnd()
	}
	p.logger.Info("Relay session ended")
}

var _ transport.Provider = (*Provider)(nil)

// Package registry builds the voice provider named by configuration.
package registry

import (
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
	"google.golang.org/grpc"

	"github.com/ianktoo/turtle-talk/internal/config"
	"github.com/ianktoo/turtle-talk/internal/transport"
	"github.com/ianktoo/turtle-talk/internal/transport/multimodal"
	"github.com/ianktoo/turtle-talk/internal/transport/native"
	"github.com/ianktoo/turtle-talk/internal/transport/realtime"
	"github.com/ianktoo/turtle-talk/internal/transport/relay"
	"github.com/ianktoo/turtle-talk/internal/transport/telephony"
)

// ErrMissingDependency is returned when the chosen provider lacks a
// collaborator it needs.
var ErrMissingDependency = errors.New("missing provider dependency")

// Deps are the devices and clients a provider may need. Each provider uses
// only its own subset.
type Deps struct {
	// Native: local capture, playback and the turn pipeline.
	OpenMicrophone native.MicrophoneOpener
	Speaker        transport.Speaker
	Runner         native.TurnRunner

	// Streaming providers: continuous capture and streamed playback.
	Source transport.PCMSource
	Sink   transport.AudioSink

	RealtimeTokens realtime.TokenSource
	TelephonyURLs  telephony.URLSource
	RelayConn      grpc.ClientConnInterface
	RelayTokens    relay.TokenSource
	Gemini         *genai.Client

	Logger *slog.Logger
}

// New returns the provider selected by cfg.VoiceProvider.
func New(cfg *config.Config, deps Deps) (transport.Provider, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.VAD.IdleSeconds

	switch cfg.VoiceProvider {
	case config.ProviderNative, "":
		if deps.OpenMicrophone == nil || deps.Speaker == nil || deps.Runner == nil {
			return nil, missing(config.ProviderNative, "microphone, speaker and turn runner")
		}
		return native.New(native.Config{
			VAD: native.VADConfig{
				Threshold:    cfg.VAD.Threshold,
				Attack:       cfg.VAD.Attack,
				Release:      cfg.VAD.Release,
				PollInterval: cfg.VAD.PollInterval,
				MinClipBytes: cfg.VAD.MinClipBytes,
			},
			IdleSeconds: idle,
		}, deps.OpenMicrophone, deps.Speaker, deps.Runner, native.WithLogger(logger)), nil

	case config.ProviderRealtime:
		if err := streaming(config.ProviderRealtime, deps); err != nil {
			return nil, err
		}
		if deps.RealtimeTokens == nil {
			return nil, missing(config.ProviderRealtime, "token source")
		}
		return realtime.New(realtime.Config{
			Model:       cfg.OpenAI.RealtimeModel,
			Voice:       cfg.OpenAI.RealtimeVoice,
			IdleSeconds: idle,
		}, deps.RealtimeTokens, deps.Source, deps.Sink, realtime.WithLogger(logger)), nil

	case config.ProviderTelephony:
		if err := streaming(config.ProviderTelephony, deps); err != nil {
			return nil, err
		}
		if deps.TelephonyURLs == nil {
			return nil, missing(config.ProviderTelephony, "signed url source")
		}
		return telephony.New(telephony.Config{IdleSeconds: idle},
			deps.TelephonyURLs, deps.Source, deps.Sink, telephony.WithLogger(logger)), nil

	case config.ProviderRelay:
		if deps.Source == nil || deps.Speaker == nil {
			return nil, missing(config.ProviderRelay, "audio source and speaker")
		}
		if deps.RelayTokens == nil {
			return nil, missing(config.ProviderRelay, "token source")
		}
		conn := deps.RelayConn
		if conn == nil {
			c, err := relay.Dial(cfg.Relay.Target)
			if err != nil {
				return nil, err
			}
			conn = c
		}
		return relay.New(conn, deps.RelayTokens, deps.Source, deps.Speaker, relay.WithLogger(logger)), nil

	case config.ProviderMultimodal:
		if err := streaming(config.ProviderMultimodal, deps); err != nil {
			return nil, err
		}
		if deps.Gemini == nil {
			return nil, missing(config.ProviderMultimodal, "Gemini client")
		}
		return multimodal.New(multimodal.Config{
			Model:       cfg.Gemini.LiveModel,
			Voice:       cfg.Gemini.Voice,
			IdleSeconds: idle,
		}, deps.Gemini, deps.Source, deps.Sink, multimodal.WithLogger(logger)), nil
	}
	return nil, fmt.Errorf("unknown voice provider %q", cfg.VoiceProvider)
}

func streaming(name string, deps Deps) error {
	if deps.Source == nil || deps.Sink == nil {
		return missing(name, "audio source and sink")
	}
	return nil
}

func missing(provider, what string) error {
	return fmt.Errorf("%w: %s provider needs %s", ErrMissingDependency, provider, what)
}

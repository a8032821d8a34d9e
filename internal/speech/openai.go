package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures the OpenAI speech backends.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	TranscribeModel string
	SpeechModel     string
	Voice           string
	HTTPClient      *http.Client
}

// NewOpenAIClient builds an API client from cfg.
func NewOpenAIClient(cfg OpenAIConfig) *openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	return &client
}

// OpenAITranscriber transcribes clips with the audio transcription endpoint.
type OpenAITranscriber struct {
	client *openai.Client
	model  string
}

// NewOpenAITranscriber creates a transcriber. An empty model defaults to whisper-1.
func NewOpenAITranscriber(client *openai.Client, model string) *OpenAITranscriber {
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &OpenAITranscriber{client: client, model: model}
}

// Transcribe implements Transcriber.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, clip Clip) (string, error) {
	if len(clip.Data) == 0 {
		return "", ErrEmptyAudio
	}

	file := openai.File(bytes.NewReader(clip.Data), fileName(clip.MIMEType), clip.MIMEType)
	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  file,
		Model: openai.AudioModel(t.model),
	})
	if err != nil {
		if isNoSpeech(err) {
			return "", nil
		}
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}

// isNoSpeech reports whether the backend rejected the clip for containing no usable speech.
func isNoSpeech(err error) bool {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "too short") || strings.Contains(msg, "no speech")
}

// OpenAISynthesizer speaks text with the audio speech endpoint, returning WAV.
type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
}

// NewOpenAISynthesizer creates a synthesizer. Empty values default to tts-1 and the "fable" voice.
func NewOpenAISynthesizer(client *openai.Client, model, voice string) *OpenAISynthesizer {
	if model == "" {
		model = string(openai.SpeechModelTTS1)
	}
	if voice == "" {
		voice = "fable"
	}
	return &OpenAISynthesizer{client: client, model: model, voice: voice}
}

// Synthesize implements Synthesizer. The endpoint is asked for raw PCM, which is wrapped as WAV.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, ErrEmptyText
	}

	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("openai speech: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read speech body: %w", err)
	}
	if len(pcm) == 0 {
		return Audio{}, ErrNoAudio
	}
	if IsWAV(pcm) {
		return Audio{Data: pcm, MIMEType: "audio/wav"}, nil
	}
	return Audio{
		Data:     WrapPCM(pcm, PCMSampleRate, PCMChannels, PCMBitsPerSample),
		MIMEType: "audio/wav",
	}, nil
}

package speech

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiSynthesizer speaks text with a Gemini TTS model. The model returns
// headerless 24 kHz PCM, which is wrapped as WAV.
type GeminiSynthesizer struct {
	client *genai.Client
	model  string
	voice  string
}

// NewGeminiSynthesizer creates a synthesizer. Empty values default to a flash TTS model and the "Puck" voice.
func NewGeminiSynthesizer(client *genai.Client, model, voice string) *GeminiSynthesizer {
	if model == "" {
		model = "gemini-2.5-flash-preview-tts"
	}
	if voice == "" {
		voice = "Puck"
	}
	return &GeminiSynthesizer{client: client, model: model, voice: voice}
}

// Synthesize implements Synthesizer.
func (s *GeminiSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, ErrEmptyText
	}

	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	})
	if err != nil {
		return Audio{}, fmt.Errorf("gemini speech: %w", err)
	}

	pcm := inlineAudio(resp)
	if len(pcm) == 0 {
		return Audio{}, ErrNoAudio
	}
	return Audio{
		Data:     WrapPCM(pcm, PCMSampleRate, PCMChannels, PCMBitsPerSample),
		MIMEType: "audio/wav",
	}, nil
}

func inlineAudio(resp *genai.GenerateContentResponse) []byte {
	if resp == nil {
		return nil
	}
	var out []byte
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil {
				out = append(out, part.InlineData.Data...)
			}
		}
		if len(out) > 0 {
			break
		}
	}
	return out
}

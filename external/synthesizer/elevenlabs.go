package synthesizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/foxseedlab/teno/internal/audio"
	"github.com/haguro/elevenlabs-go"
	"github.com/hajimehoshi/go-mp3"
)

const (
	defaultElevenLabsModel = "eleven_turbo_v2_5"
	elevenLabsTimeout      = 30 * time.Second
)

type ElevenLabsConfig struct {
	APIKey string
	Model  string
	Voice  string
}

type textToSpeechFunc func(ctx context.Context, voiceID string, req elevenlabs.TextToSpeechRequest) ([]byte, error)

type ElevenLabsSynthesizer struct {
	model        string
	voice        string
	textToSpeech textToSpeechFunc
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultElevenLabsModel
	}
	apiKey := cfg.APIKey
	return &ElevenLabsSynthesizer{
		model: model,
		voice: strings.TrimSpace(cfg.Voice),
		// The client binds its context at construction, so each call gets its own.
		textToSpeech: func(ctx context.Context, voiceID string, req elevenlabs.TextToSpeechRequest) ([]byte, error) {
			return elevenlabs.NewClient(ctx, apiKey, elevenLabsTimeout).TextToSpeech(voiceID, req)
		},
	}
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text, voice string) (audio.PCM, error) {
	if strings.TrimSpace(text) == "" {
		return audio.PCM{}, nil
	}
	if voice == "" {
		voice = s.voice
	}
	if voice == "" {
		return audio.PCM{}, fmt.Errorf("elevenlabs voice id is not configured")
	}
	data, err := s.textToSpeech(ctx, voice, elevenlabs.TextToSpeechRequest{
		Text:    text,
		ModelID: s.model,
	})
	if err != nil {
		return audio.PCM{}, fmt.Errorf("elevenlabs text to speech: %w", err)
	}
	return decodeMP3(data)
}

// decodeMP3 returns the decoder's fixed 16-bit little-endian stereo output.
func decodeMP3(data []byte) (audio.PCM, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return audio.PCM{}, fmt.Errorf("open mp3: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return audio.PCM{}, fmt.Errorf("decode mp3: %w", err)
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return audio.PCM{Samples: samples, SampleRate: dec.SampleRate(), Channels: 2}, nil
}

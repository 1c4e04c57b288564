package synthesizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/foxseedlab/teno/internal/audio"
	"github.com/go-audio/wav"
	"google.golang.org/api/option"
)

type GoogleConfig struct {
	CredentialsJSON string
	Language        string
	Voice           string
}

type synthesizeFunc func(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error)

type GoogleSynthesizer struct {
	credentialsJSON string
	language        string
	voice           string

	mu         sync.Mutex
	synthesize synthesizeFunc
	closer     func() error
}

func NewGoogleSynthesizer(cfg GoogleConfig) *GoogleSynthesizer {
	return &GoogleSynthesizer{
		credentialsJSON: cfg.CredentialsJSON,
		language:        cfg.Language,
		voice:           strings.TrimSpace(cfg.Voice),
	}
}

func (s *GoogleSynthesizer) Synthesize(ctx context.Context, text, voice string) (audio.PCM, error) {
	if strings.TrimSpace(text) == "" {
		return audio.PCM{}, nil
	}
	synthesize, err := s.ensureClient(ctx)
	if err != nil {
		return audio.PCM{}, err
	}
	if voice == "" {
		voice = s.voice
	}
	resp, err := synthesize(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: s.language,
			Name:         voice,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: audio.DiscordSampleRate,
		},
	})
	if err != nil {
		return audio.PCM{}, fmt.Errorf("synthesize speech: %w", err)
	}
	return decodeWAV(resp.GetAudioContent())
}

// decodeWAV reads LINEAR16 content, which the API wraps in a RIFF header.
func decodeWAV(data []byte) (audio.PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return audio.PCM{}, errors.New("invalid wav audio")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.PCM{}, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return audio.PCM{}, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return audio.PCM{
		Samples:    samples,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

func (s *GoogleSynthesizer) ensureClient(ctx context.Context) (synthesizeFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synthesize != nil {
		return s.synthesize, nil
	}

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(s.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}
	client, err := texttospeech.NewClient(context.WithoutCancel(ctx), option.WithAuthCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create text-to-speech client: %w", err)
	}
	slog.Info("text-to-speech client initialized", "language", s.language, "voice", s.voice)
	s.synthesize = func(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error) {
		return client.SynthesizeSpeech(ctx, req)
	}
	s.closer = client.Close
	return s.synthesize, nil
}

func (s *GoogleSynthesizer) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer()
	s.synthesize = nil
	s.closer = nil
	return err
}

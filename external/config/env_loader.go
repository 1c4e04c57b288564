package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/teno/internal/config"
)

type envConfig struct {
	Env     string `env:"ENV" envDefault:"production"`
	BotName string `env:"BOT_NAME" envDefault:"Teno"`

	DiscordToken   string `env:"DISCORD_TOKEN,required"`
	DiscordGuildID string `env:"DISCORD_GUILD_ID,required"`

	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	GoogleCloudProjectID       string   `env:"GOOGLE_CLOUD_PROJECT_ID,required"`
	GoogleCloudCredentialsJSON string   `env:"GOOGLE_CLOUD_CREDENTIALS_JSON,required"`
	GoogleCloudSpeechLocation  string   `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"us-central1"`
	GoogleCloudSpeechModel     string   `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_2"`
	DefaultTranscribeLanguage  string   `env:"DEFAULT_TRANSCRIBE_LANGUAGE" envDefault:"en-US"`
	TranscribeKeywords         []string `env:"TRANSCRIBE_KEYWORDS" envSeparator:","`
	TranscribeMaxAttempts      int      `env:"TRANSCRIBE_MAX_ATTEMPTS" envDefault:"2"`

	SilenceTimeoutMs int `env:"SILENCE_TIMEOUT_MS" envDefault:"800"`
	MaxUtteranceSec  int `env:"MAX_UTTERANCE_SEC" envDefault:"30"`

	OpenAIAPIKey          string `env:"OPENAI_API_KEY,required"`
	OpenAIBaseURL         string `env:"OPENAI_BASE_URL"`
	OpenAIModel           string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
	OpenAIClassifierModel string `env:"OPENAI_CLASSIFIER_MODEL" envDefault:"gpt-4o-mini"`
	RecentLines           int    `env:"RECENT_LINES" envDefault:"10"`

	TTSProvider      string `env:"TTS_PROVIDER" envDefault:"google"`
	TTSVoice         string `env:"TTS_VOICE"`
	TTSLanguage      string `env:"TTS_LANGUAGE" envDefault:"en-US"`
	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsModel  string `env:"ELEVENLABS_MODEL" envDefault:"eleven_turbo_v2_5"`

	SpeechEnabledDefault  bool   `env:"SPEECH_ENABLED_DEFAULT" envDefault:"true"`
	MaxMeetingDurationMin int    `env:"MAX_MEETING_DURATION_MIN" envDefault:"180"`
	ReplyChainMaxDepth    int    `env:"REPLY_CHAIN_MAX_DEPTH" envDefault:"8"`
	TranscriptTimezone    string `env:"TRANSCRIPT_TIMEZONE" envDefault:"UTC"`
	TranscriptWebhookURL  string `env:"TRANSCRIPT_WEBHOOK_URL"`
	HealthAddr            string `env:"HEALTH_ADDR"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		BotName:                    raw.BotName,
		DiscordToken:               raw.DiscordToken,
		DiscordGuildID:             raw.DiscordGuildID,
		DatabaseURL:                raw.DatabaseURL,
		RedisURL:                   raw.RedisURL,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:     raw.GoogleCloudSpeechModel,
		DefaultTranscribeLanguage:  raw.DefaultTranscribeLanguage,
		TranscribeKeywords:         raw.TranscribeKeywords,
		TranscribeMaxAttempts:      raw.TranscribeMaxAttempts,
		SilenceTimeoutMs:           raw.SilenceTimeoutMs,
		MaxUtteranceSec:            raw.MaxUtteranceSec,
		OpenAIAPIKey:               raw.OpenAIAPIKey,
		OpenAIBaseURL:              raw.OpenAIBaseURL,
		OpenAIModel:                raw.OpenAIModel,
		OpenAIClassifierModel:      raw.OpenAIClassifierModel,
		RecentLines:                raw.RecentLines,
		TTSProvider:                raw.TTSProvider,
		TTSVoice:                   raw.TTSVoice,
		TTSLanguage:                raw.TTSLanguage,
		ElevenLabsAPIKey:           raw.ElevenLabsAPIKey,
		ElevenLabsModel:            raw.ElevenLabsModel,
		SpeechEnabledDefault:       raw.SpeechEnabledDefault,
		MaxMeetingDurationMin:      raw.MaxMeetingDurationMin,
		ReplyChainMaxDepth:         raw.ReplyChainMaxDepth,
		TranscriptTimezone:         raw.TranscriptTimezone,
		TranscriptWebhookURL:       raw.TranscriptWebhookURL,
		HealthAddr:                 raw.HealthAddr,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

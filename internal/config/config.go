package config

import (
	"fmt"
	"time"
)

const (
	TTSProviderGoogle     = "google"
	TTSProviderElevenLabs = "elevenlabs"

	minSilenceTimeoutMs = 500
	maxSilenceTimeoutMs = 1000
)

type Config struct {
	Env     string
	BotName string

	DiscordToken   string
	DiscordGuildID string

	DatabaseURL string
	RedisURL    string

	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string
	DefaultTranscribeLanguage  string
	TranscribeKeywords         []string
	TranscribeMaxAttempts      int

	SilenceTimeoutMs int
	MaxUtteranceSec  int

	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAIModel           string
	OpenAIClassifierModel string
	RecentLines           int

	TTSProvider      string
	TTSVoice         string
	TTSLanguage      string
	ElevenLabsAPIKey string
	ElevenLabsModel  string

	SpeechEnabledDefault  bool
	MaxMeetingDurationMin int
	ReplyChainMaxDepth    int
	TranscriptTimezone    string
	TranscriptWebhookURL  string
	HealthAddr            string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if c.SilenceTimeoutMs < minSilenceTimeoutMs || c.SilenceTimeoutMs > maxSilenceTimeoutMs {
		return fmt.Errorf("SILENCE_TIMEOUT_MS must be between %d and %d, got %d", minSilenceTimeoutMs, maxSilenceTimeoutMs, c.SilenceTimeoutMs)
	}
	if c.MaxUtteranceSec <= 0 {
		return fmt.Errorf("MAX_UTTERANCE_SEC must be positive, got %d", c.MaxUtteranceSec)
	}
	if c.TranscribeMaxAttempts <= 0 {
		return fmt.Errorf("TRANSCRIBE_MAX_ATTEMPTS must be positive, got %d", c.TranscribeMaxAttempts)
	}
	if c.RecentLines <= 0 {
		return fmt.Errorf("RECENT_LINES must be positive, got %d", c.RecentLines)
	}
	if c.MaxMeetingDurationMin <= 0 {
		return fmt.Errorf("MAX_MEETING_DURATION_MIN must be positive, got %d", c.MaxMeetingDurationMin)
	}
	if c.ReplyChainMaxDepth <= 0 {
		return fmt.Errorf("REPLY_CHAIN_MAX_DEPTH must be positive, got %d", c.ReplyChainMaxDepth)
	}
	switch c.TTSProvider {
	case TTSProviderGoogle:
	case TTSProviderElevenLabs:
		if c.ElevenLabsAPIKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required when TTS_PROVIDER=%s", TTSProviderElevenLabs)
		}
	default:
		return fmt.Errorf("TTS_PROVIDER must be %q or %q, got %q", TTSProviderGoogle, TTSProviderElevenLabs, c.TTSProvider)
	}
	if _, err := time.LoadLocation(c.TranscriptTimezone); err != nil {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is invalid: %w", err)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "BOT_NAME", value: c.BotName},
		{name: "DISCORD_TOKEN", value: c.DiscordToken},
		{name: "DISCORD_GUILD_ID", value: c.DiscordGuildID},
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "REDIS_URL", value: c.RedisURL},
		{name: "GOOGLE_CLOUD_PROJECT_ID", value: c.GoogleCloudProjectID},
		{name: "GOOGLE_CLOUD_CREDENTIALS_JSON", value: c.GoogleCloudCredentialsJSON},
		{name: "DEFAULT_TRANSCRIBE_LANGUAGE", value: c.DefaultTranscribeLanguage},
		{name: "OPENAI_API_KEY", value: c.OpenAIAPIKey},
		{name: "TRANSCRIPT_TIMEZONE", value: c.TranscriptTimezone},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutMs) * time.Millisecond
}

func (c *Config) MaxUtterance() time.Duration {
	return time.Duration(c.MaxUtteranceSec) * time.Second
}

func (c *Config) MaxMeetingDuration() time.Duration {
	return time.Duration(c.MaxMeetingDurationMin) * time.Minute
}

// TranscriptLocation falls back to UTC; Validate has already rejected bad names.
func (c *Config) TranscriptLocation() *time.Location {
	loc, err := time.LoadLocation(c.TranscriptTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

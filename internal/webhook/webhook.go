package webhook

import "context"

const TranscriptWebhookSchemaVersion = 1

type TranscriptWebhookAttendee struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsBot       bool   `json:"is_bot"`
}

type TranscriptWebhookLine struct {
	SpeakerID   string `json:"speaker_id"`
	SpeakerName string `json:"speaker_name"`
	Offset      string `json:"offset"`
	SpokenAt    string `json:"spoken_at"`
	Text        string `json:"text"`
}

type TranscriptWebhookPayload struct {
	SchemaVersion           int                         `json:"schema_version"`
	MeetingID               string                      `json:"meeting_id"`
	MeetingName             string                      `json:"meeting_name"`
	DiscordServerID         string                      `json:"discord_server_id"`
	DiscordServerName       string                      `json:"discord_server_name"`
	DiscordVoiceChannelID   string                      `json:"discord_voice_channel_id"`
	DiscordVoiceChannelName string                      `json:"discord_voice_channel_name"`
	StartAt                 string                      `json:"start_at"`
	EndAt                   string                      `json:"end_at"`
	Timezone                string                      `json:"timezone"`
	DurationSeconds         int64                       `json:"duration_seconds"`
	EndReason               string                      `json:"end_reason"`
	Attendees               []TranscriptWebhookAttendee `json:"attendees"`
	Lines                   []TranscriptWebhookLine     `json:"lines"`
	Transcript              string                      `json:"transcript"`
}

type Sender interface {
	SendTranscript(ctx context.Context, payload TranscriptWebhookPayload) error
}

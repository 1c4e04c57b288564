package teno

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/foxseedlab/teno/internal/discord"
	"github.com/foxseedlab/teno/internal/transcript"
	"github.com/foxseedlab/teno/internal/webhook"
)

const exportTimeLayout = "2006-01-02 15:04:05"

type meetingSummary struct {
	ID        string
	Name      string
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string
}

// transcriptExport is the finished meeting rendered in local time, shared by
// the attached text file and the webhook payload.
type transcriptExport struct {
	meta      discord.TranscriptMetadata
	summary   meetingSummary
	timezone  string
	loc       *time.Location
	attendees []discord.TranscriptParticipant
	lines     []transcript.Line
}

func newTranscriptExport(meta discord.TranscriptMetadata, summary meetingSummary, timezone string, loc *time.Location, lines []transcript.Line) *transcriptExport {
	if loc == nil {
		loc = time.UTC
	}
	return &transcriptExport{
		meta:      meta,
		summary:   summary,
		timezone:  timezone,
		loc:       loc,
		attendees: dedupeAttendees(meta.Participants),
		lines:     lines,
	}
}

func (e *transcriptExport) local(ts time.Time, layout string) string {
	return ts.In(e.loc).Format(layout)
}

func (e *transcriptExport) Text() []byte {
	names := make([]string, len(e.attendees))
	for i, a := range e.attendees {
		names[i] = a.DisplayName
	}

	var b strings.Builder
	fmt.Fprintf(&b, "会議名：%s\n", e.summary.Name)
	fmt.Fprintf(&b, "サーバー名：%s\n", e.meta.DiscordServerName)
	fmt.Fprintf(&b, "ボイスチャンネル名：%s\n", e.meta.DiscordVoiceChannelName)
	fmt.Fprintf(&b, "ボイスチャット期間：%s ~ %s（%s）\n",
		e.local(e.summary.StartedAt, exportTimeLayout), e.local(e.summary.EndedAt, exportTimeLayout), e.timezone)
	fmt.Fprintf(&b, "参加者：%s\n", strings.Join(names, "、"))
	for _, l := range e.lines {
		fmt.Fprintf(&b, "\n%s %s：%s", clock(max(l.Timestamp.Sub(e.summary.StartedAt), 0)), l.SpeakerName, l.Text)
	}
	return []byte(b.String())
}

func (e *transcriptExport) Payload() webhook.TranscriptWebhookPayload {
	p := webhook.TranscriptWebhookPayload{
		SchemaVersion:           webhook.TranscriptWebhookSchemaVersion,
		MeetingID:               e.summary.ID,
		MeetingName:             e.summary.Name,
		DiscordServerID:         e.meta.DiscordServerID,
		DiscordServerName:       e.meta.DiscordServerName,
		DiscordVoiceChannelID:   e.meta.DiscordVoiceChannelID,
		DiscordVoiceChannelName: e.meta.DiscordVoiceChannelName,
		StartAt:                 e.local(e.summary.StartedAt, time.RFC3339),
		EndAt:                   e.local(e.summary.EndedAt, time.RFC3339),
		Timezone:                e.timezone,
		DurationSeconds:         int64(max(e.summary.EndedAt.Sub(e.summary.StartedAt), 0) / time.Second),
		EndReason:               e.summary.EndReason,
		Attendees:               make([]webhook.TranscriptWebhookAttendee, 0, len(e.attendees)),
		Lines:                   make([]webhook.TranscriptWebhookLine, 0, len(e.lines)),
	}
	for _, a := range e.attendees {
		p.Attendees = append(p.Attendees, webhook.TranscriptWebhookAttendee{UserID: a.UserID, DisplayName: a.DisplayName, IsBot: a.IsBot})
	}
	plain := make([]string, 0, len(e.lines))
	for _, l := range e.lines {
		p.Lines = append(p.Lines, webhook.TranscriptWebhookLine{
			SpeakerID:   l.SpeakerID,
			SpeakerName: l.SpeakerName,
			Offset:      l.Offset,
			SpokenAt:    e.local(l.Timestamp, time.RFC3339),
			Text:        l.Text,
		})
		plain = append(plain, fmt.Sprintf("%s (%s): %s", l.SpeakerName, l.Offset, l.Text))
	}
	p.Transcript = strings.Join(plain, "\n")
	return p
}

// parseTranscript keeps the lines produced by CreateLine, in stored order.
func parseTranscript(raw []string) []transcript.Line {
	out := make([]transcript.Line, 0, len(raw))
	for _, r := range raw {
		if l, ok := transcript.ParseLine(r); ok {
			out = append(out, l)
		}
	}
	return out
}

// dedupeAttendees folds repeated user ids into one entry, preferring a real
// name over the id placeholder, and orders them by name.
func dedupeAttendees(in []discord.TranscriptParticipant) []discord.TranscriptParticipant {
	index := make(map[string]int, len(in))
	var out []discord.TranscriptParticipant
	for _, p := range in {
		if strings.TrimSpace(p.UserID) == "" {
			continue
		}
		if p.DisplayName == "" {
			p.DisplayName = p.UserID
		}
		i, seen := index[p.UserID]
		if !seen {
			index[p.UserID] = len(out)
			out = append(out, p)
			continue
		}
		if out[i].DisplayName == out[i].UserID {
			out[i].DisplayName = p.DisplayName
		}
		out[i].IsBot = out[i].IsBot || p.IsBot
	}
	slices.SortFunc(out, func(a, b discord.TranscriptParticipant) int {
		return cmp.Or(
			strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)),
			strings.Compare(a.UserID, b.UserID),
		)
	})
	return out
}

func clock(d time.Duration) string {
	sec := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, sec/60%60, sec%60)
}

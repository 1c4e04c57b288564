package teno

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxseedlab/teno/internal/discord"
	"github.com/foxseedlab/teno/internal/meeting"
)

const (
	commandTimeout = 30 * time.Second
	healthTimeout  = 3 * time.Second
)

func SlashCommandDefinitions() []discord.SlashCommandDefinition {
	return []discord.SlashCommandDefinition{
		{Name: commandJoin, Description: slashCommandJoinDescription},
		{Name: commandLeave, Description: slashCommandLeaveDescription},
		{Name: commandStop, Description: slashCommandStopDescription},
		{Name: commandSpeech, Description: slashCommandSpeechDescription},
		{Name: commandIgnore, Description: slashCommandIgnoreDescription},
		{Name: commandUnignore, Description: slashCommandUnignoreDescription},
		{Name: commandForgetMe, Description: slashCommandForgetDescription},
		{Name: commandLock, Description: slashCommandLockDescription},
		{Name: commandStatus, Description: slashCommandStatusDescription},
	}
}

func (t *Teno) HandleSlashCommand(event discord.SlashCommandEvent) {
	slog.Info("slash command received", "command", event.CommandName, "guild_id", event.GuildID, "channel_id", event.ChannelID, "user_id", event.UserID)
	reply := t.runSlashCommand(event)
	if event.RespondEphemeral == nil {
		return
	}
	if err := event.RespondEphemeral(reply); err != nil {
		slog.Error("failed to respond to slash command", "error", err, "command", event.CommandName, "user_id", event.UserID)
	}
}

func (t *Teno) runSlashCommand(event discord.SlashCommandEvent) string {
	if event.GuildID != t.cfg.DiscordGuildID {
		return messageEphemeralWrongGuild
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch event.CommandName {
	case commandJoin:
		return t.commandJoin(ctx, event)
	case commandStatus:
		return t.commandStatus(ctx, event)
	case commandLeave, commandStop, commandSpeech, commandIgnore, commandUnignore, commandForgetMe, commandLock:
	default:
		return messageEphemeralUnknownCommand
	}

	channelID, reply := t.invokerVoiceChannel(event)
	if reply != "" {
		return reply
	}
	rm := t.running(event.GuildID, channelID)
	if rm == nil {
		return messageEphemeralNotRunning
	}
	m := rm.meeting

	switch event.CommandName {
	case commandIgnore:
		if m.Ignore(event.UserID) {
			return messageIgnoreEphemeral
		}
		return messageIgnoreAgainEphemeral
	case commandUnignore:
		if m.Unignore(event.UserID) {
			return messageUnignoreEphemeral
		}
		return messageUnignoreNoopEphemeral
	case commandForgetMe:
		removed, err := m.ForgetSpeaker(ctx, event.UserID)
		if err != nil {
			slog.Error("failed to forget speaker", "error", err, "meeting_id", m.ID(), "speaker_id", event.UserID)
			return messageEphemeralForgetFailed
		}
		return fmt.Sprintf(messageForgetEphemeralFormat, removed)
	case commandLock:
		if event.UserID != m.AuthorID() {
			return messageEphemeralAuthorOnly
		}
		return t.commandLock(ctx, m)
	}

	// The remaining commands control the meeting and honor its lock.
	if m.Locked() && event.UserID != m.AuthorID() {
		return messageEphemeralLocked
	}
	switch event.CommandName {
	case commandLeave:
		if err := m.End(ctx, reasonLeaveCommand); err != nil {
			slog.Error("meeting ended with errors", "error", err, "meeting_id", m.ID())
			return messageEphemeralEndFailed
		}
		return fmt.Sprintf(messageLeaveEphemeralFormat, channelID)
	case commandStop:
		if m.StopSpeaking() {
			return messageStopEphemeral
		}
		return messageNotSpeakingEphemeral
	default:
		enabled := !m.SpeechEnabled()
		m.SetSpeechEnabled(enabled)
		if !enabled {
			m.StopSpeaking()
			return messageSpeechOffEphemeral
		}
		return messageSpeechOnEphemeral
	}
}

// invokerVoiceChannel returns the caller's voice channel, or a reply to send
// instead when it cannot be determined.
func (t *Teno) invokerVoiceChannel(event discord.SlashCommandEvent) (string, string) {
	channelID, err := t.discord.GetUserVoiceChannelID(event.GuildID, event.UserID)
	if err != nil {
		slog.Error("failed to resolve user voice channel", "error", err, "guild_id", event.GuildID, "user_id", event.UserID)
		return "", messageEphemeralVoiceLookupFailed
	}
	if channelID == "" {
		return "", messageEphemeralJoinVCFirst
	}
	return channelID, ""
}

func (t *Teno) commandJoin(ctx context.Context, event discord.SlashCommandEvent) string {
	channelID, reply := t.invokerVoiceChannel(event)
	if reply != "" {
		return reply
	}
	if _, err := t.StartMeeting(ctx, event.GuildID, channelID, event.ChannelID, event.UserID); err != nil {
		if errors.Is(err, ErrMeetingExists) {
			return messageEphemeralAlreadyRunning
		}
		if errors.Is(err, ErrShuttingDown) {
			return messageEphemeralShuttingDown
		}
		slog.Error("failed to start meeting", "error", err, "guild_id", event.GuildID, "channel_id", channelID)
		return messageEphemeralStartFailed
	}
	return fmt.Sprintf(messageStartEphemeralFormat, channelID)
}

func (t *Teno) commandLock(ctx context.Context, m *meeting.Meeting) string {
	locked := !m.Locked()
	if err := m.SetLocked(ctx, locked); err != nil {
		slog.Error("failed to change meeting lock", "error", err, "meeting_id", m.ID(), "locked", locked)
		return messageEphemeralLockFailed
	}
	if locked {
		return messageLockEphemeral
	}
	return messageUnlockEphemeral
}

func (t *Teno) commandStatus(ctx context.Context, event discord.SlashCommandEvent) string {
	out := []string{messageStatusTitle}

	channelID, err := t.discord.GetUserVoiceChannelID(event.GuildID, event.UserID)
	if err != nil {
		slog.Warn("failed to resolve user voice channel for status", "error", err, "user_id", event.UserID)
	}
	var rm *runningMeeting
	if channelID != "" {
		rm = t.running(event.GuildID, channelID)
	}
	if rm == nil {
		out = append(out, messageStatusNoMeeting)
	} else {
		out = append(out, meetingStatusLines(rm.meeting, t.now())...)
	}
	out = append(out, fmt.Sprintf(messageStatusActiveFormat, t.ActiveMeetings()))

	if t.health != nil {
		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		snap, err := t.health.Snapshot(hctx)
		if err != nil {
			slog.Warn("failed to read host metrics", "error", err)
			out = append(out, messageStatusHostUnavailable)
		} else {
			out = append(out, messageStatusHostPrefix+snap.Summary())
		}
	}
	return strings.Join(out, "\n")
}

func meetingStatusLines(m *meeting.Meeting, now time.Time) []string {
	thinking, speaking := m.ResponderState()
	responder := messageStatusIdle
	switch {
	case speaking:
		responder = messageStatusSpeaking
	case thinking:
		responder = messageStatusThinking
	}
	return []string{
		fmt.Sprintf(messageStatusMeetingFormat, m.ChannelID(), now.Sub(m.StartedAt()).Truncate(time.Second)),
		fmt.Sprintf(messageStatusFlagsFormat, onOff(m.SpeechEnabled()), onOff(m.Locked()), len(m.Attendees()), len(m.Ignored())),
		fmt.Sprintf(messageStatusResponderFormat, responder, len(m.Speaking())),
	}
}

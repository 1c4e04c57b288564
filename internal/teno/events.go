package teno

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/foxseedlab/teno/internal/discord"
	"github.com/foxseedlab/teno/internal/generator"
	"github.com/foxseedlab/teno/internal/meeting"
	"github.com/foxseedlab/teno/internal/prompt"
)

const (
	endTimeout        = 60 * time.Second
	textAnswerTimeout = 60 * time.Second
)

func (t *Teno) HandleVoiceStateUpdate(event discord.VoiceStateEvent) {
	if event.GuildID != t.cfg.DiscordGuildID || event.BeforeChannelID == event.AfterChannelID {
		return
	}
	slog.Debug("voice state update received", "guild_id", event.GuildID, "user_id", event.UserID, "before_channel_id", event.BeforeChannelID, "after_channel_id", event.AfterChannelID)

	if event.UserID == t.botID() {
		if event.BeforeChannelID == "" {
			return
		}
		if rm := t.running(event.GuildID, event.BeforeChannelID); rm != nil {
			slog.Warn("bot left a recorded voice channel", "meeting_id", rm.meeting.ID(), "after_channel_id", event.AfterChannelID)
			go t.endAsync(rm.meeting, reasonBotRemoved)
		}
		return
	}

	if event.AfterChannelID != "" && !event.UserIsBot {
		if rm := t.running(event.GuildID, event.AfterChannelID); rm != nil {
			rm.meeting.AddSpeaker(event.UserID, t.discord.ResolveDisplayName(event.GuildID, event.UserID))
		}
	}
	if event.BeforeChannelID != "" {
		if rm := t.running(event.GuildID, event.BeforeChannelID); rm != nil && t.onlyBotRemains(event.GuildID, event.BeforeChannelID, event.UserID) {
			go t.endAsync(rm.meeting, reasonParticipantsLeft)
		}
	}
}

// onlyBotRemains reports whether no human is left in the channel. Other bots
// do not keep a meeting alive.
func (t *Teno) onlyBotRemains(guildID, channelID, leftUserID string) bool {
	participants, err := t.discord.ListVoiceChannelParticipants(guildID, channelID)
	if err != nil {
		slog.Warn("failed to list voice participants", "error", err, "guild_id", guildID, "channel_id", channelID)
		return false
	}
	botID := t.botID()
	for _, p := range participants {
		if p.IsBot || p.UserID == botID || p.UserID == leftUserID {
			continue
		}
		return false
	}
	return true
}

func (t *Teno) endAsync(m *meeting.Meeting, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	if err := m.End(ctx, reason); err != nil {
		slog.Error("meeting ended with errors", "error", err, "meeting_id", m.ID(), "reason", reason)
	}
}

// HandleMessage answers a chat message that mentions the bot or replies to
// it, using the transcript of the meeting the channel belongs to.
func (t *Teno) HandleMessage(event discord.MessageEvent) {
	if event.GuildID != t.cfg.DiscordGuildID || event.AuthorIsBot {
		return
	}
	botID := t.botID()
	if !event.MentionsBot && (event.ReferencedAuthor == "" || event.ReferencedAuthor != botID) {
		return
	}
	rm := t.runningForTextChannel(event.GuildID, event.ChannelID)
	if rm == nil {
		return
	}
	go t.answerText(rm.meeting, event)
}

func (t *Teno) answerText(m *meeting.Meeting, event discord.MessageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), textAnswerTimeout)
	defer cancel()
	logger := slog.With("meeting_id", m.ID(), "channel_id", event.ChannelID, "message_id", event.MessageID)

	chain := t.replyChain(event)
	res := t.generator.Generate(ctx, generator.Request{
		Messages: prompt.TextAnswer(t.cfg.BotName, m.Transcript(ctx), chain),
	})
	answer := strings.TrimSpace(res.Answer)
	if !res.OK() || answer == "" {
		logger.Warn("failed to answer text question", "error", res.Error)
		answer = messageTextAnswerFailed
	} else {
		logger.Info("answered text question", "chain_length", len(chain), "prompt_tokens", res.PromptTokens, "completion_tokens", res.CompletionTokens)
	}
	if err := t.discord.SendReply(event.ChannelID, event.MessageID, answer); err != nil {
		logger.Error("failed to send text answer", "error", err)
	}
}

// replyChain walks the referenced messages back from the event, bounded by
// depth and a visited set, and returns the chain oldest first.
func (t *Teno) replyChain(event discord.MessageEvent) []prompt.ChainMessage {
	botID := t.botID()
	chain := []prompt.ChainMessage{{
		AuthorName: event.AuthorName,
		Content:    stripBotMention(event.Content, botID),
	}}
	visited := map[string]struct{}{event.MessageID: {}}
	next := event.ReferencedID
	for depth := 0; next != "" && depth < t.cfg.ReplyChainMaxDepth; depth++ {
		if _, seen := visited[next]; seen {
			break
		}
		visited[next] = struct{}{}
		msg, err := t.discord.GetMessage(event.ChannelID, next)
		if err != nil || msg == nil {
			if err != nil {
				slog.Warn("failed to fetch referenced message", "error", err, "message_id", next)
			}
			break
		}
		chain = append(chain, prompt.ChainMessage{
			AuthorName: msg.AuthorName,
			FromBot:    msg.AuthorID == botID,
			Content:    stripBotMention(msg.Content, botID),
		})
		next = msg.ReferencedID
	}
	slices.Reverse(chain)
	return chain
}

func stripBotMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

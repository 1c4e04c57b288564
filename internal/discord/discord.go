package discord

import "context"

type FileMessage struct {
	ChannelID string
	Content   string
	Filename  string
	FileBody  []byte
}

type SlashCommandDefinition struct {
	Name        string
	Description string
}

type SlashCommandEvent struct {
	GuildID          string
	ChannelID        string
	CommandName      string
	UserID           string
	RespondEphemeral func(content string) error
}

type VoiceStateEvent struct {
	GuildID         string
	UserID          string
	UserIsBot       bool
	BeforeChannelID string
	AfterChannelID  string
}

type MessageEvent struct {
	GuildID          string
	ChannelID        string
	MessageID        string
	AuthorID         string
	AuthorName       string
	AuthorIsBot      bool
	Content          string
	MentionsBot      bool
	ReferencedID     string
	ReferencedAuthor string
}

// Message is one link of a reply chain.
type Message struct {
	ID           string
	ChannelID    string
	AuthorID     string
	AuthorName   string
	AuthorIsBot  bool
	Content      string
	ReferencedID string
}

type VoiceParticipant struct {
	UserID string
	IsBot  bool
}

type TranscriptParticipant struct {
	UserID      string
	DisplayName string
	IsBot       bool
}

type TranscriptMetadata struct {
	DiscordServerID         string
	DiscordServerName       string
	DiscordVoiceChannelID   string
	DiscordVoiceChannelName string
	Participants            []TranscriptParticipant
}

type Client interface {
	Connect(ctx context.Context) error
	Close() error
	JoinVoiceChannel(guildID, channelID string) (VoiceConnection, error)
	SendChannelMessage(channelID, content string) error
	SendChannelMessageWithFile(msg FileMessage) error
	SendReply(channelID, replyToMessageID, content string) error
	GetMessage(channelID, messageID string) (*Message, error)
	RegisterVoiceStateUpdateHandler(handler func(VoiceStateEvent))
	RegisterSlashCommandHandler(handler func(SlashCommandEvent))
	RegisterMessageHandler(handler func(MessageEvent))
	UpsertGuildSlashCommands(guildID string, defs []SlashCommandDefinition) error
	GetUserVoiceChannelID(guildID, userID string) (string, error)
	ListVoiceChannelParticipants(guildID, channelID string) ([]VoiceParticipant, error)
	ResolveDisplayName(guildID, userID string) string
	GetBotUserID() (string, error)
	ResolveTranscriptMetadata(ctx context.Context, guildID, channelID string, participantUserIDs []string) (TranscriptMetadata, error)
}

type VoicePacket struct {
	UserID    string
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	Opus      []byte
}

type VoiceConnection interface {
	Disconnect() error
	// ReceiveAudio blocks until the connection stops delivering packets.
	ReceiveAudio(callback func(VoicePacket))
	// SendOpus plays packets at the frame cadence and returns early when ctx is done.
	SendOpus(ctx context.Context, packets [][]byte) error
}

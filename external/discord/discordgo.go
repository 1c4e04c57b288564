package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	discordpkg "github.com/foxseedlab/teno/internal/discord"
)

const (
	gatewayIntents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	trailingSilenceFrames = 5
	// About one second of 20 ms frames held per SSRC until its speaker is known.
	maxUnattributedFrames = 50
)

// Opus silence; sent after speech so clients do not interpolate the tail.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

type Client struct {
	session   *discordgo.Session
	token     string
	botUserID string
}

func NewClient(token string) discordpkg.Client {
	return &Client{
		token: token,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	s, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return err
	}
	c.session = s
	s.Identify.Intents = discordgo.MakeIntent(gatewayIntents)
	s.State.TrackVoice = true

	opened := make(chan error, 1)
	go func() { opened <- s.Open() }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("discord gateway open: %w", ctx.Err())
	case err := <-opened:
		if err != nil {
			return err
		}
	}
	userID, err := c.GetBotUserID()
	if err != nil {
		return err
	}
	c.botUserID = userID
	return nil
}

func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *Client) JoinVoiceChannel(guildID, channelID string) (discordpkg.VoiceConnection, error) {
	vc, err := c.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, err
	}
	return &voiceConnectionImpl{vc: vc}, nil
}

func (c *Client) SendReply(channelID, replyToMessageID, content string) error {
	_, err := c.session.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
		MessageID: replyToMessageID,
		ChannelID: channelID,
	})
	return err
}

func (c *Client) GetMessage(channelID, messageID string) (*discordpkg.Message, error) {
	var msg *discordgo.Message
	if c.session.State != nil {
		if cached, err := c.session.State.Message(channelID, messageID); err == nil {
			msg = cached
		}
	}
	if msg == nil {
		fetched, err := c.session.ChannelMessage(channelID, messageID)
		if err != nil {
			if isRESTNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		msg = fetched
	}
	return toMessage(msg), nil
}

func toMessage(m *discordgo.Message) *discordpkg.Message {
	out := &discordpkg.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = firstNonEmpty(userName(m.Author), m.Author.ID)
		out.AuthorIsBot = m.Author.Bot
	}
	if m.MessageReference != nil {
		out.ReferencedID = m.MessageReference.MessageID
	}
	return out
}

func (c *Client) SendChannelMessage(channelID, content string) error {
	_, err := c.session.ChannelMessageSend(channelID, content)
	return err
}

func (c *Client) SendChannelMessageWithFile(msg discordpkg.FileMessage) error {
	_, err := c.session.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Content: msg.Content,
		Files: []*discordgo.File{
			{Name: msg.Filename, ContentType: "text/plain", Reader: bytes.NewReader(msg.FileBody)},
		},
	})
	return err
}

// RegisterVoiceStateUpdateHandler forwards channel moves only. Mute, deafen
// and stream toggles arrive as updates with an unchanged channel and are
// dropped here.
func (c *Client) RegisterVoiceStateUpdateHandler(handler func(discordpkg.VoiceStateEvent)) {
	c.session.AddHandler(func(_ *discordgo.Session, u *discordgo.VoiceStateUpdate) {
		event, ok := c.voiceStateEvent(u)
		if ok {
			handler(event)
		}
	})
}

func (c *Client) voiceStateEvent(u *discordgo.VoiceStateUpdate) (discordpkg.VoiceStateEvent, bool) {
	if u == nil || u.VoiceState == nil || u.GuildID == "" || u.UserID == "" {
		return discordpkg.VoiceStateEvent{}, false
	}
	var before string
	if u.BeforeUpdate != nil {
		before = u.BeforeUpdate.ChannelID
	}
	if before == u.ChannelID {
		return discordpkg.VoiceStateEvent{}, false
	}
	return discordpkg.VoiceStateEvent{
		GuildID:         u.GuildID,
		UserID:          u.UserID,
		UserIsBot:       c.resolveUserIsBot(u.GuildID, u.UserID, u.VoiceState),
		BeforeChannelID: before,
		AfterChannelID:  u.ChannelID,
	}, true
}

func (c *Client) RegisterSlashCommandHandler(handler func(discordpkg.SlashCommandEvent)) {
	c.session.AddHandler(func(s *discordgo.Session, ic *discordgo.InteractionCreate) {
		if ic == nil || ic.Type != discordgo.InteractionApplicationCommand {
			return
		}
		name := ic.ApplicationCommandData().Name
		invoker := interactionUser(ic)
		if name == "" || invoker == "" {
			return
		}
		handler(discordpkg.SlashCommandEvent{
			GuildID:     ic.GuildID,
			ChannelID:   ic.ChannelID,
			CommandName: name,
			UserID:      invoker,
			RespondEphemeral: func(content string) error {
				return s.InteractionRespond(ic.Interaction, ephemeralReply(content))
			},
		})
	})
}

// interactionUser is set on Member for guild interactions and on User in DMs.
func interactionUser(ic *discordgo.InteractionCreate) string {
	switch {
	case ic.Member != nil && ic.Member.User != nil:
		return ic.Member.User.ID
	case ic.User != nil:
		return ic.User.ID
	}
	return ""
}

func ephemeralReply(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func (c *Client) RegisterMessageHandler(handler func(discordpkg.MessageEvent)) {
	c.session.AddHandler(func(s *discordgo.Session, mc *discordgo.MessageCreate) {
		if mc == nil || mc.Message == nil || mc.Author == nil || mc.GuildID == "" {
			return
		}
		if mc.Author.ID == c.botUserID {
			return
		}
		event := discordpkg.MessageEvent{
			GuildID:     mc.GuildID,
			ChannelID:   mc.ChannelID,
			MessageID:   mc.ID,
			AuthorID:    mc.Author.ID,
			AuthorName:  c.ResolveDisplayName(mc.GuildID, mc.Author.ID),
			AuthorIsBot: mc.Author.Bot,
			Content:     mc.Content,
		}
		for _, u := range mc.Mentions {
			if u != nil && u.ID == c.botUserID {
				event.MentionsBot = true
				break
			}
		}
		if mc.MessageReference != nil {
			event.ReferencedID = mc.MessageReference.MessageID
		}
		if mc.ReferencedMessage != nil && mc.ReferencedMessage.Author != nil {
			event.ReferencedAuthor = mc.ReferencedMessage.Author.ID
		}
		handler(event)
	})
}

// UpsertGuildSlashCommands creates missing commands and edits those whose
// description drifted. Commands not in defs are left alone.
func (c *Client) UpsertGuildSlashCommands(guildID string, defs []discordpkg.SlashCommandDefinition) error {
	appID := c.applicationID()
	if appID == "" {
		return errors.New("discord application id is not available")
	}
	registered, err := c.session.ApplicationCommands(appID, guildID)
	if err != nil {
		return fmt.Errorf("list guild commands: %w", err)
	}
	current := make(map[string]*discordgo.ApplicationCommand, len(registered))
	for _, rc := range registered {
		if rc != nil {
			current[rc.Name] = rc
		}
	}

	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		want := &discordgo.ApplicationCommand{Name: def.Name, Description: def.Description}
		have, found := current[def.Name]
		switch {
		case !found:
			_, err = c.session.ApplicationCommandCreate(appID, guildID, want)
		case have.Description != def.Description:
			_, err = c.session.ApplicationCommandEdit(appID, guildID, have.ID, want)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("upsert command %s: %w", def.Name, err)
		}
		slog.Info("slash command registered", "command", def.Name, "guild_id", guildID, "updated", found)
	}
	return nil
}

// GetUserVoiceChannelID returns "" when the user is not in voice. The state
// cache is cold right after startup, so a miss falls through to REST.
func (c *Client) GetUserVoiceChannelID(guildID, userID string) (string, error) {
	if c.session == nil {
		return "", nil
	}
	if state := c.cachedVoiceState(guildID, userID); state != nil {
		return state.ChannelID, nil
	}
	vs, err := c.session.UserVoiceState(guildID, userID)
	switch {
	case isRESTNotFound(err):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("fetch voice state: %w", err)
	case vs == nil:
		return "", nil
	}
	return vs.ChannelID, nil
}

func (c *Client) cachedVoiceState(guildID, userID string) *discordgo.VoiceState {
	if c.session.State == nil {
		return nil
	}
	vs, err := c.session.State.VoiceState(guildID, userID)
	if err != nil {
		return nil
	}
	return vs
}

func (c *Client) cachedVoiceStates(guildID string) []*discordgo.VoiceState {
	if c.session == nil || c.session.State == nil {
		return nil
	}
	guild, err := c.session.State.Guild(guildID)
	if err != nil || guild == nil {
		return nil
	}
	c.session.State.RLock()
	defer c.session.State.RUnlock()
	out := make([]*discordgo.VoiceState, 0, len(guild.VoiceStates))
	for _, vs := range guild.VoiceStates {
		if vs != nil && vs.UserID != "" {
			out = append(out, vs)
		}
	}
	return out
}

func isRESTNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

// ListVoiceChannelParticipants reads the gateway cache only; it is called on
// every voice state change and must not hit REST.
func (c *Client) ListVoiceChannelParticipants(guildID, channelID string) ([]discordpkg.VoiceParticipant, error) {
	var participants []discordpkg.VoiceParticipant
	seen := make(map[string]struct{})
	for _, vs := range c.cachedVoiceStates(guildID) {
		if vs.ChannelID != channelID {
			continue
		}
		if _, dup := seen[vs.UserID]; dup {
			continue
		}
		seen[vs.UserID] = struct{}{}
		participants = append(participants, discordpkg.VoiceParticipant{
			UserID: vs.UserID,
			IsBot:  c.resolveUserIsBot(guildID, vs.UserID, vs),
		})
	}
	return participants, nil
}

func (c *Client) GetBotUserID() (string, error) {
	if c.botUserID != "" {
		return c.botUserID, nil
	}
	if c.session == nil {
		return "", fmt.Errorf("discord session is not initialized")
	}
	if st := c.session.State; st != nil && st.User != nil && st.User.ID != "" {
		c.botUserID = st.User.ID
		return c.botUserID, nil
	}
	u, err := c.session.User("@me")
	if err != nil {
		return "", fmt.Errorf("fetch bot user: %w", err)
	}
	c.botUserID = u.ID
	return c.botUserID, nil
}

// ResolveTranscriptMetadata falls back to raw ids for names it cannot resolve.
func (c *Client) ResolveTranscriptMetadata(_ context.Context, guildID, channelID string, participantUserIDs []string) (discordpkg.TranscriptMetadata, error) {
	meta := discordpkg.TranscriptMetadata{
		DiscordServerID:         guildID,
		DiscordServerName:       guildID,
		DiscordVoiceChannelID:   channelID,
		DiscordVoiceChannelName: channelID,
	}
	if c.session == nil {
		return meta, fmt.Errorf("discord session is not initialized")
	}
	if name := c.guildName(guildID); name != "" {
		meta.DiscordServerName = name
	} else {
		slog.Warn("guild name unresolved; using id", "guild_id", guildID)
	}
	if name := c.channelName(channelID); name != "" {
		meta.DiscordVoiceChannelName = name
	} else {
		slog.Warn("channel name unresolved; using id", "channel_id", channelID)
	}

	seen := make(map[string]struct{}, len(participantUserIDs))
	for _, userID := range participantUserIDs {
		userID = strings.TrimSpace(userID)
		if _, dup := seen[userID]; dup || userID == "" {
			continue
		}
		seen[userID] = struct{}{}
		meta.Participants = append(meta.Participants, c.participant(guildID, userID))
	}
	return meta, nil
}

func (c *Client) ResolveDisplayName(guildID, userID string) string {
	if c.session == nil {
		return userID
	}
	return c.participant(guildID, userID).DisplayName
}

// resolveUserIsBot prefers data already attached to the event, then the
// member cache, and only then REST.
func (c *Client) resolveUserIsBot(guildID, userID string, vs *discordgo.VoiceState) bool {
	if vs != nil && vs.Member != nil && vs.Member.User != nil {
		return vs.Member.User.Bot
	}
	if c.session == nil {
		return false
	}
	if st := c.session.State; st != nil {
		if st.User != nil && st.User.ID == userID {
			return true
		}
		if m, err := st.Member(guildID, userID); err == nil && m != nil && m.User != nil {
			return m.User.Bot
		}
	}
	u, err := c.session.User(userID)
	return err == nil && u != nil && u.Bot
}

func (c *Client) guildName(guildID string) string {
	if st := c.session.State; st != nil {
		if g, err := st.Guild(guildID); err == nil && g != nil && g.Name != "" {
			return g.Name
		}
	}
	if g, err := c.session.Guild(guildID); err == nil && g != nil {
		return g.Name
	}
	return ""
}

func (c *Client) channelName(channelID string) string {
	if st := c.session.State; st != nil {
		if ch, err := st.Channel(channelID); err == nil && ch != nil && ch.Name != "" {
			return ch.Name
		}
	}
	if ch, err := c.session.Channel(channelID); err == nil && ch != nil {
		return ch.Name
	}
	return ""
}

func (c *Client) member(guildID, userID string) *discordgo.Member {
	if st := c.session.State; st != nil {
		if m, err := st.Member(guildID, userID); err == nil && m != nil {
			return m
		}
	}
	m, err := c.session.GuildMember(guildID, userID)
	if err != nil {
		return nil
	}
	return m
}

// participant resolves a speaker name as nick, then global name, then
// username, then the raw id.
func (c *Client) participant(guildID, userID string) discordpkg.TranscriptParticipant {
	p := discordpkg.TranscriptParticipant{UserID: userID, DisplayName: userID}
	if m := c.member(guildID, userID); m != nil {
		p.DisplayName = firstNonEmpty(m.Nick, userName(m.User), userID)
		if m.User != nil {
			p.IsBot = m.User.Bot
		}
		if p.DisplayName != userID {
			return p
		}
	}
	if u, err := c.session.User(userID); err == nil && u != nil {
		p.DisplayName = firstNonEmpty(userName(u), userID)
		p.IsBot = u.Bot
	}
	return p
}

func userName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	return firstNonEmpty(u.GlobalName, u.Username)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *Client) applicationID() string {
	if c.session == nil || c.session.State == nil {
		return ""
	}
	if c.session.State.Application != nil && c.session.State.Application.ID != "" {
		return c.session.State.Application.ID
	}
	if c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

type voiceConnectionImpl struct {
	vc *discordgo.VoiceConnection
}

func (v *voiceConnectionImpl) Disconnect() error {
	return v.vc.Disconnect()
}

// ReceiveAudio blocks until OpusRecv is closed.
func (v *voiceConnectionImpl) ReceiveAudio(callback func(discordpkg.VoicePacket)) {
	if v.vc.OpusRecv == nil {
		return
	}
	router := newSSRCRouter(callback)
	v.vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		if su.Speaking {
			router.bind(uint32(su.SSRC), su.UserID)
		}
	})
	for pkt := range v.vc.OpusRecv {
		if pkt == nil || len(pkt.Opus) == 0 {
			continue
		}
		router.route(discordpkg.VoicePacket{
			SSRC:      pkt.SSRC,
			Sequence:  pkt.Sequence,
			Timestamp: pkt.Timestamp,
			Opus:      pkt.Opus,
		})
	}
}

// ssrcRouter attributes packets to users. Discord may deliver audio before the
// speaking update that names its SSRC; those packets are held, up to
// maxUnattributedFrames, and released in order once the SSRC is bound.
type ssrcRouter struct {
	deliver func(discordpkg.VoicePacket)

	mu      sync.Mutex
	users   map[uint32]string
	pending map[uint32][]discordpkg.VoicePacket
	dropped int
}

func newSSRCRouter(deliver func(discordpkg.VoicePacket)) *ssrcRouter {
	return &ssrcRouter{
		deliver: deliver,
		users:   make(map[uint32]string),
		pending: make(map[uint32][]discordpkg.VoicePacket),
	}
}

func (r *ssrcRouter) bind(ssrc uint32, userID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[ssrc] = userID
}

// route is called from the receive loop only, so delivery order per SSRC
// follows arrival order.
func (r *ssrcRouter) route(p discordpkg.VoicePacket) {
	r.mu.Lock()
	userID, ok := r.users[p.SSRC]
	if !ok {
		queue := r.pending[p.SSRC]
		if len(queue) >= maxUnattributedFrames {
			queue = queue[1:]
			r.dropped++
			if r.dropped == 1 || r.dropped%100 == 0 {
				slog.Warn("dropping audio from unidentified speaker", "ssrc", p.SSRC, "dropped_packets", r.dropped)
			}
		}
		r.pending[p.SSRC] = append(queue, p)
		r.mu.Unlock()
		return
	}
	held := r.pending[p.SSRC]
	delete(r.pending, p.SSRC)
	r.mu.Unlock()

	for _, h := range held {
		h.UserID = userID
		r.deliver(h)
	}
	p.UserID = userID
	r.deliver(p)
}

func (v *voiceConnectionImpl) SendOpus(ctx context.Context, packets [][]byte) error {
	if v.vc.OpusSend == nil {
		return fmt.Errorf("voice connection is not ready to send")
	}
	if err := v.vc.Speaking(true); err != nil {
		slog.Warn("failed to set speaking state", "error", err)
	}
	defer func() {
		if err := v.vc.Speaking(false); err != nil {
			slog.Warn("failed to clear speaking state", "error", err)
		}
	}()
	for _, p := range packets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v.vc.OpusSend <- p:
		}
	}
	for i := 0; i < trailingSilenceFrames; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v.vc.OpusSend <- silenceFrame:
		}
	}
	return nil
}

// Package teno coordinates meetings for one Discord guild: it starts and ends
// them, routes gateway events to the right meeting and exports transcripts.
package teno

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/teno/internal/audio"
	"github.com/foxseedlab/teno/internal/capture"
	"github.com/foxseedlab/teno/internal/classifier"
	"github.com/foxseedlab/teno/internal/config"
	"github.com/foxseedlab/teno/internal/discord"
	"github.com/foxseedlab/teno/internal/generator"
	"github.com/foxseedlab/teno/internal/health"
	"github.com/foxseedlab/teno/internal/meeting"
	"github.com/foxseedlab/teno/internal/repository"
	"github.com/foxseedlab/teno/internal/responder"
	"github.com/foxseedlab/teno/internal/synthesizer"
	"github.com/foxseedlab/teno/internal/transcriber"
	"github.com/foxseedlab/teno/internal/transcript"
	"github.com/foxseedlab/teno/internal/webhook"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	exportTimeout  = 30 * time.Second
	cleanupTimeout = 10 * time.Second
)

var (
	ErrMeetingExists = errors.New("meeting already running in channel")
	ErrNoMeeting     = errors.New("no meeting in channel")
	ErrShuttingDown  = errors.New("shutting down")
)

type Dependencies struct {
	Repository  repository.Repository
	Discord     discord.Client
	Transcriber transcriber.Transcriber
	Store       transcript.Store
	Classifier  classifier.Classifier
	Generator   generator.Generator
	Synthesizer synthesizer.Synthesizer
	NewEncoder  audio.EncoderFactory
	Webhook     webhook.Sender
	Health      health.Reporter
}

type Teno struct {
	cfg         *config.Config
	repo        repository.Repository
	discord     discord.Client
	transcriber transcriber.Transcriber
	store       transcript.Store
	classifier  classifier.Classifier
	generator   generator.Generator
	synthesizer synthesizer.Synthesizer
	newEncoder  audio.EncoderFactory
	webhook     webhook.Sender
	health      health.Reporter
	now         func() time.Time
	newID       func() string

	mu        sync.Mutex
	meetings  map[string]*runningMeeting
	pending   map[string]struct{}
	starting  sync.WaitGroup
	closing   bool
	botUserID string
}

type runningMeeting struct {
	meeting  *meeting.Meeting
	voice    discord.VoiceConnection
	recorder *capture.Recorder
	timer    *time.Timer
}

func New(cfg *config.Config, deps Dependencies) *Teno {
	return &Teno{
		cfg:         cfg,
		repo:        deps.Repository,
		discord:     deps.Discord,
		transcriber: deps.Transcriber,
		store:       deps.Store,
		classifier:  deps.Classifier,
		generator:   deps.Generator,
		synthesizer: deps.Synthesizer,
		newEncoder:  deps.NewEncoder,
		webhook:     deps.Webhook,
		health:      deps.Health,
		now:         time.Now,
		newID:       uuid.NewString,
		meetings:    make(map[string]*runningMeeting),
		pending:     make(map[string]struct{}),
	}
}

func meetingKey(guildID, channelID string) string {
	return guildID + ":" + channelID
}

func (t *Teno) SetBotUserID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.botUserID = id
}

func (t *Teno) botID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.botUserID
}

// Register resolves the bot identity, installs the gateway handlers and
// publishes the slash commands to the configured guild.
func (t *Teno) Register() error {
	botUserID, err := t.discord.GetBotUserID()
	if err != nil {
		return fmt.Errorf("resolve bot user id: %w", err)
	}
	t.SetBotUserID(botUserID)

	if err := t.discord.UpsertGuildSlashCommands(t.cfg.DiscordGuildID, SlashCommandDefinitions()); err != nil {
		return fmt.Errorf("upsert slash commands: %w", err)
	}
	t.discord.RegisterVoiceStateUpdateHandler(t.HandleVoiceStateUpdate)
	t.discord.RegisterSlashCommandHandler(t.HandleSlashCommand)
	t.discord.RegisterMessageHandler(t.HandleMessage)
	slog.Info("discord handlers registered", "guild_id", t.cfg.DiscordGuildID, "bot_user_id", botUserID)
	return nil
}

func (t *Teno) running(guildID, channelID string) *runningMeeting {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meetings[meetingKey(guildID, channelID)]
}

// runningForTextChannel finds the meeting a text message belongs to, either
// through the voice channel's built-in chat or the channel the meeting was
// started from.
func (t *Teno) runningForTextChannel(guildID, channelID string) *runningMeeting {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rm, ok := t.meetings[meetingKey(guildID, channelID)]; ok {
		return rm
	}
	for _, rm := range t.meetings {
		if rm.meeting.GuildID() == guildID && rm.meeting.TextChannelID() == channelID {
			return rm
		}
	}
	return nil
}

func (t *Teno) ActiveMeetings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.meetings)
}

func (t *Teno) reserve(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return ErrShuttingDown
	}
	if _, ok := t.meetings[key]; ok {
		return ErrMeetingExists
	}
	if _, ok := t.pending[key]; ok {
		return ErrMeetingExists
	}
	t.pending[key] = struct{}{}
	t.starting.Add(1)
	return nil
}

func (t *Teno) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key)
	t.starting.Done()
}

// StartMeeting joins the voice channel and wires a new meeting pipeline to it.
func (t *Teno) StartMeeting(ctx context.Context, guildID, channelID, textChannelID, authorID string) (*meeting.Meeting, error) {
	key := meetingKey(guildID, channelID)
	if err := t.reserve(key); err != nil {
		return nil, err
	}
	defer t.release(key)
	logger := slog.With("guild_id", guildID, "channel_id", channelID)

	if err := t.closeOrphan(ctx, guildID, channelID); err != nil {
		return nil, err
	}

	voice, err := t.discord.JoinVoiceChannel(guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("join voice channel: %w", err)
	}
	logger.Info("joined voice channel")

	id := t.newID()
	startedAt := t.now()
	log := transcript.NewLog(t.store, id)
	botID := t.botID()
	m := meeting.New(meeting.Config{
		ID:            id,
		GuildID:       guildID,
		ChannelID:     channelID,
		TextChannelID: textChannelID,
		AuthorID:      authorID,
		BotID:         botID,
		BotName:       t.cfg.BotName,
		SpeechEnabled: t.cfg.SpeechEnabledDefault,
		StartedAt:     startedAt,
	}, log, t.repo, t.generator, t.detach)

	engine := responder.NewEngine(responder.Config{
		MeetingID:   id,
		BotName:     t.cfg.BotName,
		Voice:       t.cfg.TTSVoice,
		RecentLines: t.cfg.RecentLines,
	}, m, t.classifier, t.generator, t.synthesizer, responder.NewVoicePlayer(voice, t.newEncoder))

	recorder := capture.NewRecorder(capture.Config{
		MeetingID:      id,
		MeetingStart:   startedAt,
		SilenceTimeout: t.cfg.SilenceTimeout(),
		MaxUtterance:   t.cfg.MaxUtterance(),
		Hints:          t.transcribeHints(),
	}, m, t.transcriber, func(speakerID string) string {
		return t.discord.ResolveDisplayName(guildID, speakerID)
	})

	if err := m.Start(ctx, engine, recorder); err != nil {
		t.abortStart(logger, log, engine, recorder, voice)
		return nil, err
	}

	rm := &runningMeeting{meeting: m, voice: voice, recorder: recorder}
	rm.timer = time.AfterFunc(t.cfg.MaxMeetingDuration(), func() {
		if err := t.EndMeeting(context.Background(), guildID, channelID, reasonMaxDuration); err != nil && !errors.Is(err, ErrNoMeeting) {
			logger.Error("failed to end meeting at max duration", "error", err, "meeting_id", id)
		}
	})
	t.mu.Lock()
	t.meetings[key] = rm
	t.mu.Unlock()

	t.addCurrentParticipants(m, guildID, channelID, botID)
	go voice.ReceiveAudio(func(p discord.VoicePacket) {
		if p.UserID == botID {
			return
		}
		recorder.Write(p)
	})

	if err := t.discord.SendChannelMessage(textChannelID, startChannelMessage(t.cfg.BotName)); err != nil {
		logger.Warn("failed to post start message", "error", err, "meeting_id", id)
	}
	logger.Info("meeting activated", "meeting_id", id, "author_id", authorID)
	return m, nil
}

// closeOrphan ends an active row left behind by a process that died mid-meeting.
func (t *Teno) closeOrphan(ctx context.Context, guildID, channelID string) error {
	orphan, err := t.repo.GetActiveMeetingByChannel(ctx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("query active meeting: %w", err)
	}
	if orphan == nil {
		return nil
	}
	slog.Warn("found orphan active meeting; closing it", "meeting_id", orphan.ID, "guild_id", guildID, "channel_id", channelID)
	endedAt := t.now()
	if err := t.repo.EndMeeting(ctx, repository.EndMeetingInput{
		MeetingID:       orphan.ID,
		EndedAt:         endedAt,
		DurationSeconds: int64(endedAt.Sub(orphan.StartedAt).Seconds()),
		Reason:          reasonOrphaned,
	}); err != nil {
		return fmt.Errorf("close orphan meeting: %w", err)
	}
	return nil
}

func (t *Teno) abortStart(logger *slog.Logger, log *transcript.Log, engine *responder.Engine, recorder *capture.Recorder, voice discord.VoiceConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	engine.Close()
	_ = recorder.Close()
	if err := log.Drop(ctx); err != nil {
		logger.Warn("failed to drop transcript of aborted meeting", "error", err)
	}
	if err := voice.Disconnect(); err != nil {
		logger.Warn("failed to disconnect voice after aborted start", "error", err)
	}
}

func (t *Teno) transcribeHints() []string {
	hints := make([]string, 0, len(t.cfg.TranscribeKeywords)+1)
	if t.cfg.BotName != "" {
		hints = append(hints, t.cfg.BotName)
	}
	return append(hints, t.cfg.TranscribeKeywords...)
}

func (t *Teno) addCurrentParticipants(m *meeting.Meeting, guildID, channelID, botID string) {
	participants, err := t.discord.ListVoiceChannelParticipants(guildID, channelID)
	if err != nil {
		slog.Warn("failed to list voice participants", "error", err, "meeting_id", m.ID())
		return
	}
	for _, p := range participants {
		if p.IsBot || p.UserID == botID {
			continue
		}
		m.AddSpeaker(p.UserID, t.discord.ResolveDisplayName(guildID, p.UserID))
	}
}

// EndMeeting ends the meeting running in the channel, if any.
func (t *Teno) EndMeeting(ctx context.Context, guildID, channelID, reason string) error {
	rm := t.running(guildID, channelID)
	if rm == nil {
		return ErrNoMeeting
	}
	return rm.meeting.End(ctx, reason)
}

// detach runs once at the end of Meeting.End: it releases the channel and
// exports the finished transcript.
func (t *Teno) detach(m *meeting.Meeting) {
	key := meetingKey(m.GuildID(), m.ChannelID())
	t.mu.Lock()
	rm, ok := t.meetings[key]
	if ok && rm.meeting == m {
		delete(t.meetings, key)
	} else {
		rm = nil
	}
	t.mu.Unlock()
	if rm == nil {
		return
	}

	logger := slog.With("meeting_id", m.ID(), "guild_id", m.GuildID(), "channel_id", m.ChannelID())
	if rm.timer != nil {
		rm.timer.Stop()
	}
	if err := rm.voice.Disconnect(); err != nil {
		logger.Warn("failed to disconnect voice", "error", err)
	}
	stats := rm.recorder.Stats()
	logger.Info("meeting detached", "reason", m.EndReason(), "received_packets", stats.Received, "dropped_packets", stats.Dropped, "captured_utterances", stats.Captured)

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	t.exportTranscript(ctx, logger, m)
}

func (t *Teno) exportTranscript(ctx context.Context, logger *slog.Logger, m *meeting.Meeting) {
	lines := parseTranscript(m.Log().All(ctx))
	attendees := m.Attendees()
	ids := make([]string, 0, len(attendees))
	for _, a := range attendees {
		ids = append(ids, a.UserID)
	}
	meta, err := t.discord.ResolveTranscriptMetadata(ctx, m.GuildID(), m.ChannelID(), ids)
	if err != nil {
		logger.Warn("failed to resolve transcript metadata; using ids", "error", err)
		meta = fallbackMetadata(m.GuildID(), m.ChannelID(), attendees)
	}
	summary := meetingSummary{
		ID:        m.ID(),
		Name:      m.Name(),
		StartedAt: m.StartedAt(),
		EndedAt:   m.EndedAt(),
		EndReason: m.EndReason(),
	}
	export := newTranscriptExport(meta, summary, t.cfg.TranscriptTimezone, t.cfg.TranscriptLocation(), lines)

	if err := t.discord.SendChannelMessageWithFile(discord.FileMessage{
		ChannelID: m.TextChannelID(),
		Content:   endChannelMessage(summary.EndReason) + "\n" + messageAttachmentTitle,
		Filename:  fmt.Sprintf("transcript-%s.txt", m.ID()),
		FileBody:  export.Text(),
	}); err != nil {
		logger.Error("failed to post transcript file", "error", err)
	}

	if t.webhook == nil || t.cfg.TranscriptWebhookURL == "" {
		return
	}
	if err := t.webhook.SendTranscript(ctx, export.Payload()); err != nil {
		logger.Error("failed to send transcript webhook", "error", err)
	}
}

func fallbackMetadata(guildID, channelID string, attendees []meeting.Attendee) discord.TranscriptMetadata {
	participants := make([]discord.TranscriptParticipant, 0, len(attendees))
	for _, a := range attendees {
		participants = append(participants, discord.TranscriptParticipant{UserID: a.UserID, DisplayName: a.DisplayName})
	}
	return discord.TranscriptMetadata{
		DiscordServerID:         guildID,
		DiscordServerName:       guildID,
		DiscordVoiceChannelID:   channelID,
		DiscordVoiceChannelName: channelID,
		Participants:            participants,
	}
}

// Shutdown ends every running meeting concurrently and waits for all of them,
// even when some fail.
func (t *Teno) Shutdown(ctx context.Context) error {
	// Refuse new starts, then let starts already past reserve register
	// themselves so the snapshot below sees them.
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.starting.Wait()

	t.mu.Lock()
	running := make([]*meeting.Meeting, 0, len(t.meetings))
	for _, rm := range t.meetings {
		running = append(running, rm.meeting)
	}
	t.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for _, m := range running {
		g.Go(func() error {
			if err := m.End(ctx, reasonShutdown); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("end meeting %s: %w", m.ID(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("all meetings ended", "meetings", len(running), "failures", len(errs))
	return errors.Join(errs...)
}

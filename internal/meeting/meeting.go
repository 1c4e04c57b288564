// Package meeting holds the state of one recorded voice meeting and routes
// finished utterances to the transcript and the response engine.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/foxseedlab/teno/internal/capture"
	"github.com/foxseedlab/teno/internal/generator"
	"github.com/foxseedlab/teno/internal/prompt"
	"github.com/foxseedlab/teno/internal/repository"
	"github.com/foxseedlab/teno/internal/transcript"
)

type State int

const (
	StateCreated State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

const (
	persistTimeout = 10 * time.Second
	titleMaxLines  = 200
	titleMaxTokens = 32
)

var ErrEnded = errors.New("meeting has ended")

// Responder is the response engine as seen by a meeting.
type Responder interface {
	ConsiderResponding(ctx context.Context)
	Thinking() bool
	Speaking() bool
	Stop()
	Close()
}

// Capture is the utterance recorder as seen by a meeting.
type Capture interface {
	Close() error
}

type Config struct {
	ID            string
	GuildID       string
	ChannelID     string
	TextChannelID string
	AuthorID      string
	Name          string
	BotID         string
	BotName       string
	SpeechEnabled bool
	StartedAt     time.Time
}

type Attendee struct {
	UserID      string
	DisplayName string
}

type Meeting struct {
	cfg       Config
	log       *transcript.Log
	repo      repository.Repository
	generator generator.Generator
	onDetach  func(*Meeting)
	now       func() time.Time
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	name          string
	renamed       bool
	locked        bool
	speechEnabled bool
	attendees     map[string]string
	speaking      map[string]struct{}
	ignored       map[string]struct{}
	engine        Responder
	capture       Capture
	endedAt       time.Time
	endReason     string
}

func New(cfg Config, log *transcript.Log, repo repository.Repository, gen generator.Generator, onDetach func(*Meeting)) *Meeting {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Meeting{
		cfg:           cfg,
		log:           log,
		repo:          repo,
		generator:     gen,
		onDetach:      onDetach,
		now:           time.Now,
		logger:        slog.With("meeting_id", cfg.ID, "guild_id", cfg.GuildID, "channel_id", cfg.ChannelID),
		ctx:           ctx,
		cancel:        cancel,
		name:          cfg.Name,
		speechEnabled: cfg.SpeechEnabled,
		attendees:     make(map[string]string),
		speaking:      make(map[string]struct{}),
		ignored:       make(map[string]struct{}),
	}
}

// Start persists the meeting row and activates the pipeline.
func (m *Meeting) Start(ctx context.Context, engine Responder, capture Capture) error {
	m.mu.Lock()
	if m.state != StateCreated {
		m.mu.Unlock()
		return fmt.Errorf("start meeting in state %s", m.state)
	}
	m.mu.Unlock()

	if _, err := m.repo.CreateMeeting(ctx, repository.CreateMeetingInput{
		ID:        m.cfg.ID,
		GuildID:   m.cfg.GuildID,
		ChannelID: m.cfg.ChannelID,
		AuthorID:  m.cfg.AuthorID,
		Name:      m.cfg.Name,
		StartedAt: m.cfg.StartedAt,
	}); err != nil {
		return fmt.Errorf("create meeting: %w", err)
	}

	m.mu.Lock()
	m.engine = engine
	m.capture = capture
	m.state = StateActive
	m.mu.Unlock()
	m.logger.Info("meeting started", "author_id", m.cfg.AuthorID)
	return nil
}

func (m *Meeting) ID() string            { return m.cfg.ID }
func (m *Meeting) GuildID() string       { return m.cfg.GuildID }
func (m *Meeting) ChannelID() string     { return m.cfg.ChannelID }
func (m *Meeting) TextChannelID() string { return m.cfg.TextChannelID }
func (m *Meeting) AuthorID() string      { return m.cfg.AuthorID }
func (m *Meeting) StartedAt() time.Time  { return m.cfg.StartedAt }
func (m *Meeting) Log() *transcript.Log  { return m.log }

func (m *Meeting) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Meeting) Active() bool {
	return m.State() == StateActive
}

func (m *Meeting) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *Meeting) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

func (m *Meeting) SpeechEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speechEnabled
}

func (m *Meeting) EndedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endedAt
}

func (m *Meeting) EndReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endReason
}

// Attendees returns a copy sorted by user id.
func (m *Meeting) Attendees() []Attendee {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attendee, 0, len(m.attendees))
	for id, name := range m.attendees {
		out = append(out, Attendee{UserID: id, DisplayName: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Meeting) Speaking() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.speaking)
}

func (m *Meeting) Ignored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.ignored)
}

func (m *Meeting) IsIgnored(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ignored[id]
	return ok
}

// ResponderState reports the engine flags for status output.
func (m *Meeting) ResponderState() (thinking, speaking bool) {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil {
		return false, false
	}
	return engine.Thinking(), engine.Speaking()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AddSpeaker records an attendee; the store write does not block the caller.
func (m *Meeting) AddSpeaker(id, displayName string) {
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	name, known := m.attendees[id]
	if known && (name != "" || displayName == "") {
		m.mu.Unlock()
		return
	}
	m.attendees[id] = displayName
	if !known {
		m.persistAttendee(id, displayName)
	}
	m.mu.Unlock()
}

// persistAttendee must be called with m.mu held so End cannot race the WaitGroup.
func (m *Meeting) persistAttendee(id, displayName string) {
	joinedAt := m.now()
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), persistTimeout)
		defer cancel()
		if err := m.repo.AddAttendee(ctx, repository.AddAttendeeInput{
			MeetingID:   m.cfg.ID,
			UserID:      id,
			DisplayName: displayName,
			JoinedAt:    joinedAt,
		}); err != nil {
			m.logger.Error("failed to persist attendee", "error", err, "speaker_id", id)
		}
	}()
}

// BeginSpeaking gates a new capture task for the speaker.
func (m *Meeting) BeginSpeaking(id string) bool {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.speaking[id]; ok {
		m.mu.Unlock()
		return false
	}
	m.speaking[id] = struct{}{}
	if _, known := m.attendees[id]; !known {
		m.attendees[id] = ""
		m.persistAttendee(id, "")
	}
	m.mu.Unlock()
	return true
}

func (m *Meeting) UtteranceRecorded(u *capture.Utterance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.speaking, u.SpeakerID)
}

func (m *Meeting) UtteranceTranscribed(u *capture.Utterance) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	if _, ok := m.ignored[u.SpeakerID]; ok {
		m.mu.Unlock()
		m.logger.Debug("dropping utterance from ignored speaker", "speaker_id", u.SpeakerID)
		return
	}
	if u.SpeakerName != "" && m.attendees[u.SpeakerID] == "" {
		m.attendees[u.SpeakerID] = u.SpeakerName
	}
	speechEnabled := m.speechEnabled
	engine := m.engine
	m.mu.Unlock()

	line := transcript.CreateLine(u.SpeakerName, u.SpeakerID, u.Text, u.Offset, u.StartedAt)
	if err := m.log.Append(m.ctx, line, u.StartedAt.UnixMilli()); err != nil {
		m.logger.Error("failed to append utterance", "error", err, "speaker_id", u.SpeakerID)
		return
	}
	if u.Text == "" || !speechEnabled || engine == nil || engine.Thinking() {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		engine.ConsiderResponding(m.ctx)
	}()
}

func (m *Meeting) Ignore(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ignored[id]; ok {
		return false
	}
	m.ignored[id] = struct{}{}
	return true
}

func (m *Meeting) Unignore(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ignored[id]; !ok {
		return false
	}
	delete(m.ignored, id)
	return true
}

// ForgetSpeaker removes every line the speaker has contributed so far.
func (m *Meeting) ForgetSpeaker(ctx context.Context, id string) (int, error) {
	return m.log.RemoveSpeaker(ctx, id)
}

// StopSpeaking interrupts the current answer; it reports whether one was playing.
func (m *Meeting) StopSpeaking() bool {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil || !(engine.Thinking() || engine.Speaking()) {
		return false
	}
	engine.Stop()
	return true
}

func (m *Meeting) SetSpeechEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speechEnabled = enabled
}

func (m *Meeting) SetLocked(ctx context.Context, locked bool) error {
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return ErrEnded
	}
	m.locked = locked
	m.mu.Unlock()
	if err := m.repo.SetMeetingLocked(ctx, m.cfg.ID, locked); err != nil {
		return fmt.Errorf("persist lock: %w", err)
	}
	return nil
}

// Rename sets a manual name, which suppresses the automatic title at end.
func (m *Meeting) Rename(ctx context.Context, name string) error {
	m.mu.Lock()
	m.name = name
	m.renamed = true
	m.mu.Unlock()
	if err := m.repo.RenameMeeting(ctx, m.cfg.ID, name); err != nil {
		return fmt.Errorf("persist name: %w", err)
	}
	return nil
}

func (m *Meeting) AppendBotLine(ctx context.Context, text string) error {
	now := m.now()
	line := transcript.CreateLine(m.cfg.BotName, m.cfg.BotID, text, now.Sub(m.cfg.StartedAt), now)
	return m.log.Append(ctx, line, now.UnixMilli())
}

func (m *Meeting) RecentLines(ctx context.Context, n int) []string {
	return transcript.CleanLines(m.log.Recent(ctx, n))
}

func (m *Meeting) Transcript(ctx context.Context) []string {
	return m.log.Cleaned(ctx)
}

// End stops the pipeline and persists the outcome. Only the first call does
// any work; every step runs even when an earlier one fails.
func (m *Meeting) End(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return nil
	}
	wasActive := m.state == StateActive
	m.state = StateEnded
	m.endedAt = m.now()
	m.endReason = reason
	m.speaking = make(map[string]struct{})
	renamed := m.renamed
	engine, capture := m.engine, m.capture
	endedAt := m.endedAt
	m.mu.Unlock()

	m.logger.Info("ending meeting", "reason", reason)
	if engine != nil {
		engine.Close()
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			m.logger.Warn("failed to close capture", "error", err)
		}
	}
	m.cancel()
	m.bg.Wait()

	var firstErr error
	if wasActive {
		duration := endedAt.Sub(m.cfg.StartedAt)
		if err := m.repo.EndMeeting(ctx, repository.EndMeetingInput{
			MeetingID:       m.cfg.ID,
			EndedAt:         endedAt,
			DurationSeconds: int64(duration.Seconds()),
			Reason:          reason,
		}); err != nil {
			firstErr = fmt.Errorf("persist meeting end: %w", err)
		}
		if !renamed {
			if err := m.autoRename(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if m.onDetach != nil {
		m.onDetach(m)
	}
	return firstErr
}

func (m *Meeting) autoRename(ctx context.Context) error {
	if m.generator == nil {
		return nil
	}
	lines := m.log.Cleaned(ctx)
	if len(lines) == 0 {
		return nil
	}
	if len(lines) > titleMaxLines {
		lines = lines[:titleMaxLines]
	}
	res := m.generator.Generate(ctx, generator.Request{
		Messages:  prompt.MeetingTitle(lines),
		MaxTokens: titleMaxTokens,
	})
	if !res.OK() {
		m.logger.Warn("failed to generate meeting title", "error", res.Error)
		return nil
	}
	title := prompt.CleanTitle(res.Answer)
	if title == "" {
		return nil
	}
	m.mu.Lock()
	m.name = title
	m.mu.Unlock()
	if err := m.repo.RenameMeeting(ctx, m.cfg.ID, title); err != nil {
		return fmt.Errorf("persist generated name: %w", err)
	}
	m.logger.Info("meeting renamed from transcript", "name", title)
	return nil
}

package meeting

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxseedlab/teno/internal/audio"
	"github.com/foxseedlab/teno/internal/capture"
	"github.com/foxseedlab/teno/internal/classifier"
	"github.com/foxseedlab/teno/internal/generator"
	"github.com/foxseedlab/teno/internal/repository"
	"github.com/foxseedlab/teno/internal/responder"
	"github.com/foxseedlab/teno/internal/transcript"
)

type memoryStore struct {
	mu   sync.Mutex
	sets map[string]map[string]float64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sets: make(map[string]map[string]float64)}
}

func (s *memoryStore) Add(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]float64)
	}
	s.sets[key][member] = score
	return nil
}

func (s *memoryStore) sorted(key string) []transcript.ScoredMember {
	out := make([]transcript.ScoredMember, 0, len(s.sets[key]))
	for m, score := range s.sets[key] {
		out = append(out, transcript.ScoredMember{Member: m, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (s *memoryStore) Range(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sorted(key) {
		out = append(out, m.Member)
	}
	return out, nil
}

func (s *memoryStore) RangeWithScores(_ context.Context, key string) ([]transcript.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(key), nil
}

func (s *memoryStore) RangeLast(_ context.Context, key string, n int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted(key)
	var out []string
	for i := len(all) - 1; i >= 0 && int64(len(out)) < n; i-- {
		out = append(out, all[i].Member)
	}
	return out, nil
}

func (s *memoryStore) RemoveMembers(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.sets[key], m)
	}
	return nil
}

func (s *memoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.sets, k)
	}
	return nil
}

type mockRepository struct {
	mu        sync.Mutex
	created   []repository.CreateMeetingInput
	ended     []repository.EndMeetingInput
	renamed   []string
	locked    []bool
	attendees []repository.AddAttendeeInput
	endErr    error
	renameErr error
}

func (r *mockRepository) CreateMeeting(_ context.Context, in repository.CreateMeetingInput) (*repository.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, in)
	return &repository.Meeting{ID: in.ID, GuildID: in.GuildID, ChannelID: in.ChannelID, Status: repository.MeetingStatusActive}, nil
}

func (r *mockRepository) EndMeeting(_ context.Context, in repository.EndMeetingInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, in)
	return r.endErr
}

func (r *mockRepository) RenameMeeting(_ context.Context, _ string, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renamed = append(r.renamed, name)
	return r.renameErr
}

func (r *mockRepository) SetMeetingLocked(_ context.Context, _ string, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = append(r.locked, locked)
	return nil
}

func (r *mockRepository) GetActiveMeetingByChannel(context.Context, string, string) (*repository.Meeting, error) {
	return nil, nil
}

func (r *mockRepository) AddAttendee(_ context.Context, in repository.AddAttendeeInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attendees = append(r.attendees, in)
	return nil
}

func (r *mockRepository) ListAttendees(context.Context, string) ([]repository.Attendee, error) {
	return nil, nil
}

func (r *mockRepository) attendeeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attendees)
}

type mockGenerator struct {
	calls  atomic.Int32
	answer string
	tokens []string
}

func (g *mockGenerator) Generate(context.Context, generator.Request) generator.Result {
	g.calls.Add(1)
	return generator.Result{Status: generator.StatusOK, Answer: g.answer}
}

func (g *mockGenerator) Stream(_ context.Context, _ generator.Request, onToken func(string)) generator.Result {
	g.calls.Add(1)
	answer := ""
	for _, tok := range g.tokens {
		onToken(tok)
		answer += tok
	}
	return generator.Result{Status: generator.StatusOK, Answer: answer}
}

type mockResponder struct {
	considered atomic.Int32
	closed     atomic.Int32
	stopped    atomic.Int32
	thinking   atomic.Bool
}

func (r *mockResponder) ConsiderResponding(context.Context) { r.considered.Add(1) }
func (r *mockResponder) Thinking() bool                     { return r.thinking.Load() }
func (r *mockResponder) Speaking() bool                     { return false }
func (r *mockResponder) Stop()                              { r.stopped.Add(1) }
func (r *mockResponder) Close()                             { r.closed.Add(1) }

type mockCapture struct{ closed atomic.Int32 }

func (c *mockCapture) Close() error {
	c.closed.Add(1)
	return nil
}

type fixture struct {
	meeting  *Meeting
	store    *memoryStore
	repo     *mockRepository
	gen      *mockGenerator
	engine   *mockResponder
	capture  *mockCapture
	detached atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemoryStore(),
		repo:    &mockRepository{},
		gen:     &mockGenerator{answer: "Release planning"},
		engine:  &mockResponder{},
		capture: &mockCapture{},
	}
	f.meeting = New(Config{
		ID:            "meeting-1",
		GuildID:       "guild-1",
		ChannelID:     "vc-1",
		AuthorID:      "100",
		BotID:         "999",
		BotName:       "Teno",
		SpeechEnabled: true,
		StartedAt:     time.Now().Add(-time.Minute),
	}, transcript.NewLog(f.store, "meeting-1"), f.repo, f.gen, func(*Meeting) { f.detached.Add(1) })
	if err := f.meeting.Start(context.Background(), f.engine, f.capture); err != nil {
		t.Fatalf("start meeting: %v", err)
	}
	return f
}

func utterance(speaker, text string, at time.Time) *capture.Utterance {
	return &capture.Utterance{SpeakerID: speaker, SpeakerName: "name-" + speaker, Text: text, Offset: time.Second, StartedAt: at}
}

func TestStart_PersistsMeeting(t *testing.T) {
	f := newFixture(t)
	if !f.meeting.Active() {
		t.Fatal("expected active meeting")
	}
	if len(f.repo.created) != 1 || f.repo.created[0].ID != "meeting-1" || f.repo.created[0].AuthorID != "100" {
		t.Fatalf("unexpected create calls: %+v", f.repo.created)
	}
	if err := f.meeting.Start(context.Background(), f.engine, f.capture); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestBeginSpeaking_GatesAndAddsAttendee(t *testing.T) {
	f := newFixture(t)

	if !f.meeting.BeginSpeaking("200") {
		t.Fatal("first begin should succeed")
	}
	if f.meeting.BeginSpeaking("200") {
		t.Fatal("speaker already speaking should be rejected")
	}
	if got := f.meeting.Attendees(); len(got) != 1 || got[0].UserID != "200" {
		t.Fatalf("expected new speaker as attendee, got %+v", got)
	}
	waitUntil(t, time.Second, func() bool { return f.repo.attendeeCount() == 1 }, "attendee should be persisted")

	f.meeting.UtteranceRecorded(utterance("200", "", time.Now()))
	if len(f.meeting.Speaking()) != 0 {
		t.Fatal("recorded utterance should clear speaking")
	}
	if !f.meeting.BeginSpeaking("200") {
		t.Fatal("speaker should be able to start again")
	}
}

func TestAddSpeaker_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.meeting.AddSpeaker("200", "alice")
	f.meeting.AddSpeaker("200", "alice")
	waitUntil(t, time.Second, func() bool { return f.repo.attendeeCount() == 1 }, "attendee should be persisted")
	time.Sleep(20 * time.Millisecond)
	if got := f.repo.attendeeCount(); got != 1 {
		t.Fatalf("expected one attendee write, got %d", got)
	}
}

func TestIgnore_IdempotentAndUnignoreRestores(t *testing.T) {
	f := newFixture(t)
	base := time.Now()

	if !f.meeting.Ignore("200") {
		t.Fatal("first ignore should change state")
	}
	if f.meeting.Ignore("200") {
		t.Fatal("second ignore should be a no-op")
	}
	f.meeting.UtteranceTranscribed(utterance("200", "secret", base))
	if got := f.meeting.Transcript(context.Background()); len(got) != 0 {
		t.Fatalf("ignored speaker should not be appended, got %q", got)
	}

	if !f.meeting.Unignore("200") {
		t.Fatal("unignore should change state")
	}
	if f.meeting.Unignore("200") {
		t.Fatal("second unignore should be a no-op")
	}
	f.meeting.UtteranceTranscribed(utterance("200", "hello again", base.Add(time.Second)))
	got := f.meeting.Transcript(context.Background())
	if len(got) != 1 || !strings.HasSuffix(got[0], ": hello again") {
		t.Fatalf("expected appended line after unignore, got %q", got)
	}
}

func TestUtteranceTranscribed_HandsOffToEngine(t *testing.T) {
	f := newFixture(t)
	f.meeting.UtteranceTranscribed(utterance("200", "Teno, hi", time.Now()))
	waitUntil(t, time.Second, func() bool { return f.engine.considered.Load() == 1 }, "engine should be consulted")

	f.engine.thinking.Store(true)
	f.meeting.UtteranceTranscribed(utterance("200", "again", time.Now()))
	f.meeting.SetSpeechEnabled(false)
	f.engine.thinking.Store(false)
	f.meeting.UtteranceTranscribed(utterance("200", "quiet", time.Now()))
	time.Sleep(30 * time.Millisecond)
	if got := f.engine.considered.Load(); got != 1 {
		t.Fatalf("expected no hand-off while thinking or muted, got %d", got)
	}
	if got := len(f.meeting.Transcript(context.Background())); got != 3 {
		t.Fatalf("expected all lines appended, got %d", got)
	}
}

func TestEnd_IdempotentAndPersists(t *testing.T) {
	f := newFixture(t)
	f.meeting.UtteranceTranscribed(utterance("200", "let's plan the release", time.Now()))
	f.meeting.BeginSpeaking("300")

	if err := f.meeting.End(context.Background(), "leave command"); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if err := f.meeting.End(context.Background(), "shutdown"); err != nil {
		t.Fatalf("second end should be a no-op, got %v", err)
	}

	if f.meeting.State() != StateEnded || f.meeting.EndReason() != "leave command" {
		t.Fatalf("unexpected state %s reason %q", f.meeting.State(), f.meeting.EndReason())
	}
	if len(f.repo.ended) != 1 || f.repo.ended[0].DurationSeconds < 60 {
		t.Fatalf("unexpected end calls: %+v", f.repo.ended)
	}
	if f.detached.Load() != 1 || f.engine.closed.Load() != 1 || f.capture.closed.Load() != 1 {
		t.Fatalf("expected single teardown, detached=%d engine=%d capture=%d", f.detached.Load(), f.engine.closed.Load(), f.capture.closed.Load())
	}
	if len(f.meeting.Speaking()) != 0 {
		t.Fatal("speaking set should be cleared")
	}
	if f.meeting.Name() != "Release planning" {
		t.Fatalf("expected generated name, got %q", f.meeting.Name())
	}
}

func TestEnd_ManualNameSkipsGeneration(t *testing.T) {
	f := newFixture(t)
	f.meeting.UtteranceTranscribed(utterance("200", "hello", time.Now()))
	if err := f.meeting.Rename(context.Background(), "Standup"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := f.meeting.End(context.Background(), "leave command"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if f.gen.calls.Load() != 0 {
		t.Fatal("manual rename should suppress title generation")
	}
	if f.meeting.Name() != "Standup" {
		t.Fatalf("unexpected name %q", f.meeting.Name())
	}
}

func TestEnd_ReturnsPersistenceErrorAfterAllSteps(t *testing.T) {
	f := newFixture(t)
	f.repo.endErr = errors.New("db down")

	err := f.meeting.End(context.Background(), "shutdown")
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if f.detached.Load() != 1 || f.capture.closed.Load() != 1 {
		t.Fatal("teardown should run despite persistence failure")
	}
}

func TestUtteranceTranscribed_NoOpAfterEnd(t *testing.T) {
	f := newFixture(t)
	_ = f.meeting.End(context.Background(), "shutdown")

	f.meeting.UtteranceTranscribed(utterance("200", "too late", time.Now()))
	if got := f.meeting.Transcript(context.Background()); len(got) != 0 {
		t.Fatalf("ended meeting should not append, got %q", got)
	}
	if f.meeting.BeginSpeaking("200") {
		t.Fatal("ended meeting should reject new captures")
	}
	if !errors.Is(f.meeting.SetLocked(context.Background(), true), ErrEnded) {
		t.Fatal("locking an ended meeting should fail with ErrEnded")
	}
}

func TestForgetSpeaker_RemovesOnlyTheirLines(t *testing.T) {
	f := newFixture(t)
	base := time.Now()
	f.meeting.SetSpeechEnabled(false)
	f.meeting.UtteranceTranscribed(utterance("200", "one", base))
	f.meeting.UtteranceTranscribed(utterance("300", "two", base.Add(time.Second)))
	f.meeting.UtteranceTranscribed(utterance("200", "three", base.Add(2*time.Second)))

	n, err := f.meeting.ForgetSpeaker(context.Background(), "200")
	if err != nil || n != 2 {
		t.Fatalf("expected two removed lines, got %d %v", n, err)
	}
	got := f.meeting.Transcript(context.Background())
	if len(got) != 1 || !strings.HasSuffix(got[0], ": two") {
		t.Fatalf("unexpected remaining transcript: %q", got)
	}
}

type sequenceClassifier struct {
	mu        sync.Mutex
	calls     int
	decisions []classifier.Decision
}

func (c *sequenceClassifier) Classify(context.Context, []string) (classifier.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.decisions[min(c.calls, len(c.decisions)-1)]
	c.calls++
	return d, nil
}

func (c *sequenceClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type toneSynthesizer struct{}

func (toneSynthesizer) Synthesize(context.Context, string, string) (audio.PCM, error) {
	return audio.Tone(440, 20*time.Millisecond, 0.1), nil
}

type nullPlayer struct{}

func (nullPlayer) Play(context.Context, audio.PCM) error { return nil }

func TestPipeline_PassThenSpeakYieldsOneBotLine(t *testing.T) {
	store := newMemoryStore()
	repo := &mockRepository{}
	gen := &mockGenerator{tokens: []string{"Sure. ", "It is noon."}}
	cls := &sequenceClassifier{decisions: []classifier.Decision{classifier.Pass, classifier.Speak}}

	m := New(Config{
		ID:            "meeting-e2e",
		BotID:         "999",
		BotName:       "Teno",
		SpeechEnabled: true,
		StartedAt:     time.Now().Add(-time.Minute),
	}, transcript.NewLog(store, "meeting-e2e"), repo, gen, nil)
	engine := responder.NewEngine(responder.Config{MeetingID: "meeting-e2e", BotName: "Teno"}, m, cls, gen, toneSynthesizer{}, nullPlayer{})
	if err := m.Start(context.Background(), engine, &mockCapture{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := time.Now().Add(-2 * time.Second)
	m.UtteranceTranscribed(utterance("200", "nice weather", first))
	waitUntil(t, time.Second, func() bool { return cls.callCount() == 1 }, "first utterance should be classified")
	waitUntil(t, time.Second, func() bool { return !engine.Thinking() }, "engine should be idle after PASS")

	second := time.Now().Add(-time.Second)
	m.UtteranceTranscribed(utterance("200", "Teno, what time is it?", second))
	waitUntil(t, 2*time.Second, func() bool {
		return strings.Contains(strings.Join(m.Transcript(context.Background()), "\n"), "Teno (")
	}, "bot line should be appended")
	waitUntil(t, time.Second, func() bool { return !engine.Thinking() && !engine.Speaking() }, "engine should return to idle")

	scored := m.Log().WithScores(context.Background())
	var botLines []transcript.ScoredMember
	for _, s := range scored {
		if strings.HasPrefix(s.Member, "<999>") {
			botLines = append(botLines, s)
		}
	}
	if len(botLines) != 1 {
		t.Fatalf("expected exactly one bot line, got %d", len(botLines))
	}
	if botLines[0].Score <= float64(second.UnixMilli()) {
		t.Fatalf("bot line %v should follow the second utterance %d", botLines[0].Score, second.UnixMilli())
	}
	if !strings.Contains(botLines[0].Member, "Sure. It is noon.") {
		t.Fatalf("unexpected bot line: %q", botLines[0].Member)
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("expected one generation, got %d", gen.calls.Load())
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestStopSpeaking_OnlyInterruptsActiveAnswer(t *testing.T) {
	f := newFixture(t)
	if f.meeting.StopSpeaking() {
		t.Fatal("expected no-op while idle")
	}
	f.engine.thinking.Store(true)
	if !f.meeting.StopSpeaking() {
		t.Fatal("expected stop while thinking")
	}
	if got := f.engine.stopped.Load(); got != 1 {
		t.Fatalf("expected one stop, got %d", got)
	}
}

package capture

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/teno/internal/discord"
	"github.com/foxseedlab/teno/internal/transcriber"
)

var silentOpus = []byte{0xF8, 0xFF, 0xFE}

type mockSink struct {
	mu          sync.Mutex
	speaking    map[string]bool
	begins      map[string]int
	recorded    []*Utterance
	transcribed []*Utterance
	reject      bool
}

func newMockSink() *mockSink {
	return &mockSink{speaking: map[string]bool{}, begins: map[string]int{}}
}

func (s *mockSink) BeginSpeaking(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject || s.speaking[id] {
		return false
	}
	s.speaking[id] = true
	s.begins[id]++
	return true
}

func (s *mockSink) UtteranceRecorded(u *Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.speaking, u.SpeakerID)
	s.recorded = append(s.recorded, u)
}

func (s *mockSink) UtteranceTranscribed(u *Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcribed = append(s.transcribed, u)
}

func (s *mockSink) counts() (recorded, transcribed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recorded), len(s.transcribed)
}

func (s *mockSink) beginCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins[id]
}

func (s *mockSink) transcribedBy(id string) []*Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Utterance
	for _, u := range s.transcribed {
		if u.SpeakerID == id {
			out = append(out, u)
		}
	}
	return out
}

type mockTranscriber struct {
	mu     sync.Mutex
	calls  int
	audio  [][]byte
	hints  []string
	failOn map[string]bool
	text   string
}

func (m *mockTranscriber) Transcribe(_ context.Context, a transcriber.Audio, hints []string) (*transcriber.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.audio = append(m.audio, a.Data)
	m.hints = hints
	for marker := range m.failOn {
		if bytes.Contains(a.Data, []byte(marker)) {
			return nil, errors.New("speech backend unavailable")
		}
	}
	if m.text == "" {
		return nil, nil
	}
	return &transcriber.Result{Text: m.text, DurationSeconds: 1.5}, nil
}

func (m *mockTranscriber) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestRecorder(sink Sink, stt transcriber.Transcriber) *Recorder {
	return NewRecorder(Config{
		MeetingID:      "meeting-1",
		MeetingStart:   time.Now().Add(-time.Minute),
		SilenceTimeout: 100 * time.Millisecond,
		MaxUtterance:   5 * time.Second,
		Hints:          []string{"Teno"},
	}, sink, stt, func(id string) string { return "name-" + id })
}

func packet(user string, seq uint16, payload []byte) discord.VoicePacket {
	return discord.VoicePacket{UserID: user, SSRC: 1, Sequence: seq, Timestamp: uint32(seq) * 960, Opus: payload}
}

func TestRecorder_OneTaskPerSpeaker(t *testing.T) {
	sink := newMockSink()
	stt := &mockTranscriber{text: "hello"}
	r := newTestRecorder(sink, stt)
	defer r.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				r.Write(packet("user-a", uint16(g*10+i), silentOpus))
			}
		}(g)
	}
	wg.Wait()

	waitUntil(t, time.Second, func() bool { _, n := sink.counts(); return n == 1 }, "expected one transcribed utterance")
	if got := sink.beginCount("user-a"); got != 1 {
		t.Fatalf("expected one capture task, got %d", got)
	}
	if got := stt.callCount(); got != 1 {
		t.Fatalf("expected one transcription call, got %d", got)
	}
	u := sink.transcribedBy("user-a")[0]
	if u.SpeakerName != "name-user-a" || u.Text != "hello" {
		t.Fatalf("unexpected utterance: %+v", u)
	}
	if u.Offset < time.Minute {
		t.Fatalf("expected offset from meeting start, got %v", u.Offset)
	}
	if u.Audio != nil {
		t.Fatal("expected audio to be released after transcription")
	}
	if len(stt.hints) != 1 || stt.hints[0] != "Teno" {
		t.Fatalf("unexpected hints: %v", stt.hints)
	}
}

func TestRecorder_WritesOggContainer(t *testing.T) {
	sink := newMockSink()
	stt := &mockTranscriber{text: "hi"}
	r := newTestRecorder(sink, stt)
	defer r.Close()

	r.Write(packet("user-a", 1, silentOpus))
	r.Write(packet("user-a", 2, silentOpus))

	waitUntil(t, time.Second, func() bool { return stt.callCount() == 1 }, "expected transcription call")
	stt.mu.Lock()
	data := stt.audio[0]
	stt.mu.Unlock()
	if !bytes.HasPrefix(data, []byte("OggS")) {
		t.Fatalf("expected ogg container, got %q", data[:min(len(data), 8)])
	}
}

func TestRecorder_NewTaskAfterSilence(t *testing.T) {
	sink := newMockSink()
	stt := &mockTranscriber{text: "again"}
	r := newTestRecorder(sink, stt)
	defer r.Close()

	r.Write(packet("user-a", 1, silentOpus))
	waitUntil(t, time.Second, func() bool { _, n := sink.counts(); return n == 1 }, "first utterance should complete")
	r.Write(packet("user-a", 2, silentOpus))
	waitUntil(t, time.Second, func() bool { _, n := sink.counts(); return n == 2 }, "second utterance should complete")

	if got := sink.beginCount("user-a"); got != 2 {
		t.Fatalf("expected two sequential tasks, got %d", got)
	}
}

func TestRecorder_FailureIsolatedPerSpeaker(t *testing.T) {
	sink := newMockSink()
	stt := &mockTranscriber{text: "fine", failOn: map[string]bool{"BAD": true}}
	r := newTestRecorder(sink, stt)
	defer r.Close()

	r.Write(packet("user-a", 1, []byte("BAD-frame")))
	r.Write(packet("user-b", 1, silentOpus))

	waitUntil(t, time.Second, func() bool { recorded, _ := sink.counts(); return recorded == 2 }, "both utterances should be recorded")
	waitUntil(t, time.Second, func() bool { return len(sink.transcribedBy("user-b")) == 1 }, "healthy speaker should be transcribed")
	if got := len(sink.transcribedBy("user-a")); got != 0 {
		t.Fatalf("failed speaker should not be transcribed, got %d", got)
	}
}

func TestRecorder_EmptyResultDiscarded(t *testing.T) {
	sink := newMockSink()
	stt := &mockTranscriber{}
	r := newTestRecorder(sink, stt)
	defer r.Close()

	r.Write(packet("user-a", 1, silentOpus))
	waitUntil(t, time.Second, func() bool { return stt.callCount() == 1 }, "expected transcription call")
	waitUntil(t, time.Second, func() bool { recorded, _ := sink.counts(); return recorded == 1 }, "expected recorded utterance")
	if _, transcribed := sink.counts(); transcribed != 0 {
		t.Fatalf("empty result should be discarded, got %d", transcribed)
	}
}

func TestRecorder_RejectedSpeakerNotCaptured(t *testing.T) {
	sink := newMockSink()
	sink.reject = true
	stt := &mockTranscriber{text: "x"}
	r := newTestRecorder(sink, stt)
	defer r.Close()

	r.Write(packet("user-a", 1, silentOpus))
	if r.Speaking("user-a") {
		t.Fatal("rejected speaker should not have a task")
	}
	if stats := r.Stats(); stats.Received != 1 || stats.Dropped != 1 {
		t.Fatalf("expected rejected packet counted as dropped, got %+v", stats)
	}
}

func TestRecorder_NextTurnStartsWhileNameResolves(t *testing.T) {
	sink := newMockSink()
	stt := &mockTranscriber{text: "turn"}
	r := NewRecorder(Config{
		MeetingID:      "meeting-1",
		MeetingStart:   time.Now(),
		SilenceTimeout: 50 * time.Millisecond,
		MaxUtterance:   5 * time.Second,
	}, sink, stt, func(id string) string {
		time.Sleep(300 * time.Millisecond)
		return "name-" + id
	})
	defer r.Close()

	r.Write(packet("user-a", 1, silentOpus))
	waitUntil(t, 2*time.Second, func() bool { recorded, _ := sink.counts(); return recorded == 1 }, "first turn should finish")
	for i := 0; i < 10; i++ {
		r.Write(packet("user-a", uint16(2+i), silentOpus))
		time.Sleep(10 * time.Millisecond)
	}
	waitUntil(t, 2*time.Second, func() bool { _, n := sink.counts(); return n == 2 }, "second turn should be transcribed")

	if got := sink.beginCount("user-a"); got != 2 {
		t.Fatalf("expected two turns, got %d", got)
	}
	if stats := r.Stats(); stats.Received != 11 || stats.Dropped != 0 || stats.Captured != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	total := 0
	for _, u := range sink.transcribedBy("user-a") {
		total += u.Packets
	}
	if total != 11 {
		t.Fatalf("expected every packet in an utterance, got %d", total)
	}
}

func TestRecorder_CloseEndsInFlightCapture(t *testing.T) {
	sink := newMockSink()
	stt := &mockTranscriber{text: "x"}
	r := NewRecorder(Config{
		MeetingID:      "meeting-1",
		MeetingStart:   time.Now(),
		SilenceTimeout: time.Hour,
		MaxUtterance:   time.Hour,
	}, sink, stt, nil)

	r.Write(packet("user-a", 1, silentOpus))
	if !r.Speaking("user-a") {
		t.Fatal("expected in-flight task")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if recorded, _ := sink.counts(); recorded != 1 {
		t.Fatalf("expected recorded utterance on close, got %d", recorded)
	}
	r.Write(packet("user-b", 1, silentOpus))
	if r.Speaking("user-b") {
		t.Fatal("closed recorder should not start tasks")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
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

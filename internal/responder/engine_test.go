package responder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxseedlab/teno/internal/audio"
	"github.com/foxseedlab/teno/internal/classifier"
	"github.com/foxseedlab/teno/internal/generator"
)

type fakeTranscript struct {
	mu       sync.Mutex
	lines    []string
	botLines []string
}

func (f *fakeTranscript) RecentLines(_ context.Context, n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := max(len(f.lines)-n, 0)
	return append([]string(nil), f.lines[start:]...)
}

func (f *fakeTranscript) AppendBotLine(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.botLines = append(f.botLines, text)
	return nil
}

func (f *fakeTranscript) bot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.botLines...)
}

type fakeClassifier struct {
	mu        sync.Mutex
	decisions []classifier.Decision
	err       error
}

func (f *fakeClassifier) Classify(_ context.Context, _ []string) (classifier.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return classifier.Pass, f.err
	}
	if len(f.decisions) == 0 {
		return classifier.Pass, nil
	}
	d := f.decisions[0]
	if len(f.decisions) > 1 {
		f.decisions = f.decisions[1:]
	}
	return d, nil
}

type fakeGenerator struct {
	calls  atomic.Int32
	stream func(ctx context.Context, onToken func(string)) generator.Result
}

func (f *fakeGenerator) Generate(context.Context, generator.Request) generator.Result {
	return generator.Result{Status: generator.StatusOK}
}

func (f *fakeGenerator) Stream(ctx context.Context, _ generator.Request, onToken func(string)) generator.Result {
	f.calls.Add(1)
	return f.stream(ctx, onToken)
}

func streamTokens(tokens ...string) func(context.Context, func(string)) generator.Result {
	return func(_ context.Context, onToken func(string)) generator.Result {
		answer := ""
		for _, tok := range tokens {
			onToken(tok)
			answer += tok
		}
		return generator.Result{Status: generator.StatusOK, Answer: answer}
	}
}

// fakeSynthesizer encodes the sentence order into the first sample.
type fakeSynthesizer struct {
	ids    map[string]int16
	delays map[string]time.Duration
	fail   map[string]bool
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text, _ string) (audio.PCM, error) {
	if d := f.delays[text]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return audio.PCM{}, ctx.Err()
		}
	}
	if f.fail[text] {
		return audio.PCM{}, errors.New("voice unavailable")
	}
	return audio.PCM{Samples: []int16{f.ids[text]}, SampleRate: audio.DiscordSampleRate, Channels: 1}, nil
}

type fakePlayer struct {
	mu     sync.Mutex
	played []int16
	cues   int
	block  bool
}

func (p *fakePlayer) Play(ctx context.Context, pcm audio.PCM) error {
	if len(pcm.Samples) > 1 {
		p.mu.Lock()
		p.cues++
		p.mu.Unlock()
		return nil
	}
	p.mu.Lock()
	p.played = append(p.played, pcm.Samples[0])
	block := p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePlayer) snapshot() ([]int16, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int16(nil), p.played...), p.cues
}

func newTestEngine(tr *fakeTranscript, cls *fakeClassifier, gen *fakeGenerator, synth *fakeSynthesizer, player *fakePlayer) *Engine {
	return NewEngine(Config{MeetingID: "meeting-1", BotName: "Teno", RecentLines: 5}, tr, cls, gen, synth, player)
}

func TestConsiderResponding_PlaysSentencesInOrder(t *testing.T) {
	tr := &fakeTranscript{lines: []string{"alice (00:01): Teno, say hi"}}
	gen := &fakeGenerator{stream: streamTokens("First one. ", "Second one. ", "Third")}
	synth := &fakeSynthesizer{
		ids:    map[string]int16{"First one.": 1, "Second one.": 2, "Third": 3},
		delays: map[string]time.Duration{"First one.": 80 * time.Millisecond},
	}
	player := &fakePlayer{}
	e := newTestEngine(tr, &fakeClassifier{decisions: []classifier.Decision{classifier.Speak}}, gen, synth, player)

	e.ConsiderResponding(context.Background())

	played, cues := player.snapshot()
	if len(played) != 3 || played[0] != 1 || played[1] != 2 || played[2] != 3 {
		t.Fatalf("expected ordered playback, got %v", played)
	}
	if cues != 1 {
		t.Fatalf("expected one end cue, got %d", cues)
	}
	if bot := tr.bot(); len(bot) != 1 || bot[0] != "First one. Second one. Third" {
		t.Fatalf("unexpected bot lines: %q", bot)
	}
	if e.Thinking() || e.Speaking() {
		t.Fatal("expected idle after completion")
	}
}

func TestConsiderResponding_AtMostOneGeneration(t *testing.T) {
	tr := &fakeTranscript{lines: []string{"alice (00:01): Teno?"}}
	release := make(chan struct{})
	gen := &fakeGenerator{stream: func(_ context.Context, _ func(string)) generator.Result {
		<-release
		return generator.Result{Status: generator.StatusOK, Answer: "ok"}
	}}
	e := newTestEngine(tr, &fakeClassifier{decisions: []classifier.Decision{classifier.Speak}}, gen, &fakeSynthesizer{}, &fakePlayer{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ConsiderResponding(context.Background())
		}()
	}
	waitUntil(t, time.Second, func() bool { return gen.calls.Load() >= 1 }, "expected a generation to start")
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := gen.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one generation, got %d", got)
	}
	if got := len(tr.bot()); got != 1 {
		t.Fatalf("expected one bot line, got %d", got)
	}
}

func TestConsiderResponding_PassDoesNothing(t *testing.T) {
	tr := &fakeTranscript{lines: []string{"alice (00:01): lunch?"}}
	gen := &fakeGenerator{stream: streamTokens("no")}
	e := newTestEngine(tr, &fakeClassifier{decisions: []classifier.Decision{classifier.Pass}}, gen, &fakeSynthesizer{}, &fakePlayer{})

	e.ConsiderResponding(context.Background())
	if gen.calls.Load() != 0 || len(tr.bot()) != 0 {
		t.Fatal("PASS should not generate")
	}
}

func TestConsiderResponding_ClassifierErrorDropsResponse(t *testing.T) {
	tr := &fakeTranscript{lines: []string{"alice (00:01): hi"}}
	gen := &fakeGenerator{stream: streamTokens("no")}
	e := newTestEngine(tr, &fakeClassifier{err: errors.New("rate limited")}, gen, &fakeSynthesizer{}, &fakePlayer{})

	e.ConsiderResponding(context.Background())
	if gen.calls.Load() != 0 || e.Thinking() {
		t.Fatal("classifier failure should drop the response")
	}
}

func TestConsiderResponding_GenerationErrorResetsFlags(t *testing.T) {
	tr := &fakeTranscript{lines: []string{"alice (00:01): Teno?"}}
	gen := &fakeGenerator{stream: func(context.Context, func(string)) generator.Result {
		return generator.Failed(errors.New("upstream 500"))
	}}
	e := newTestEngine(tr, &fakeClassifier{decisions: []classifier.Decision{classifier.Speak}}, gen, &fakeSynthesizer{}, &fakePlayer{})

	e.ConsiderResponding(context.Background())
	if len(tr.bot()) != 0 {
		t.Fatal("failed generation should not append a bot line")
	}
	if e.Thinking() || e.Speaking() {
		t.Fatal("flags should be cleared after failure")
	}
}

func TestConsiderResponding_SkipsFailedSentence(t *testing.T) {
	tr := &fakeTranscript{lines: []string{"alice (00:01): Teno?"}}
	gen := &fakeGenerator{stream: streamTokens("One. ", "Two. ", "Three.")}
	synth := &fakeSynthesizer{
		ids:  map[string]int16{"One.": 1, "Two.": 2, "Three.": 3},
		fail: map[string]bool{"Two.": true},
	}
	player := &fakePlayer{}
	e := newTestEngine(tr, &fakeClassifier{decisions: []classifier.Decision{classifier.Speak}}, gen, synth, player)

	e.ConsiderResponding(context.Background())
	played, _ := player.snapshot()
	if len(played) != 2 || played[0] != 1 || played[1] != 3 {
		t.Fatalf("expected failed sentence to be skipped, got %v", played)
	}
}

func TestConsiderResponding_StopDecisionInterruptsSpeech(t *testing.T) {
	tr := &fakeTranscript{lines: []string{"alice (00:01): Teno, explain"}}
	gen := &fakeGenerator{stream: streamTokens("A long answer. ", "More.")}
	synth := &fakeSynthesizer{ids: map[string]int16{"A long answer.": 1, "More.": 2}}
	player := &fakePlayer{block: true}
	cls := &fakeClassifier{decisions: []classifier.Decision{classifier.Speak, classifier.Stop}}
	e := newTestEngine(tr, cls, gen, synth, player)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.ConsiderResponding(context.Background())
	}()
	waitUntil(t, time.Second, e.Speaking, "engine should start speaking")

	e.ConsiderResponding(context.Background())
	if e.Speaking() || e.Thinking() {
		t.Fatal("STOP should reset flags synchronously")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not exit after stop")
	}
	if len(tr.bot()) != 0 {
		t.Fatal("interrupted answer should not be appended")
	}
	if played, _ := player.snapshot(); len(played) != 1 {
		t.Fatalf("expected playback to halt after first sentence, got %v", played)
	}
}

func TestStop_LatePipelineKeepsNewerFlags(t *testing.T) {
	tr := &fakeTranscript{lines: []string{"alice (00:01): Teno?"}}
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	var call atomic.Int32
	gen := &fakeGenerator{stream: func(_ context.Context, _ func(string)) generator.Result {
		if call.Add(1) == 1 {
			<-releaseFirst
		} else {
			<-releaseSecond
		}
		return generator.Result{Status: generator.StatusOK}
	}}
	e := newTestEngine(tr, &fakeClassifier{decisions: []classifier.Decision{classifier.Speak}}, gen, &fakeSynthesizer{}, &fakePlayer{})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		e.ConsiderResponding(context.Background())
	}()
	waitUntil(t, time.Second, func() bool { return gen.calls.Load() == 1 }, "first generation should start")
	e.Stop()

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		e.ConsiderResponding(context.Background())
	}()
	waitUntil(t, time.Second, func() bool { return gen.calls.Load() == 2 }, "second generation should start")

	close(releaseFirst)
	<-firstDone
	if !e.Thinking() {
		t.Fatal("late pipeline cleared the newer pipeline's flags")
	}
	close(releaseSecond)
	<-secondDone
	if e.Thinking() {
		t.Fatal("expected idle after second pipeline")
	}
}

func TestClose_IgnoresLaterDecisions(t *testing.T) {
	tr := &fakeTranscript{lines: []string{"alice (00:01): Teno?"}}
	gen := &fakeGenerator{stream: streamTokens("Hi.")}
	e := newTestEngine(tr, &fakeClassifier{decisions: []classifier.Decision{classifier.Speak}}, gen, &fakeSynthesizer{}, &fakePlayer{})

	e.Close()
	e.ConsiderResponding(context.Background())
	if gen.calls.Load() != 0 {
		t.Fatal("closed engine should not generate")
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

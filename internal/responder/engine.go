// Package responder decides when the assistant speaks in a meeting and turns
// a streamed answer into ordered speech.
package responder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/teno/internal/audio"
	"github.com/foxseedlab/teno/internal/classifier"
	"github.com/foxseedlab/teno/internal/generator"
	"github.com/foxseedlab/teno/internal/prompt"
	"github.com/foxseedlab/teno/internal/synthesizer"
)

const (
	defaultRecentLines = 10
	sentenceQueueSize  = 32
	endCueFrequencyHz  = 660
	endCueDuration     = 120 * time.Millisecond
	endCueAmplitude    = 0.15
)

// Transcript is the slice of meeting state the engine reads and writes.
type Transcript interface {
	// RecentLines returns the newest n cleaned lines, oldest first.
	RecentLines(ctx context.Context, n int) []string
	AppendBotLine(ctx context.Context, text string) error
}

type Player interface {
	Play(ctx context.Context, pcm audio.PCM) error
}

type Config struct {
	MeetingID   string
	BotName     string
	Voice       string
	RecentLines int
	MaxTokens   int
}

type Engine struct {
	cfg         Config
	transcript  Transcript
	classifier  classifier.Classifier
	generator   generator.Generator
	synthesizer synthesizer.Synthesizer
	player      Player
	endCue      audio.PCM
	logger      *slog.Logger

	mu         sync.Mutex
	thinking   bool
	speaking   bool
	closed     bool
	generation uint64
	cancel     context.CancelFunc
}

func NewEngine(cfg Config, transcript Transcript, cls classifier.Classifier, gen generator.Generator, synth synthesizer.Synthesizer, player Player) *Engine {
	if cfg.RecentLines <= 0 {
		cfg.RecentLines = defaultRecentLines
	}
	return &Engine{
		cfg:         cfg,
		transcript:  transcript,
		classifier:  cls,
		generator:   gen,
		synthesizer: synth,
		player:      player,
		endCue:      audio.Tone(endCueFrequencyHz, endCueDuration, endCueAmplitude),
		logger:      slog.With("meeting_id", cfg.MeetingID),
	}
}

func (e *Engine) Thinking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thinking
}

func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// ConsiderResponding classifies the recent transcript and acts on the
// decision. It blocks until any generation it starts has finished.
func (e *Engine) ConsiderResponding(ctx context.Context) {
	if e.Thinking() {
		return
	}
	lines := e.transcript.RecentLines(ctx, e.cfg.RecentLines)
	if len(lines) == 0 {
		return
	}
	decision, err := e.classifier.Classify(ctx, lines)
	if err != nil {
		e.logger.Warn("failed to classify transcript", "error", err)
		return
	}
	e.logger.Debug("activation decision", "decision", decision)

	switch decision {
	case classifier.Stop:
		if e.Speaking() {
			e.logger.Info("stop requested while speaking")
			e.Stop()
		}
	case classifier.Speak:
		gen, pipelineCtx, ok := e.begin(ctx)
		if !ok {
			return
		}
		defer e.release(gen)
		e.respond(pipelineCtx, gen, lines)
	case classifier.Pass:
	}
}

// begin is the check-and-set that keeps one generation per meeting.
func (e *Engine) begin(parent context.Context) (uint64, context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.thinking || e.speaking {
		return 0, nil, false
	}
	e.generation++
	ctx, cancel := context.WithCancel(parent)
	e.thinking = true
	e.cancel = cancel
	return e.generation, ctx, true
}

func (e *Engine) markSpeaking(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return
	}
	e.thinking = false
	e.speaking = true
}

func (e *Engine) release(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.thinking = false
	e.speaking = false
}

// Stop cancels the running pipeline and returns to idle before returning.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.generation++
	e.thinking = false
	e.speaking = false
}

// Close stops the engine for good; later decisions are ignored.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stopLocked()
}

type speechFuture struct {
	sentence string
	done     chan struct{}
	pcm      audio.PCM
	err      error
}

func (e *Engine) respond(ctx context.Context, gen uint64, lines []string) {
	started := time.Now()
	queue := make(chan *speechFuture, sentenceQueueSize)
	playerDone := make(chan struct{})
	go func() {
		defer close(playerDone)
		e.playInOrder(ctx, gen, queue)
	}()

	enqueue := func(sentence string) {
		f := &speechFuture{sentence: sentence, done: make(chan struct{})}
		go func() {
			defer close(f.done)
			f.pcm, f.err = e.synthesizer.Synthesize(ctx, sentence, e.cfg.Voice)
		}()
		select {
		case queue <- f:
		case <-ctx.Done():
		}
	}

	var splitter SentenceSplitter
	res := e.generator.Stream(ctx, generator.Request{
		Messages:  prompt.VoiceAnswer(e.cfg.BotName, lines),
		MaxTokens: e.cfg.MaxTokens,
	}, func(token string) {
		for _, sentence := range splitter.Push(token) {
			enqueue(sentence)
		}
	})
	if rest := splitter.Flush(); rest != "" && res.OK() {
		enqueue(rest)
	}
	close(queue)
	<-playerDone

	if ctx.Err() != nil {
		e.logger.Info("response interrupted", "elapsed", time.Since(started))
		return
	}
	if !res.OK() {
		e.logger.Error("failed to generate response", "error", res.Error)
		return
	}
	if res.Answer == "" {
		return
	}
	if err := e.transcript.AppendBotLine(ctx, res.Answer); err != nil {
		e.logger.Error("failed to append response to transcript", "error", err)
	}
	if err := e.player.Play(ctx, e.endCue); err != nil && ctx.Err() == nil {
		e.logger.Warn("failed to play end cue", "error", err)
	}
	e.logger.Info("response completed",
		"elapsed", time.Since(started),
		"model", res.Model,
		"prompt_tokens", res.PromptTokens,
		"completion_tokens", res.CompletionTokens,
	)
}

// playInOrder is the single consumer of the sentence queue.
func (e *Engine) playInOrder(ctx context.Context, gen uint64, queue <-chan *speechFuture) {
	for f := range queue {
		select {
		case <-f.done:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}
		if f.err != nil {
			e.logger.Warn("failed to synthesize sentence; skipping", "error", f.err, "sentence", f.sentence)
			continue
		}
		if f.pcm.Empty() {
			continue
		}
		e.markSpeaking(gen)
		if err := e.player.Play(ctx, f.pcm); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("failed to play sentence", "error", err)
		}
	}
}

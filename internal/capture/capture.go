// Package capture segments each speaker's Opus stream into utterances and
// hands finished utterances to the transcriber.
package capture

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/teno/internal/audio"
	"github.com/foxseedlab/teno/internal/discord"
	"github.com/foxseedlab/teno/internal/transcriber"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

const (
	defaultQueueSize = 256
	rtpVersion       = 2
	opusPayloadType  = 0x78
)

type Utterance struct {
	SpeakerID   string
	SpeakerName string
	// Audio is released once transcription completes.
	Audio     []byte
	MimeType  string
	Text      string
	Offset    time.Duration
	StartedAt time.Time
	Duration  time.Duration
	Packets   int
}

// Sink receives the lifecycle of every utterance a Recorder captures.
type Sink interface {
	// BeginSpeaking gates a new capture; false means the speaker must not be recorded.
	BeginSpeaking(speakerID string) bool
	// UtteranceRecorded fires when the speaker's task stops accepting packets.
	// Audio and Duration are filled in after it returns.
	UtteranceRecorded(u *Utterance)
	UtteranceTranscribed(u *Utterance)
}

type Config struct {
	MeetingID      string
	MeetingStart   time.Time
	SilenceTimeout time.Duration
	MaxUtterance   time.Duration
	Hints          []string
	QueueSize      int
}

type Stats struct {
	Received int64
	Dropped  int64
	Captured int64
}

type Recorder struct {
	cfg         Config
	sink        Sink
	transcriber transcriber.Transcriber
	resolveName func(speakerID string) string
	now         func() time.Time
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	received atomic.Int64
	dropped  atomic.Int64
	captured atomic.Int64
}

type task struct {
	speakerID string
	packets   chan discord.VoicePacket
}

func NewRecorder(cfg Config, sink Sink, stt transcriber.Transcriber, resolveName func(speakerID string) string) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if resolveName == nil {
		resolveName = func(id string) string { return id }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		cfg:         cfg,
		sink:        sink,
		transcriber: stt,
		resolveName: resolveName,
		now:         time.Now,
		logger:      slog.With("meeting_id", cfg.MeetingID),
		ctx:         ctx,
		cancel:      cancel,
		tasks:       make(map[string]*task),
	}
}

// Write routes one packet to its speaker's task, starting a task when none is
// in flight. It never blocks; packets that do not fit the queue or whose
// speaker the sink rejects are dropped and counted.
func (r *Recorder) Write(p discord.VoicePacket) {
	if len(p.Opus) == 0 || p.UserID == "" {
		return
	}
	r.received.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	t, ok := r.tasks[p.UserID]
	if !ok {
		if !r.sink.BeginSpeaking(p.UserID) {
			r.dropped.Add(1)
			return
		}
		t = &task{speakerID: p.UserID, packets: make(chan discord.VoicePacket, r.cfg.QueueSize)}
		r.tasks[p.UserID] = t
		r.wg.Add(1)
		go r.run(t)
	}
	select {
	case t.packets <- p:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("capture queue full; dropping packet", "speaker_id", p.UserID, "dropped_packets", n)
		}
	}
}

func (r *Recorder) run(t *task) {
	defer r.wg.Done()
	logger := r.logger.With("speaker_id", t.speakerID)

	startedAt := r.now()
	u := &Utterance{
		SpeakerID:   t.speakerID,
		SpeakerName: r.resolveName(t.speakerID),
		MimeType:    transcriber.MimeTypeOggOpus,
		Offset:      max(startedAt.Sub(r.cfg.MeetingStart), 0),
		StartedAt:   startedAt,
	}
	buf := new(bytes.Buffer)
	writer, err := oggwriter.NewWith(buf, audio.DiscordSampleRate, audio.DiscordChannels)
	if err != nil {
		logger.Error("failed to create ogg writer", "error", err)
	}

	packets := 0
	lastPacketAt := startedAt
	writeErr := err
	write := func(p discord.VoicePacket) {
		if writeErr != nil {
			return
		}
		if err := writer.WriteRTP(toRTP(p)); err != nil {
			writeErr = err
			logger.Warn("failed to write rtp packet", "error", err)
			return
		}
		packets++
		lastPacketAt = r.now()
	}

	if writeErr == nil {
		silence := time.NewTimer(r.cfg.SilenceTimeout)
		maxLength := time.NewTimer(r.cfg.MaxUtterance)
		defer silence.Stop()
		defer maxLength.Stop()
	loop:
		for writeErr == nil {
			select {
			case p := <-t.packets:
				write(p)
				silence.Reset(r.cfg.SilenceTimeout)
			case <-silence.C:
				break loop
			case <-maxLength.C:
				logger.Debug("utterance reached max length", "max_utterance", r.cfg.MaxUtterance)
				break loop
			case <-r.ctx.Done():
				break loop
			}
		}
	}

	// Leaving the map and clearing the speaking flag happen under one lock so
	// the speaker's next packet starts a fresh task. Nothing can be queued on
	// t after this; flush what is left.
	r.mu.Lock()
	r.sink.UtteranceRecorded(u)
	delete(r.tasks, t.speakerID)
	r.mu.Unlock()
drain:
	for {
		select {
		case p := <-t.packets:
			write(p)
		default:
			break drain
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil && writeErr == nil {
			logger.Warn("failed to finalize ogg container", "error", err)
		}
	}

	u.Duration = lastPacketAt.Sub(startedAt)
	u.Packets = packets
	if writeErr == nil {
		u.Audio = buf.Bytes()
	}

	if writeErr != nil || packets == 0 {
		return
	}
	r.captured.Add(1)
	r.transcribe(logger, u)
}

func (r *Recorder) transcribe(logger *slog.Logger, u *Utterance) {
	res, err := r.transcriber.Transcribe(r.ctx, transcriber.Audio{Data: u.Audio, MimeType: u.MimeType}, r.cfg.Hints)
	u.Audio = nil
	if err != nil {
		if r.ctx.Err() == nil {
			logger.Error("failed to transcribe utterance", "error", err, "duration", u.Duration)
		}
		return
	}
	if res == nil || res.Text == "" {
		logger.Debug("utterance produced no transcript", "duration", u.Duration)
		return
	}
	u.Text = res.Text
	if res.DurationSeconds > 0 {
		u.Duration = time.Duration(res.DurationSeconds * float64(time.Second))
	}
	r.sink.UtteranceTranscribed(u)
}

func toRTP(p discord.VoicePacket) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			PayloadType:    opusPayloadType,
			SequenceNumber: p.Sequence,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
		},
		Payload: p.Opus,
	}
}

// Speaking reports whether a capture task is in flight for the speaker.
func (r *Recorder) Speaking(speakerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[speakerID]
	return ok
}

func (r *Recorder) Stats() Stats {
	return Stats{
		Received: r.received.Load(),
		Dropped:  r.dropped.Load(),
		Captured: r.captured.Load(),
	}
}

// Close ends every in-flight capture, cancels pending transcriptions and waits
// for all tasks to return. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	stats := r.Stats()
	r.logger.Info("capture recorder closed",
		"received_packets", stats.Received,
		"dropped_packets", stats.Dropped,
		"captured_utterances", stats.Captured,
	)
	return nil
}

package transcriber

import "context"

const MimeTypeOggOpus = "audio/ogg"

type Audio struct {
	Data     []byte
	MimeType string
}

type Result struct {
	Text            string
	DurationSeconds float64
}

// Transcriber returns a nil Result when no speech was recognized.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio, hints []string) (*Result, error)
}

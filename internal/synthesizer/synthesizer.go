package synthesizer

import (
	"context"

	"github.com/foxseedlab/teno/internal/audio"
)

type Synthesizer interface {
	// Synthesize renders text with the given voice; an empty voice selects the adapter default.
	Synthesize(ctx context.Context, text, voice string) (audio.PCM, error)
}

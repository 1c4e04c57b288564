//go:build !opus

package audio

import "github.com/foxseedlab/teno/internal/audio"

func NewOpusEncoder() (audio.Encoder, error) {
	return nil, audio.ErrEncoderUnavailable
}

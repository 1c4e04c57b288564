//go:build opus

package audio

import (
	"fmt"

	"github.com/foxseedlab/teno/internal/audio"
	"github.com/hraban/opus"
)

const maxPacketBytes = 4000

type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

func NewOpusEncoder() (audio.Encoder, error) {
	enc, err := opus.NewEncoder(audio.DiscordSampleRate, audio.DiscordChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, buf: make([]byte, maxPacketBytes)}, nil
}

func (e *OpusEncoder) Encode(frame []int16) ([]byte, error) {
	n, err := e.enc.Encode(frame, e.buf)
	if err != nil {
		return nil, err
	}
	packet := make([]byte, n)
	copy(packet, e.buf[:n])
	return packet, nil
}

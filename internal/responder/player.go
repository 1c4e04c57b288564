package responder

import (
	"context"
	"fmt"

	"github.com/foxseedlab/teno/internal/audio"
	"github.com/foxseedlab/teno/internal/discord"
)

// VoicePlayer encodes PCM to Opus and sends it on a voice connection.
type VoicePlayer struct {
	conn       discord.VoiceConnection
	newEncoder audio.EncoderFactory
}

func NewVoicePlayer(conn discord.VoiceConnection, newEncoder audio.EncoderFactory) *VoicePlayer {
	return &VoicePlayer{conn: conn, newEncoder: newEncoder}
}

func (p *VoicePlayer) Play(ctx context.Context, pcm audio.PCM) error {
	if pcm.Empty() {
		return nil
	}
	packets, err := audio.EncodeOpus(p.newEncoder, pcm)
	if err != nil {
		return fmt.Errorf("encode opus: %w", err)
	}
	if err := p.conn.SendOpus(ctx, packets); err != nil {
		return fmt.Errorf("send opus: %w", err)
	}
	return nil
}

package audio

import "errors"

var ErrEncoderUnavailable = errors.New("opus encoder unavailable in this build")

// Encoder turns one 20ms 48kHz stereo frame into an Opus packet.
type Encoder interface {
	Encode(frame []int16) ([]byte, error)
}

type EncoderFactory func() (Encoder, error)

// EncodeOpus converts PCM to the packet sequence a voice connection sends.
func EncodeOpus(newEncoder EncoderFactory, p PCM) ([][]byte, error) {
	enc, err := newEncoder()
	if err != nil {
		return nil, err
	}
	frames := Frames(ToDiscord(p))
	packets := make([][]byte, 0, len(frames))
	for _, f := range frames {
		pkt, err := enc.Encode(f)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

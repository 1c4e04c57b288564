package audio

import (
	"math"
	"time"
)

const (
	DiscordSampleRate = 48000
	DiscordChannels   = 2
	FrameDuration     = 20 * time.Millisecond
	// SamplesPerFrame counts per-channel samples in one 20ms Discord frame.
	SamplesPerFrame = DiscordSampleRate / 50
)

// PCM is interleaved signed 16-bit audio.
type PCM struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return 0
	}
	frames := len(p.Samples) / p.Channels
	return time.Duration(frames) * time.Second / time.Duration(p.SampleRate)
}

func (p PCM) Empty() bool {
	return len(p.Samples) == 0
}

// ToDiscord converts to 48kHz stereo, the only layout the voice gateway accepts.
func ToDiscord(p PCM) PCM {
	if p.Empty() {
		return PCM{SampleRate: DiscordSampleRate, Channels: DiscordChannels}
	}
	mono := downmix(p.Samples, p.Channels)
	mono = resampleLinear(mono, p.SampleRate, DiscordSampleRate)
	stereo := make([]int16, len(mono)*2)
	for i, s := range mono {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}
	return PCM{Samples: stereo, SampleRate: DiscordSampleRate, Channels: DiscordChannels}
}

// Frames splits 48kHz stereo PCM into 20ms frames; the last frame is zero padded.
func Frames(p PCM) [][]int16 {
	frameLen := SamplesPerFrame * DiscordChannels
	frames := make([][]int16, 0, len(p.Samples)/frameLen+1)
	for start := 0; start < len(p.Samples); start += frameLen {
		frame := make([]int16, frameLen)
		copy(frame, p.Samples[start:min(start+frameLen, len(p.Samples))])
		frames = append(frames, frame)
	}
	return frames
}

// Tone renders a short sine cue at Discord's layout.
func Tone(freqHz float64, d time.Duration, amplitude float64) PCM {
	n := int(math.Round(d.Seconds() * DiscordSampleRate))
	samples := make([]int16, n*DiscordChannels)
	fade := DiscordSampleRate / 200
	for i := 0; i < n; i++ {
		env := 1.0
		if i < fade {
			env = float64(i) / float64(fade)
		} else if n-i < fade {
			env = float64(n-i) / float64(fade)
		}
		v := int16(amplitude * env * math.MaxInt16 * math.Sin(2*math.Pi*freqHz*float64(i)/DiscordSampleRate))
		samples[2*i] = v
		samples[2*i+1] = v
	}
	return PCM{Samples: samples, SampleRate: DiscordSampleRate, Channels: DiscordChannels}
}

func downmix(in []int16, channels int) []int16 {
	if channels <= 1 {
		return in
	}
	frames := len(in) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(in[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func resampleLinear(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || inRate <= 0 || len(in) == 0 {
		return in
	}
	ratio := float64(outRate) / float64(inRate)
	outN := int(math.Ceil(float64(len(in)) * ratio))
	out := make([]int16, outN)
	for i := range out {
		src := float64(i) / ratio
		i0 := int(src)
		if i0 >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := src - float64(i0)
		out[i] = int16(float64(in[i0])*(1-frac) + float64(in[i0+1])*frac)
	}
	return out
}

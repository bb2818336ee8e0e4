// Package audio holds the PCM16 audio contract shared by the relay's clients:
// frame types, the float/PCM16 sample codec, the base64 transport encoding,
// and sample-rate conversion.
//
// Everything in this package is pure and stateless. The realtime upstream
// speaks 24 kHz mono little-endian PCM16 in both directions; capture
// ([capture]) and playback ([playback]) are built on top of these helpers.
package audio

import "time"

const (
	// SampleRate is the only rate the realtime upstream accepts and emits.
	SampleRate = 24000

	// Channels is fixed to mono.
	Channels = 1

	// BlockSize is the number of samples in one captured block.
	BlockSize = 4096
)

// AudioFrame is a fixed-duration chunk of mono PCM16 audio.
type AudioFrame struct {
	// Samples holds signed 16-bit samples in playback order.
	Samples []int16

	// SampleRate in Hz. Zero means [SampleRate].
	SampleRate int

	// Timestamp marks when this frame was captured or received, relative to
	// stream start.
	Timestamp time.Duration
}

// Rate returns the frame's sample rate, falling back to [SampleRate].
func (f AudioFrame) Rate() int {
	if f.SampleRate <= 0 {
		return SampleRate
	}
	return f.SampleRate
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.Rate())
}

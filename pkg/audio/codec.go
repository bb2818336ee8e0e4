package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Scaling is asymmetric: the negative range of int16 has one more value than
// the positive range. Both directions must use the same pair of constants or
// round trips drift by one step at the extremes.
const (
	negScale = 32768
	posScale = 32767
)

// FloatToPCM16 clamps each sample to [-1, 1] and scales it to a signed 16-bit
// integer. Negative samples scale by 32768, non-negative by 32767; the result
// is truncated toward zero.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * negScale)
		} else {
			out[i] = int16(s * posScale)
		}
	}
	return out
}

// PCM16ToFloat is the inverse of [FloatToPCM16].
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(s) / negScale
		} else {
			out[i] = float32(s) / posScale
		}
	}
	return out
}

// PCM16ToBytes packs samples as little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToPCM16 unpacks little-endian PCM16. A trailing odd byte is ignored.
func BytesToPCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// EncodeBase64 applies the text-safe transport encoding used by the
// realtime protocol.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 reverses [EncodeBase64].
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// EncodeFrame converts float samples to the transport form carried in an
// input_audio_buffer.append message.
func EncodeFrame(samples []float32) string {
	return EncodeBase64(PCM16ToBytes(FloatToPCM16(samples)))
}

// DecodeFrame converts a transport-encoded audio delta to PCM16 samples.
func DecodeFrame(s string) ([]int16, error) {
	b, err := DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	return BytesToPCM16(b), nil
}

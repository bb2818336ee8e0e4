// Package device binds the capture and playback pipelines to real audio
// hardware through miniaudio (github.com/gen2brain/malgo).
//
// [Microphone] implements [capture.Source] and [Speaker] implements
// [playback.Context]. Both ask miniaudio for 24 kHz mono float32 so that no
// conversion is needed on the hot path; miniaudio resamples internally when
// the hardware runs at another rate.
package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"github.com/gen2brain/malgo"

	"github.com/cyohan21/ai-document/pkg/audio"
	"github.com/cyohan21/ai-document/pkg/audio/capture"
	"github.com/cyohan21/ai-document/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Source   = (*Microphone)(nil)
	_ playback.Context = (*Speaker)(nil)
)

// initContext creates a miniaudio context that forwards backend messages to
// slog at debug level.
func initContext(log *slog.Logger) (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("device: init audio context: %w", err)
	}
	return ctx, nil
}

// freeContext releases a context created by [initContext].
func freeContext(ctx *malgo.AllocatedContext) error {
	if ctx == nil {
		return nil
	}
	err := ctx.Uninit()
	ctx.Free()
	if err != nil {
		return fmt.Errorf("device: uninit audio context: %w", err)
	}
	return nil
}

// deviceConfig returns a mono float32 config for the given direction.
func deviceConfig(kind malgo.DeviceType, rate int) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	switch kind {
	case malgo.Capture:
		cfg.Capture.Format = malgo.FormatF32
		cfg.Capture.Channels = audio.Channels
	case malgo.Playback:
		cfg.Playback.Format = malgo.FormatF32
		cfg.Playback.Channels = audio.Channels
	}
	cfg.SampleRate = uint32(rate)

	// alsa specific settings for linux
	if runtime.GOOS == "linux" {
		cfg.Alsa.NoMMap = 1
	}
	return cfg
}

// bytesToFloat decodes little-endian float32 samples.
func bytesToFloat(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// putFloat encodes s as a little-endian float32 at b[0:4].
func putFloat(b []byte, s float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(s))
}

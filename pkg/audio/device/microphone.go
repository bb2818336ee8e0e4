package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/cyohan21/ai-document/pkg/audio"
)

// Microphone captures from the default input device.
type Microphone struct {
	rate int
	log  *slog.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	stopWt chan struct{}
}

// NewMicrophone returns an unopened microphone that requests rate Hz from
// the backend. A rate of zero selects [audio.SampleRate].
func NewMicrophone(rate int, log *slog.Logger) *Microphone {
	if rate <= 0 {
		rate = audio.SampleRate
	}
	if log == nil {
		log = slog.Default()
	}
	return &Microphone{rate: rate, log: log}
}

// SampleRate implements [capture.Source].
func (m *Microphone) SampleRate() int { return m.rate }

// Open implements [capture.Source]. The device is closed automatically when
// ctx is cancelled.
func (m *Microphone) Open(ctx context.Context, onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return fmt.Errorf("device: microphone already open")
	}

	actx, err := initContext(m.log)
	if err != nil {
		return err
	}

	onData := func(_, input []byte, _ uint32) {
		if len(input) == 0 {
			return
		}
		onSamples(bytesToFloat(input))
	}

	dev, err := malgo.InitDevice(actx.Context, deviceConfig(malgo.Capture, m.rate), malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		_ = freeContext(actx)
		return fmt.Errorf("device: open microphone: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = freeContext(actx)
		return fmt.Errorf("device: start microphone: %w", err)
	}

	m.ctx = actx
	m.dev = dev
	m.stopWt = make(chan struct{})
	go m.closeOnDone(ctx, m.stopWt)

	m.log.Info("microphone started", "rate", m.rate)
	return nil
}

func (m *Microphone) closeOnDone(ctx context.Context, stop chan struct{}) {
	select {
	case <-ctx.Done():
		_ = m.Close()
	case <-stop:
	}
}

// Close implements [capture.Source]. It is safe to call more than once.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		return nil
	}
	close(m.stopWt)
	if err := m.dev.Stop(); err != nil {
		m.log.Debug("microphone stop", "err", err)
	}
	m.dev.Uninit()
	m.dev = nil

	err := freeContext(m.ctx)
	m.ctx = nil
	return err
}

// Package capture turns a live microphone stream into
// input_audio_buffer.append messages for the relay.
//
// Samples arriving from a [Source] are segmented into fixed-size blocks,
// resampled to the upstream rate if the device runs at another rate, encoded
// as base64 PCM16 and handed to a [Sender]. A mute gate discards samples
// instead of buffering them.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cyohan21/ai-document/pkg/audio"
)

// Source is a microphone. Open starts delivering float samples in [-1, 1] to
// onSamples from the device's callback goroutine until Close is called or
// ctx is cancelled. onSamples must not be retained after Close returns.
type Source interface {
	Open(ctx context.Context, onSamples func([]float32)) error
	SampleRate() int
	Close() error
}

// Sender transmits one encoded message to the relay.
type Sender interface {
	Send(ctx context.Context, msg []byte) error
}

// appendMessage is the wire form of one captured block.
type appendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

const defaultBacklog = 16

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithBlockSize overrides [audio.BlockSize].
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithBacklog sets how many completed blocks may wait for the sender before
// new blocks are dropped.
func WithBacklog(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.backlog = n
		}
	}
}

// WithLogger sets the pipeline logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline captures from one [Source] and emits encoded blocks to one
// [Sender]. A Pipeline is single-use: after Stop it cannot be restarted.
type Pipeline struct {
	src       Source
	out       Sender
	blockSize int
	backlog   int
	log       *slog.Logger

	muted atomic.Bool

	mu      sync.Mutex
	pending []float32 // device-rate samples of the block being filled
	native  int       // device-rate sample count of one block
	rate    int
	started bool
	stopped bool

	blocks   chan []float32
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
	closeErr error

	frames  atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// ErrStopped is returned by [Pipeline.Start] once the pipeline has been stopped.
var ErrStopped = errors.New("capture: pipeline stopped")

// New creates a Pipeline. Nothing is acquired until [Pipeline.Start].
func New(src Source, out Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:       src,
		out:       out,
		blockSize: audio.BlockSize,
		backlog:   defaultBacklog,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start opens the source and begins streaming. If the device cannot be
// opened a [*DeviceError] is returned and the device is released.
// Cancelling ctx stops the pipeline the same way [Pipeline.Stop] does.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("capture: pipeline already started")
	}
	p.started = true
	p.rate = p.src.SampleRate()
	if p.rate <= 0 {
		p.rate = audio.SampleRate
	}
	p.native = p.blockSize * p.rate / audio.SampleRate
	if p.native <= 0 {
		p.native = p.blockSize
	}
	p.pending = make([]float32, 0, p.native)
	p.blocks = make(chan []float32, p.backlog)
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.src.Open(ctx, p.onSamples); err != nil {
		cancel()
		if cerr := p.src.Close(); cerr != nil {
			p.log.Debug("capture: close after failed open", "err", cerr)
		}
		return ClassifyDeviceError(err)
	}

	if p.rate != audio.SampleRate {
		p.log.Info("capture: device rate differs, resampling",
			"from", audio.Format{SampleRate: p.rate, Channels: audio.Channels},
			"to", audio.Format{SampleRate: audio.SampleRate, Channels: audio.Channels},
		)
	}

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// SetMuted toggles the mute gate. Muting discards the partially filled block.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
	if muted {
		p.mu.Lock()
		p.pending = p.pending[:0]
		p.mu.Unlock()
	}
}

// Muted reports the mute gate state.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Frames returns the number of blocks successfully sent.
func (p *Pipeline) Frames() uint64 { return p.frames.Load() }

// Dropped returns the number of blocks discarded because the sender fell
// behind.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// SendErrors returns the number of blocks the sender rejected.
func (p *Pipeline) SendErrors() uint64 { return p.failed.Load() }

// Stop halts capture and releases the device. It is idempotent and safe to
// call after ctx cancellation or a failed Start. A Stop before Start makes
// any later Start fail with [ErrStopped] without opening the source.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		cancel := p.cancel
		p.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		p.wg.Wait()
		p.stopErr = p.closeErr
	})
	return p.stopErr
}

// onSamples runs on the device callback goroutine and must not block.
func (p *Pipeline) onSamples(samples []float32) {
	if p.muted.Load() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(samples) > 0 {
		n := min(p.native-len(p.pending), len(samples))
		p.pending = append(p.pending, samples[:n]...)
		samples = samples[n:]

		if len(p.pending) < p.native {
			continue
		}
		block := make([]float32, len(p.pending))
		copy(block, p.pending)
		p.pending = p.pending[:0]

		select {
		case p.blocks <- block:
		default:
			p.dropped.Add(1)
		}
	}
}

// run sends completed blocks until ctx is done, then closes the source.
func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()
	defer p.release()

	for {
		select {
		case <-ctx.Done():
			return
		case block := <-p.blocks:
			p.send(ctx, block)
		}
	}
}

func (p *Pipeline) send(ctx context.Context, block []float32) {
	// A block completed just before muting is still dropped.
	if p.muted.Load() {
		return
	}
	if p.rate != audio.SampleRate {
		block = audio.ResampleFloat(block, p.rate, audio.SampleRate)
	}

	msg, err := json.Marshal(appendMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeFrame(block),
	})
	if err != nil {
		p.log.Warn("capture: encode block", "err", err)
		return
	}

	if err := p.out.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failed.Add(1)
		p.log.Warn("capture: send block", "err", err)
		return
	}
	p.frames.Add(1)
}

func (p *Pipeline) release() {
	if err := p.src.Close(); err != nil {
		p.closeErr = fmt.Errorf("capture: close source: %w", err)
	}
}

// Package playback schedules gapless sequential playback of audio deltas
// received from the relay.
//
// Frames play strictly in arrival order. Each frame is scheduled against the
// output clock at max(now+lead, nextPlayTime) and nextPlayTime then advances
// by the frame duration minus a small overlap, so consecutive frames overlap
// slightly instead of leaving an audible gap.
package playback

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cyohan21/ai-document/pkg/audio"
)

const (
	// DefaultGain is applied to every frame to keep summed overlaps below
	// clipping.
	DefaultGain = 0.9

	// DefaultLead is the minimum distance, in seconds, between "now" and the
	// start of a newly scheduled frame.
	DefaultLead = 0.01

	// DefaultOverlap is subtracted from each frame's duration when advancing
	// the play clock.
	DefaultOverlap = 0.01
)

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithGain overrides [DefaultGain].
func WithGain(g float32) Option {
	return func(s *Scheduler) {
		s.gain = g
	}
}

// WithLead overrides [DefaultLead].
func WithLead(seconds float64) Option {
	return func(s *Scheduler) {
		if seconds >= 0 {
			s.lead = seconds
		}
	}
}

// WithOverlap overrides [DefaultOverlap].
func WithOverlap(seconds float64) Option {
	return func(s *Scheduler) {
		if seconds >= 0 {
			s.overlap = seconds
		}
	}
}

// WithLogger sets the logger used for per-frame failures. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Scheduler queues decoded audio frames and plays them back one after another
// on a lazily created [Context].
//
// A single drain goroutine owns playback while frames are queued; it exits
// when the queue runs dry and is restarted by the next enqueue. All exported
// methods are safe for concurrent use.
type Scheduler struct {
	factory ContextFactory
	gain    float32
	lead    float64
	overlap float64
	log     *slog.Logger

	mu           sync.Mutex
	queue        []audio.AudioFrame
	playing      bool
	nextPlayTime float64
	ctx          Context
	stop         chan struct{} // closed by Stop to cancel the current drain goroutine
	onIdle       func()
	scheduled    uint64
	failed       uint64
}

// New creates a Scheduler that obtains its output clock from factory.
// factory must not be nil.
func New(factory ContextFactory, opts ...Option) *Scheduler {
	s := &Scheduler{
		factory: factory,
		gain:    DefaultGain,
		lead:    DefaultLead,
		overlap: DefaultOverlap,
		log:     slog.Default(),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes a transport-encoded PCM16 delta and queues it for playback.
// An undecodable delta is rejected without touching the queue.
func (s *Scheduler) Enqueue(delta string) error {
	samples, err := audio.DecodeFrame(delta)
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}
	s.EnqueueFrame(audio.AudioFrame{Samples: samples, SampleRate: audio.SampleRate})
	return nil
}

// EnqueueFrame appends frame to the queue and starts the drain goroutine if
// nothing is currently playing.
func (s *Scheduler) EnqueueFrame(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, frame)
	if s.playing {
		return
	}
	s.playing = true
	go s.drain(s.stop)
}

// Stop cancels playback: the queue is cleared, the play clock reset to zero
// and the output context closed, cutting off any frame mid-playback. The next
// enqueue creates a fresh context.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	close(s.stop)
	s.stop = make(chan struct{})
	s.queue = nil
	s.playing = false
	s.nextPlayTime = 0
	ctx := s.ctx
	s.ctx = nil
	s.mu.Unlock()

	if ctx == nil {
		return nil
	}
	if err := ctx.Close(); err != nil {
		return fmt.Errorf("playback: close context: %w", err)
	}
	return nil
}

// OnIdle registers fn to be called from the drain goroutine each time the
// queue runs dry after playing. Replaces any previous registration.
func (s *Scheduler) OnIdle(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIdle = fn
}

// Playing reports whether the drain goroutine is active.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// NextPlayTime returns the context time at which the next frame would start
// if nothing delays it.
func (s *Scheduler) NextPlayTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlayTime
}

// QueueLen returns the number of frames waiting to be scheduled.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns how many frames were handed to the context and how many
// failed to start.
func (s *Scheduler) Stats() (scheduled, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled, s.failed
}

// drain plays queued frames until the queue is empty or stop is closed.
func (s *Scheduler) drain(stop chan struct{}) {
	for {
		ctx, buf, at, ok := s.next(stop)
		if !ok {
			return
		}

		done, err := ctx.Start(buf, at)
		if err != nil {
			s.log.Warn("playback: frame failed, skipping", "err", err)
			s.mu.Lock()
			s.failed++
			s.mu.Unlock()
			continue
		}

		select {
		case <-stop:
			return
		case <-done:
		}
	}
}

// next pops the head of the queue and computes its start time. It returns
// ok=false when the drain goroutine should exit, after firing the idle hook
// if the queue simply ran dry.
func (s *Scheduler) next(stop chan struct{}) (ctx Context, buf Buffer, at float64, ok bool) {
	s.mu.Lock()

	select {
	case <-stop:
		s.mu.Unlock()
		return nil, Buffer{}, 0, false
	default:
	}

	for len(s.queue) > 0 {
		frame := s.queue[0]
		s.queue[0] = audio.AudioFrame{}
		s.queue = s.queue[1:]

		if s.ctx == nil {
			c, err := s.factory()
			if err != nil {
				s.log.Warn("playback: create context, dropping frame", "err", err)
				s.failed++
				continue
			}
			s.ctx = c
			s.nextPlayTime = c.CurrentTime()
		}

		buf = Buffer{
			Samples:    audio.PCM16ToFloat(frame.Samples),
			SampleRate: frame.Rate(),
			Gain:       s.gain,
		}
		at = max(s.ctx.CurrentTime()+s.lead, s.nextPlayTime)
		s.nextPlayTime = at + buf.Duration() - s.overlap
		s.scheduled++
		ctx = s.ctx
		s.mu.Unlock()
		return ctx, buf, at, true
	}

	s.playing = false
	idle := s.onIdle
	s.mu.Unlock()

	if idle != nil {
		idle()
	}
	return nil, Buffer{}, 0, false
}

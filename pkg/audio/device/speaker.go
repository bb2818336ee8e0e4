package device

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/cyohan21/ai-document/pkg/audio"
	"github.com/cyohan21/ai-document/pkg/audio/playback"
)

// ErrSpeakerClosed is returned by [Speaker.Start] after Close.
var ErrSpeakerClosed = errors.New("device: speaker closed")

// voice is one buffer scheduled on the speaker timeline.
type voice struct {
	samples []float32
	gain    float32
	start   int64 // frame index on the speaker clock
	done    chan struct{}
}

func (v *voice) end() int64 { return v.start + int64(len(v.samples)) }

// Speaker is a [playback.Context] backed by the default output device. Its
// clock counts frames rendered by the device, so scheduled start times are
// sample accurate. Overlapping buffers are summed and clamped.
type Speaker struct {
	rate int
	log  *slog.Logger

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	dev      *malgo.Device
	rendered int64
	voices   []*voice
	closed   bool
}

// NewSpeaker opens and starts the default output device at rate Hz.
func NewSpeaker(rate int, log *slog.Logger) (*Speaker, error) {
	if rate <= 0 {
		rate = audio.SampleRate
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Speaker{rate: rate, log: log}

	actx, err := initContext(log)
	if err != nil {
		return nil, err
	}
	dev, err := malgo.InitDevice(actx.Context, deviceConfig(malgo.Playback, rate), malgo.DeviceCallbacks{Data: s.render})
	if err != nil {
		_ = freeContext(actx)
		return nil, fmt.Errorf("device: open speaker: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = freeContext(actx)
		return nil, fmt.Errorf("device: start speaker: %w", err)
	}
	s.ctx = actx
	s.dev = dev
	return s, nil
}

// SpeakerFactory returns a [playback.ContextFactory] that opens a new
// [Speaker] each time the scheduler needs one.
func SpeakerFactory(rate int, log *slog.Logger) playback.ContextFactory {
	return func() (playback.Context, error) {
		return NewSpeaker(rate, log)
	}
}

// CurrentTime implements [playback.Context].
func (s *Speaker) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.rendered) / float64(s.rate)
}

// Start implements [playback.Context].
func (s *Speaker) Start(buf playback.Buffer, at float64) (<-chan struct{}, error) {
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != s.rate {
		samples = audio.ResampleFloat(samples, buf.SampleRate, s.rate)
	}

	v := &voice{
		samples: samples,
		gain:    buf.Gain,
		start:   int64(math.Round(at * float64(s.rate))),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSpeakerClosed
	}
	if len(samples) == 0 {
		close(v.done)
		return v.done, nil
	}
	s.voices = append(s.voices, v)
	return v.done, nil
}

// render is the device callback. It mixes every voice overlapping the
// current period into out and retires voices that have finished.
func (s *Speaker) render(out, _ []byte, frames uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.rendered
	n := int64(frames)
	mix := make([]float32, n)

	live := s.voices[:0]
	for _, v := range s.voices {
		lo := max(from, v.start)
		hi := min(from+n, v.end())
		for t := lo; t < hi; t++ {
			mix[t-from] += v.samples[t-v.start] * v.gain
		}
		if v.end() <= from+n {
			close(v.done)
			continue
		}
		live = append(live, v)
	}
	for i := len(live); i < len(s.voices); i++ {
		s.voices[i] = nil
	}
	s.voices = live

	for i, x := range mix {
		putFloat(out[i*4:], min(max(x, -1), 1))
	}
	s.rendered += n
}

// Close implements [playback.Context]. Scheduled buffers are cut off and
// their done channels closed.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dev, actx := s.dev, s.ctx
	s.dev, s.ctx = nil, nil
	s.mu.Unlock()

	// Stop outside the lock: the render callback takes it too.
	if dev != nil {
		if err := dev.Stop(); err != nil {
			s.log.Debug("speaker stop", "err", err)
		}
		dev.Uninit()
	}

	s.mu.Lock()
	for _, v := range s.voices {
		close(v.done)
	}
	s.voices = nil
	s.mu.Unlock()

	return freeContext(actx)
}

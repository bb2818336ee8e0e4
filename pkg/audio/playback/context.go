package playback

// Context is an audio output clock that can start a buffer at a precise time.
// It mirrors the part of a browser AudioContext the scheduler relies on.
//
// Implementations must be safe for use from a single goroutine at a time; the
// [Scheduler] never calls a Context concurrently.
type Context interface {
	// CurrentTime reports the context clock in seconds. It is monotonic and
	// starts near zero when the context is created.
	CurrentTime() float64

	// Start schedules buf to begin playing at the given context time. The
	// returned channel is closed once the buffer has finished playing, or
	// when the context is closed.
	Start(buf Buffer, at float64) (<-chan struct{}, error)

	// Close releases the underlying output device. Buffers that are still
	// playing are cut off.
	Close() error
}

// ContextFactory creates a [Context]. The scheduler calls it lazily on the
// first frame after construction or after [Scheduler.Stop].
type ContextFactory func() (Context, error)

// Buffer is a playable block of mono float samples.
type Buffer struct {
	Samples    []float32
	SampleRate int

	// Gain multiplies every sample on output.
	Gain float32
}

// Duration returns the playback length in seconds.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

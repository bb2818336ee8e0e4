// Package mock provides in-memory implementations of the [capture.Source],
// [capture.Sender], and [playback.Context] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{Rate: audio.SampleRate}
//	out := &mock.Sender{}
//	p := capture.New(src, out)
//	_ = p.Start(ctx)
//	src.Emit(make([]float32, audio.BlockSize))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/cyohan21/ai-document/pkg/audio/capture"
	"github.com/cyohan21/ai-document/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Source   = (*Source)(nil)
	_ capture.Sender   = (*Sender)(nil)
	_ playback.Context = (*PlaybackContext)(nil)
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock microphone. Tests push samples with [Source.Emit].
type Source struct {
	mu sync.Mutex

	// Rate is returned by [Source.SampleRate].
	Rate int

	// OpenError is returned by [Source.Open]. When non-nil the callback is not
	// registered.
	OpenError error

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
}

// Open implements [capture.Source].
func (s *Source) Open(_ context.Context, onSamples func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenError != nil {
		return s.OpenError
	}
	s.onSamples = onSamples
	return nil
}

// SampleRate implements [capture.Source].
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rate
}

// Close implements [capture.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.onSamples = nil
	return s.CloseError
}

// Emit delivers samples to the registered callback as if the device produced
// them. It reports false if the source is not open.
func (s *Source) Emit(samples []float32) bool {
	s.mu.Lock()
	fn := s.onSamples
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

// Opens returns CallCountOpen under the lock.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountOpen
}

// Closes returns CallCountClose under the lock.
func (s *Source) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Sender ──────────────────────────────────────────────────────────────────

// Sender records every message passed to [Sender.Send].
type Sender struct {
	mu sync.Mutex

	// SendError, if set, is returned for every call. SendErrorFn takes
	// precedence and receives the zero-based call index.
	SendError   error
	SendErrorFn func(call int) error

	messages [][]byte
	calls    int
	notify   chan struct{}
}

// Send implements [capture.Sender].
func (s *Sender) Send(_ context.Context, msg []byte) error {
	s.mu.Lock()
	call := s.calls
	s.calls++
	var err error
	switch {
	case s.SendErrorFn != nil:
		err = s.SendErrorFn(call)
	case s.SendError != nil:
		err = s.SendError
	}
	if err == nil {
		cp := make([]byte, len(msg))
		copy(cp, msg)
		s.messages = append(s.messages, cp)
	}
	ch := s.notifyLocked()
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
	return err
}

// Messages returns a copy of all successfully sent messages.
func (s *Sender) Messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.messages))
	copy(out, s.messages)
	return out
}

// Calls returns the number of Send calls, including failed ones.
func (s *Sender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Notify returns a channel that receives a value after every Send call.
func (s *Sender) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyLocked()
}

func (s *Sender) notifyLocked() chan struct{} {
	if s.notify == nil {
		s.notify = make(chan struct{}, 64)
	}
	return s.notify
}

// ─── PlaybackContext ─────────────────────────────────────────────────────────

// ErrContextClosed is returned by [PlaybackContext.Start] after Close.
var ErrContextClosed = errors.New("mock: playback context closed")

// StartCall records one [PlaybackContext.Start] invocation.
type StartCall struct {
	Buffer playback.Buffer
	At     float64
}

// PlaybackContext is a controllable audio clock. By default every started
// buffer finishes immediately; set Hold to keep buffers playing until the
// test calls [PlaybackContext.Finish].
type PlaybackContext struct {
	mu sync.Mutex

	// Now is returned by CurrentTime.
	Now float64

	// Hold keeps started buffers playing until Finish is called.
	Hold bool

	// StartErrorFn, if set, is called with the zero-based Start index; a
	// non-nil result fails that call.
	StartErrorFn func(call int) error

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	calls   []StartCall
	pending []chan struct{}
	closed  bool
	started chan struct{}
}

// CurrentTime implements [playback.Context].
func (c *PlaybackContext) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Now
}

// SetNow moves the clock.
func (c *PlaybackContext) SetNow(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Now = t
}

// Start implements [playback.Context].
func (c *PlaybackContext) Start(buf playback.Buffer, at float64) (<-chan struct{}, error) {
	c.mu.Lock()
	idx := len(c.calls)
	c.calls = append(c.calls, StartCall{Buffer: buf, At: at})
	ch := c.startedLocked()

	var err error
	switch {
	case c.closed:
		err = ErrContextClosed
	case c.StartErrorFn != nil:
		err = c.StartErrorFn(idx)
	}

	done := make(chan struct{})
	if err == nil {
		if c.Hold {
			c.pending = append(c.pending, done)
		} else {
			close(done)
		}
	}
	c.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
	if err != nil {
		return nil, err
	}
	return done, nil
}

// Finish completes the oldest held buffer. It reports false if none is held.
func (c *PlaybackContext) Finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return false
	}
	close(c.pending[0])
	c.pending = c.pending[1:]
	return true
}

// Close implements [playback.Context]. Held buffers are finished.
func (c *PlaybackContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = nil
	}
	return c.CloseError
}

// Calls returns a copy of all Start invocations.
func (c *PlaybackContext) Calls() []StartCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StartCall, len(c.calls))
	copy(out, c.calls)
	return out
}

// Closed reports whether Close has been called.
func (c *PlaybackContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Started returns a channel that receives a value after every Start call.
func (c *PlaybackContext) Started() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedLocked()
}

func (c *PlaybackContext) startedLocked() chan struct{} {
	if c.started == nil {
		c.started = make(chan struct{}, 64)
	}
	return c.started
}

// Factory returns a [playback.ContextFactory] that hands out the given
// contexts in order and then fails.
func Factory(ctxs ...*PlaybackContext) playback.ContextFactory {
	var mu sync.Mutex
	return func() (playback.Context, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(ctxs) == 0 {
			return nil, errors.New("mock: no playback context left")
		}
		c := ctxs[0]
		ctxs = ctxs[1:]
		return c, nil
	}
}

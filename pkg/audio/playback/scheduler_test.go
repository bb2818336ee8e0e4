package playback_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cyohan21/ai-document/pkg/audio"
	"github.com/cyohan21/ai-document/pkg/audio/mock"
	"github.com/cyohan21/ai-document/pkg/audio/playback"
)

// frame returns a silent frame of n samples at the upstream rate.
func frame(n int) audio.AudioFrame {
	return audio.AudioFrame{Samples: make([]int16, n), SampleRate: audio.SampleRate}
}

// waitIdle blocks until the scheduler stops playing or the deadline passes.
func waitIdle(t *testing.T, s *playback.Scheduler) {
	t.Helper()
	idle := make(chan struct{}, 1)
	s.OnIdle(func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	})
	if !s.Playing() {
		return
	}
	select {
	case <-idle:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for scheduler to go idle")
	}
}

// waitStarts blocks until ctx has seen n Start calls.
func waitStarts(t *testing.T, ctx *mock.PlaybackContext, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for len(ctx.Calls()) < n {
		select {
		case <-ctx.Started():
		case <-deadline:
			t.Fatalf("timed out waiting for %d starts, got %d", n, len(ctx.Calls()))
		}
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScheduler_GapFreeScheduling(t *testing.T) {
	t.Parallel()

	ctx := &mock.PlaybackContext{Hold: true}
	s := playback.New(mock.Factory(ctx))

	const n = 5
	const samples = 4800 // 200ms
	for range n {
		s.EnqueueFrame(frame(samples))
	}

	for i := range n {
		waitStarts(t, ctx, i+1)
		ctx.Finish()
	}
	waitIdle(t, s)

	calls := ctx.Calls()
	if len(calls) != n {
		t.Fatalf("starts: got %d, want %d", len(calls), n)
	}
	d := float64(samples) / audio.SampleRate
	if !approx(calls[0].At, 0.01) {
		t.Errorf("first start: got %v, want 0.01", calls[0].At)
	}
	for k := 1; k < n; k++ {
		want := calls[k-1].At + d - 0.01
		if !approx(calls[k].At, want) {
			t.Errorf("frame %d start: got %v, want %v", k, calls[k].At, want)
		}
	}
	if got, want := s.NextPlayTime(), calls[n-1].At+d-0.01; !approx(got, want) {
		t.Errorf("NextPlayTime: got %v, want %v", got, want)
	}
}

func TestScheduler_NeverBeforeNowPlusLead(t *testing.T) {
	t.Parallel()

	ctx := &mock.PlaybackContext{Hold: true}
	s := playback.New(mock.Factory(ctx))

	s.EnqueueFrame(frame(240)) // 10ms
	waitStarts(t, ctx, 1)

	// The clock jumps far past nextPlayTime before the second frame.
	ctx.SetNow(5)
	s.EnqueueFrame(frame(240))
	ctx.Finish()
	waitStarts(t, ctx, 2)
	ctx.Finish()
	waitIdle(t, s)

	calls := ctx.Calls()
	if !approx(calls[1].At, 5.01) {
		t.Errorf("late frame start: got %v, want 5.01", calls[1].At)
	}
}

func TestScheduler_GainAndConversion(t *testing.T) {
	t.Parallel()

	ctx := &mock.PlaybackContext{}
	s := playback.New(mock.Factory(ctx))

	s.EnqueueFrame(audio.AudioFrame{Samples: []int16{32767, -32768, 0}, SampleRate: audio.SampleRate})
	waitStarts(t, ctx, 1)
	waitIdle(t, s)

	buf := ctx.Calls()[0].Buffer
	if buf.Gain != playback.DefaultGain {
		t.Errorf("Gain: got %v, want %v", buf.Gain, playback.DefaultGain)
	}
	want := []float32{1, -1, 0}
	for i := range want {
		if buf.Samples[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, buf.Samples[i], want[i])
		}
	}
}

func TestScheduler_Enqueue_DecodesTransport(t *testing.T) {
	t.Parallel()

	ctx := &mock.PlaybackContext{}
	s := playback.New(mock.Factory(ctx))

	delta := audio.EncodeFrame([]float32{0.5, -0.5})
	if err := s.Enqueue(delta); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStarts(t, ctx, 1)

	if got := len(ctx.Calls()[0].Buffer.Samples); got != 2 {
		t.Errorf("samples: got %d, want 2", got)
	}

	if err := s.Enqueue("%%%"); err == nil {
		t.Error("expected error for malformed delta")
	}
}

func TestScheduler_FrameErrorSkipsToNext(t *testing.T) {
	t.Parallel()

	ctx := &mock.PlaybackContext{
		StartErrorFn: func(call int) error {
			if call == 1 {
				return errors.New("device glitch")
			}
			return nil
		},
	}
	s := playback.New(mock.Factory(ctx))

	for range 3 {
		s.EnqueueFrame(frame(480))
	}
	waitStarts(t, ctx, 3)
	waitIdle(t, s)

	scheduled, failed := s.Stats()
	if scheduled != 3 || failed != 1 {
		t.Errorf("Stats: got scheduled=%d failed=%d, want 3 and 1", scheduled, failed)
	}
	if s.QueueLen() != 0 {
		t.Errorf("QueueLen: got %d, want 0", s.QueueLen())
	}
}

func TestScheduler_StopMidPlayback(t *testing.T) {
	t.Parallel()

	first := &mock.PlaybackContext{Hold: true}
	second := &mock.PlaybackContext{}
	s := playback.New(mock.Factory(first, second))

	for range 4 {
		s.EnqueueFrame(frame(2400))
	}
	waitStarts(t, first, 1)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Playing() {
		t.Error("Playing should be false after Stop")
	}
	if s.QueueLen() != 0 {
		t.Errorf("QueueLen after Stop: got %d, want 0", s.QueueLen())
	}
	if s.NextPlayTime() != 0 {
		t.Errorf("NextPlayTime after Stop: got %v, want 0", s.NextPlayTime())
	}
	if !first.Closed() {
		t.Error("context should be closed after Stop")
	}

	// The cancelled drain goroutine must not schedule anything further.
	time.Sleep(50 * time.Millisecond)
	if got := len(first.Calls()); got != 1 {
		t.Errorf("starts on stopped context: got %d, want 1", got)
	}

	// A new frame creates a fresh context.
	second.SetNow(2)
	s.EnqueueFrame(frame(240))
	waitStarts(t, second, 1)
	if at := second.Calls()[0].At; !approx(at, 2.01) {
		t.Errorf("fresh context start: got %v, want 2.01", at)
	}
}

func TestScheduler_StopIdle(t *testing.T) {
	t.Parallel()

	s := playback.New(mock.Factory())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop on idle scheduler: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestScheduler_FactoryFailureDropsFrames(t *testing.T) {
	t.Parallel()

	s := playback.New(mock.Factory())
	s.EnqueueFrame(frame(240))
	waitIdle(t, s)

	if _, failed := s.Stats(); failed != 1 {
		t.Errorf("failed: got %d, want 1", failed)
	}
}

func TestBuffer_Duration(t *testing.T) {
	b := playback.Buffer{Samples: make([]float32, 12000), SampleRate: 24000}
	if d := b.Duration(); !approx(d, 0.5) {
		t.Errorf("Duration: got %v, want 0.5", d)
	}
	if d := (playback.Buffer{}).Duration(); d != 0 {
		t.Errorf("zero buffer Duration: got %v", d)
	}
}

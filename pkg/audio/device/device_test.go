package device

import (
	"log/slog"
	"testing"

	"github.com/cyohan21/ai-document/pkg/audio/playback"
)

// newTestSpeaker returns a Speaker with no hardware attached; tests drive the
// render callback directly.
func newTestSpeaker(rate int) *Speaker {
	return &Speaker{rate: rate, log: slog.Default()}
}

func renderFrames(s *Speaker, frames int) []float32 {
	out := make([]byte, frames*4)
	s.render(out, nil, uint32(frames))
	return bytesToFloat(out)
}

func TestFloatBytesRoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.25, 1, -1}
	b := make([]byte, len(in)*4)
	for i, s := range in {
		putFloat(b[i*4:], s)
	}
	got := bytesToFloat(b)
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], in[i])
		}
	}
}

func TestSpeaker_SchedulesAtFrameOffset(t *testing.T) {
	s := newTestSpeaker(10)

	done, err := s.Start(playback.Buffer{Samples: []float32{0.5, 0.5}, SampleRate: 10, Gain: 1}, 0.3)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := renderFrames(s, 4)
	want := []float32{0, 0, 0, 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d: got %v, want %v", i, got[i], want[i])
		}
	}
	select {
	case <-done:
		t.Fatal("buffer finished too early")
	default:
	}

	got = renderFrames(s, 2)
	if got[0] != 0.5 || got[1] != 0 {
		t.Errorf("second period: got %v", got)
	}
	select {
	case <-done:
	default:
		t.Fatal("done not closed after buffer ended")
	}
	if ct := s.CurrentTime(); ct != 0.6 {
		t.Errorf("CurrentTime: got %v, want 0.6", ct)
	}
}

func TestSpeaker_MixesOverlapAndClamps(t *testing.T) {
	s := newTestSpeaker(10)

	_, _ = s.Start(playback.Buffer{Samples: []float32{0.8, 0.8}, SampleRate: 10, Gain: 1}, 0)
	_, _ = s.Start(playback.Buffer{Samples: []float32{0.8, 0.1}, SampleRate: 10, Gain: 0.5}, 0.1)

	got := renderFrames(s, 3)
	want := []float32{0.8, 1, 0.05}
	for i := range want {
		if diff := got[i] - want[i]; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("frame %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSpeaker_CloseReleasesPending(t *testing.T) {
	s := newTestSpeaker(10)

	done, _ := s.Start(playback.Buffer{Samples: make([]float32, 100), SampleRate: 10, Gain: 1}, 0)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("pending buffer not released by Close")
	}
	if _, err := s.Start(playback.Buffer{Samples: []float32{1}, SampleRate: 10}, 0); err != ErrSpeakerClosed {
		t.Errorf("Start after Close: got %v, want ErrSpeakerClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMicrophone_Defaults(t *testing.T) {
	m := NewMicrophone(0, nil)
	if m.SampleRate() != 24000 {
		t.Errorf("SampleRate: got %d, want 24000", m.SampleRate())
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close on unopened microphone: %v", err)
	}
}

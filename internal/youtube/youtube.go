// Package youtube turns a YouTube link into a plain-text transcript that can
// be used as chat context, in the same way as an extracted PDF.
//
// A [Service] resolves the video ID, checks the video length against a
// ceiling, and only then fetches captions from a [Source]. Source calls go
// through a [resilience.CircuitBreaker] so an unreachable YouTube does not
// stall every request for the full network timeout.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/cyohan21/ai-document/internal/observe"
	"github.com/cyohan21/ai-document/internal/resilience"
)

// DefaultMaxDuration is the longest video accepted for transcription.
const DefaultMaxDuration = 30 * time.Minute

// Sentinel errors. Each is wrapped with detail by [Service.Fetch].
var (
	ErrInvalidURL   = errors.New("youtube: invalid YouTube URL")
	ErrNoTranscript = errors.New("youtube: no transcript available for this video")
	ErrTooLong      = errors.New("youtube: video too long")
)

const (
	unknownTitle   = "Unknown Title"
	unknownChannel = "Unknown Channel"
	dateLayout     = "2006-01-02"
)

// Metadata describes a video.
type Metadata struct {
	Title           string `json:"title"`
	ChannelName     string `json:"channelName"`
	DurationSeconds int    `json:"duration"`
	UploadDate      string `json:"uploadDate"`
	VideoID         string `json:"videoId"`
}

// Transcript is the full caption text of a video with its metadata.
type Transcript struct {
	Text     string
	Metadata Metadata
}

// Fetcher produces a transcript for a video URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Transcript, error)
}

// Source is the raw video backend.
type Source interface {
	// Metadata returns the video's details. Zero-valued fields are filled
	// with defaults by the caller.
	Metadata(ctx context.Context, videoID string) (Metadata, error)

	// Segments returns the caption segments in order. A video without
	// captions returns an error wrapping [ErrNoTranscript] or no segments.
	Segments(ctx context.Context, videoID string) ([]string, error)
}

var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/embed/)([^&?/]+)`),
	regexp.MustCompile(`^([a-zA-Z0-9_-]{11})$`),
}

// ExtractVideoID returns the video ID in a watch, short, or embed URL, or a
// bare 11-character ID.
func ExtractVideoID(url string) (string, bool) {
	for _, re := range idPatterns {
		if m := re.FindStringSubmatch(url); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// IsYouTubeURL reports whether url names a YouTube host at all.
func IsYouTubeURL(url string) bool {
	return strings.Contains(url, "youtube.com") || strings.Contains(url, "youtu.be")
}

// ── Service ───────────────────────────────────────────────────────────────────

// Option configures a [Service].
type Option func(*Service)

// WithMaxDuration overrides [DefaultMaxDuration].
func WithMaxDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxDuration = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Service) {
		if cb != nil {
			s.breaker = cb
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Service implements [Fetcher] on top of a [Source].
type Service struct {
	source      Source
	breaker     *resilience.CircuitBreaker
	maxDuration time.Duration
	metrics     *observe.Metrics
	now         func() time.Time
}

var _ Fetcher = (*Service)(nil)

// NewService returns a [Service] reading from source.
func NewService(source Source, opts ...Option) *Service {
	s := &Service{
		source:      source,
		maxDuration: DefaultMaxDuration,
		metrics:     observe.DefaultMetrics(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = NewBreaker(resilience.CircuitBreakerConfig{})
	}
	return s
}

// NewBreaker returns a breaker named "youtube" that does not count
// per-video outcomes (bad links, missing captions, long videos) as failures.
// Transitions are counted on [observe.DefaultMetrics] unless
// cfg.OnStateChange is set.
func NewBreaker(cfg resilience.CircuitBreakerConfig) *resilience.CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "youtube"
	}
	cfg.IsFailure = isServiceFailure
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = observe.BreakerHook(observe.DefaultMetrics())
	}
	return resilience.NewCircuitBreaker(cfg)
}

func isServiceFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrInvalidURL),
		errors.Is(err, ErrNoTranscript),
		errors.Is(err, ErrTooLong):
		return false
	}
	return true
}

// Fetch implements [Fetcher]. The duration ceiling is checked before any
// caption request is made.
func (s *Service) Fetch(ctx context.Context, url string) (_ Transcript, err error) {
	ctx, span := observe.StartSpan(ctx, "youtube.Fetch")
	defer func() { observe.EndSpan(span, err) }()

	id, ok := ExtractVideoID(url)
	if !ok {
		return Transcript{}, fmt.Errorf("%w: no video ID in %q", ErrInvalidURL, url)
	}

	start := time.Now()
	defer func() {
		s.metrics.TranscriptDuration.Record(ctx, time.Since(start).Seconds())
	}()

	meta, err := resilience.Do(s.breaker, func() (Metadata, error) {
		return s.source.Metadata(ctx, id)
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("youtube: metadata for %s: %w", id, err)
	}
	meta = s.withDefaults(meta, id)

	if limit := s.maxDuration; time.Duration(meta.DurationSeconds)*time.Second > limit {
		minutes := int(math.Round(float64(meta.DurationSeconds) / 60))
		return Transcript{}, fmt.Errorf("%w: Video duration (%d minutes) exceeds the %d-minute limit",
			ErrTooLong, minutes, int(limit.Minutes()))
	}

	segments, err := resilience.Do(s.breaker, func() ([]string, error) {
		return s.source.Segments(ctx, id)
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("youtube: transcript for %s: %w", id, err)
	}
	text := strings.Join(segments, " ")
	if strings.TrimSpace(text) == "" {
		return Transcript{}, fmt.Errorf("%w: %s", ErrNoTranscript, id)
	}

	s.metrics.RecordDocument(ctx, "youtube")
	observe.Logger(ctx).Info("youtube: transcript fetched",
		"video_id", id, "segments", len(segments), "chars", len(text))
	return Transcript{Text: text, Metadata: meta}, nil
}

func (s *Service) withDefaults(m Metadata, id string) Metadata {
	if m.Title == "" {
		m.Title = unknownTitle
	}
	if m.ChannelName == "" {
		m.ChannelName = unknownChannel
	}
	if m.UploadDate == "" {
		m.UploadDate = s.now().Format(dateLayout)
	}
	m.VideoID = id
	return m
}

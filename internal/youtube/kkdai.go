package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	yt "github.com/kkdai/youtube/v2"
)

// transcriptLang is the caption track requested from YouTube.
const transcriptLang = "en"

// KKDaiSource reads videos through github.com/kkdai/youtube.
type KKDaiSource struct {
	client *yt.Client
}

var _ Source = (*KKDaiSource)(nil)

// NewKKDaiSource returns a source using hc, or http.DefaultClient when nil.
func NewKKDaiSource(hc *http.Client) *KKDaiSource {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &KKDaiSource{client: &yt.Client{HTTPClient: hc}}
}

// NewKKDaiFetcher is shorthand for a [Service] over a default [KKDaiSource].
func NewKKDaiFetcher(opts ...Option) *Service {
	return NewService(NewKKDaiSource(nil), opts...)
}

// Metadata implements [Source].
func (k *KKDaiSource) Metadata(ctx context.Context, videoID string) (Metadata, error) {
	v, err := k.client.GetVideoContext(ctx, videoID)
	if err != nil {
		if errors.Is(err, yt.ErrInvalidCharactersInVideoID) || errors.Is(err, yt.ErrVideoIDMinLength) {
			return Metadata{}, fmt.Errorf("%w: %w", ErrInvalidURL, err)
		}
		return Metadata{}, err
	}
	m := Metadata{
		Title:           v.Title,
		ChannelName:     v.Author,
		DurationSeconds: int(v.Duration.Seconds()),
		VideoID:         v.ID,
	}
	if !v.PublishDate.IsZero() {
		m.UploadDate = v.PublishDate.Format(dateLayout)
	}
	return m, nil
}

// Segments implements [Source].
func (k *KKDaiSource) Segments(ctx context.Context, videoID string) ([]string, error) {
	tr, err := k.client.GetTranscriptCtx(ctx, &yt.Video{ID: videoID}, transcriptLang)
	if err != nil {
		if errors.Is(err, yt.ErrTranscriptDisabled) {
			return nil, fmt.Errorf("%w: %w", ErrNoTranscript, err)
		}
		return nil, err
	}
	out := make([]string, 0, len(tr))
	for _, seg := range tr {
		out = append(out, seg.Text)
	}
	return out, nil
}

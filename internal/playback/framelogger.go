package playback

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/refract/media"
)

// FrameLogger is a Display that logs decoded-image metadata, one line per
// every-th image so real-time streams do not flood the log.
type FrameLogger struct {
	log   *slog.Logger
	every int64
	count atomic.Int64
}

// NewFrameLogger creates a FrameLogger that logs every n-th image. n <= 0
// logs every image. A nil logger falls back to slog.Default.
func NewFrameLogger(log *slog.Logger, every int) *FrameLogger {
	if log == nil {
		log = slog.Default()
	}
	if every <= 0 {
		every = 1
	}
	return &FrameLogger{
		log:   log.With("component", "display"),
		every: int64(every),
	}
}

// Present logs the image according to the sampling interval.
func (f *FrameLogger) Present(img *media.DecodedImage) {
	n := f.count.Add(1)
	if n%f.every == 0 {
		f.log.Info("picture", "n", n, "pts", img.PTS, "width", img.Width, "height", img.Height)
	}
}

// Count reports how many images have been presented.
func (f *FrameLogger) Count() int64 {
	return f.count.Load()
}

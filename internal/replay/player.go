// Package replay delivers captured RTP packets at their original cadence,
// reconstructing the inter-packet timing from RTP timestamps so downstream
// consumers observe a capture the way a live receiver would have.
package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/refract/internal/rtp"
	"github.com/zsiec/refract/media"
)

// maxGap caps the sleep derived from a single timestamp delta. Captures can
// contain recording pauses or timestamp discontinuities; replaying those as
// real waits would stall playback, so anything above the cap is treated as a
// splice and delivered immediately.
const maxGap = 10 * time.Second

// Player reads a capture record stream and hands each RTP packet to a
// receive callback, sleeping between packets so that timestamp deltas map to
// wall-clock time at the configured speed.
type Player struct {
	reader *rtp.Reader
	speed  float64
	log    *slog.Logger
}

// NewPlayer wraps r for paced playback. Speed scales the timeline: 1.0 is
// real time, 2.0 is double speed. Values <= 0 fall back to real time. A nil
// logger falls back to slog.Default.
func NewPlayer(r io.Reader, speed float64, log *slog.Logger) *Player {
	if log == nil {
		log = slog.Default()
	}
	if speed <= 0 {
		speed = 1.0
	}
	return &Player{
		reader: rtp.NewReader(r, log),
		speed:  speed,
		log:    log.With("component", "replay"),
	}
}

// Stream replays the capture into receive until the stream ends or ctx is
// cancelled. The first packet is delivered immediately; each subsequent
// packet waits out its timestamp delta first. Reaching the end of the
// capture is a normal return, not an error.
func (p *Player) Stream(ctx context.Context, receive func(context.Context, *rtp.Packet)) error {
	var unwrapper rtp.TimestampUnwrapper
	var lastTS int64
	started := false

	for {
		pkt, err := p.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				records, skipped := p.reader.Stats()
				p.log.Info("replay finished", "records", records, "skipped", skipped)
				return nil
			}
			return err
		}

		ts := unwrapper.Unwrap(pkt.Timestamp)
		if started {
			if d := p.delay(ts - lastTS); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		started = true
		lastTS = ts

		receive(ctx, pkt)

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// delay converts a 90 kHz timestamp delta into wall-clock time at the
// playback speed. Non-positive deltas (packets of the same picture, or
// reordering) and deltas beyond maxGap collapse to zero.
func (p *Player) delay(delta int64) time.Duration {
	if delta <= 0 {
		return 0
	}
	d := time.Duration(float64(delta) * float64(time.Second) / (float64(media.VideoClockRate) * p.speed))
	if d > maxGap {
		return 0
	}
	return d
}

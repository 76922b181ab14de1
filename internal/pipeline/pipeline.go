// Package pipeline orchestrates the packet-to-picture data flow for a
// single stream, feeding RTP packets from a Source into the depacketizer and
// forwarding assembled access units to a Decompressor while collecting
// telemetry.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/refract/internal/depack"
	"github.com/zsiec/refract/internal/rtp"
	"github.com/zsiec/refract/media"
)

// statsLogInterval is how often a running session logs a stats summary line.
const statsLogInterval = 10 * time.Second

// Decompressor consumes completed access units in decode order. Decompress
// is called from the session's drain goroutine; implementations that hand
// decoded images back do so on their own terms (callback or channel).
// A returned error counts against the session but does not stop it.
type Decompressor interface {
	Decompress(data []byte, format *media.FormatDescription, pts int64) error
}

// Source feeds RTP packets into a receive callback until the stream ends or
// ctx is cancelled. Implementations control pacing: a replay player sleeps
// out timestamp deltas, a live source delivers packets as they arrive.
type Source interface {
	Stream(ctx context.Context, receive func(context.Context, *rtp.Packet)) error
}

// RecordSource is a Source that reads capture records from R as fast as the
// reader produces them, with no pacing. It serves live byte streams (an SRT
// pipe) and tests.
type RecordSource struct {
	R   io.Reader
	Log *slog.Logger
}

// Stream delivers every well-formed packet in R to receive. The end of the
// record stream is a normal return.
func (s RecordSource) Stream(ctx context.Context, receive func(context.Context, *rtp.Packet)) error {
	r := rtp.NewReader(s.R, s.Log)
	for {
		pkt, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		receive(ctx, pkt)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Session bridges a single stream's Source and Decompressor. It owns the
// feed goroutine that pushes packets into the depacketizer and the drain
// loop that forwards assembled access units, while accumulating statistics
// for the periodic summary log and the stream manager.
type Session struct {
	log       *slog.Logger
	dep       depack.Depacketizer
	source    Source
	dec       Decompressor
	streamKey string
	stats     *SessionStats
	startTime time.Time
	protocol  string

	forwarded      atomic.Int64
	decompressErrs atomic.Int64
	captionFwd     atomic.Int64
	lastFwdPTS     atomic.Int64
	auChanDepth    atomic.Int32
}

// NewSession creates a Session that depacketizes codec payloads from source
// and forwards assembled pictures to dec. The returned session is inert
// until Run is called.
func NewSession(streamKey string, codec media.Codec, source Source, dec Decompressor) (*Session, error) {
	dep, err := depack.New(codec, slog.With("stream", streamKey))
	if err != nil {
		return nil, err
	}

	s := &Session{
		log:       slog.With("stream", streamKey),
		dep:       dep,
		source:    source,
		dec:       dec,
		streamKey: streamKey,
		stats:     NewSessionStats(),
		startTime: time.Now(),
	}
	s.dep.SetStats(s.stats)

	return s, nil
}

// SetProtocol records the transport name (e.g. "SRT", "replay") for
// inclusion in snapshots and the summary log.
func (s *Session) SetProtocol(proto string) {
	s.protocol = proto
}

// Format returns the stream's current format description, or nil before all
// parameter sets have been seen.
func (s *Session) Format() *media.FormatDescription {
	return s.dep.Format()
}

// Stats returns the underlying stats collector.
func (s *Session) Stats() *SessionStats {
	return s.stats
}

// Snapshot returns a point-in-time view of session health suitable for JSON
// serialization.
func (s *Session) Snapshot() StreamSnapshot {
	video, transport, captions, discards := s.stats.Snapshot()

	return StreamSnapshot{
		Timestamp:        time.Now().UnixMilli(),
		UptimeMs:         time.Since(s.startTime).Milliseconds(),
		StreamKey:        s.streamKey,
		Protocol:         s.protocol,
		Video:            video,
		Transport:        transport,
		Captions:         captions,
		Discards:         discards,
		Forwarded:        s.forwarded.Load(),
		DecompressErrors: s.decompressErrs.Load(),
		AUChanDepth:      int(s.auChanDepth.Load()),
	}
}

// Run starts the feed goroutine and the drain loop. It blocks until the
// source ends and every buffered access unit has been forwarded, or the
// context is cancelled. The source's error, if any, is returned after the
// drain completes.
func (s *Session) Run(ctx context.Context) error {
	feedErr := make(chan error, 1)
	go func() {
		err := s.source.Stream(ctx, s.dep.Receive)
		s.dep.Close()
		feedErr <- err
	}()

	auCh := s.dep.AccessUnits()
	captionCh := s.dep.Captions()

	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()

	var srcErr error
	for {
		s.auChanDepth.Store(int32(len(auCh)))

		// Priority drain: always forward access units first so caption
		// traffic cannot starve picture delivery under Go's random select
		// scheduling.
		select {
		case au, ok := <-auCh:
			if !ok {
				return s.finish(srcErr, feedErr)
			}
			s.forward(au)
			continue
		default:
		}

		select {
		case au, ok := <-auCh:
			if !ok {
				return s.finish(srcErr, feedErr)
			}
			s.forward(au)

		case frame, ok := <-captionCh:
			if !ok {
				// Keep draining access units; a nil channel never fires.
				captionCh = nil
				continue
			}
			s.log.Info("captions", "channel", frame.Channel, "pts", frame.PTS, "text", frame.Text)
			s.captionFwd.Add(1)

		case err := <-feedErr:
			// The depacketizer is closed; drain what remains on the
			// channels before returning.
			srcErr = err
			feedErr = nil

		case <-ticker.C:
			s.logStats()

		case <-ctx.Done():
			s.log.Info("session cancelled")
			return nil
		}
	}
}

// finish collects the source result if it has not arrived yet, logs the
// session summary, and returns the source's error.
func (s *Session) finish(srcErr error, feedErr chan error) error {
	if feedErr != nil {
		srcErr = <-feedErr
	}
	s.logSummary(srcErr)
	return srcErr
}

// forward hands one access unit to the decompressor. Decompressor errors
// are counted and logged but never stop the session.
func (s *Session) forward(au *media.AccessUnit) {
	if err := s.dec.Decompress(au.Data, au.Format, au.PTS); err != nil {
		s.decompressErrs.Add(1)
		s.log.Warn("decompressor rejected access unit", "pts", au.PTS, "bytes", len(au.Data), "error", err)
		return
	}
	s.forwarded.Add(1)
	s.lastFwdPTS.Store(au.PTS)
}

func (s *Session) logStats() {
	video, transport, _, discards := s.stats.Snapshot()
	s.log.Info("session stats",
		"packets", transport.Packets,
		"access_units", video.AccessUnits,
		"forwarded", s.forwarded.Load(),
		"fps", video.FrameRate,
		"bitrate_kbps", video.BitrateKbps,
		"discards", discards.Total,
		"last_pts", video.LastPTS,
	)
}

func (s *Session) logSummary(srcErr error) {
	video, transport, captions, discards := s.stats.Snapshot()
	s.log.Info("session finished",
		"packets", transport.Packets,
		"access_units", video.AccessUnits,
		"forwarded", s.forwarded.Load(),
		"decompress_errors", s.decompressErrs.Load(),
		"captions", captions.TotalFrames,
		"discards", discards.Total,
		"wraps", video.TimestampWraps,
		"uptime_ms", time.Since(s.startTime).Milliseconds(),
		"error", srcErr,
	)
}

// Package depack reassembles RTP payloads into decoder-ready access units
// for H.264 (RFC 6184) and H.265 (RFC 7798) video.
//
// A depacketizer is serially driven: exactly one goroutine feeds it packets
// through Receive, and it carries no internal locking. Fragmented units are
// reassembled, aggregated payloads are split, and NAL units are accumulated
// into an access-unit sequence that is flushed to the output channel as
// AVCC-framed coded pictures. Malformed input of any kind is a diagnostic
// and a skip, never a stream failure.
package depack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/zsiec/refract/internal/rtp"
	"github.com/zsiec/refract/media"
)

// Depacketizer is the per-codec reassembly engine. Implementations are not
// safe for concurrent use: one goroutine calls Receive, and Close is called
// after the final Receive has returned.
type Depacketizer interface {
	// Receive consumes one RTP packet. Completed access units and caption
	// frames appear on the output channels; the send respects ctx so a
	// cancelled consumer cannot wedge the feed loop.
	Receive(ctx context.Context, pkt *rtp.Packet)

	// AccessUnits returns the channel of completed coded pictures.
	AccessUnits() <-chan *media.AccessUnit

	// Captions returns the channel of decoded CEA-608/708 caption frames.
	Captions() <-chan *ccx.CaptionFrame

	// Format returns the current format description, or nil before all
	// parameter sets have been seen.
	Format() *media.FormatDescription

	// SetStats attaches a telemetry recorder. Call before the first Receive.
	SetStats(rec StatsRecorder)

	// Close closes the output channels. No Receive may follow.
	Close()
}

// New selects the depacketizer for codec. The choice is made once at stream
// setup; there is no mid-stream codec switching.
func New(codec media.Codec, log *slog.Logger) (Depacketizer, error) {
	switch codec {
	case media.CodecH264:
		return NewH264(log), nil
	case media.CodecH265:
		return NewH265(log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
	}
}

// DiscardKind classifies inputs the depacketizer dropped. Every kind is
// non-fatal; the stream keeps flowing around the damage.
type DiscardKind string

const (
	DiscardUnparseableNAL       DiscardKind = "unparseable_nal"
	DiscardUnsupportedNALType   DiscardKind = "unsupported_nal_type"
	DiscardTruncatedAggregation DiscardKind = "truncated_aggregation"
	DiscardOrphanFragment       DiscardKind = "orphan_fragment"
	DiscardIncompletePicture    DiscardKind = "incomplete_picture"
)

// StatsRecorder is the interface accepted by the depacketizers for recording
// stream telemetry. The pipeline's SessionStats implements it.
type StatsRecorder interface {
	RecordPacket(bytes int64)
	RecordAccessUnit(bytes int64, isRandomAccess bool, pts int64)
	RecordDiscard(kind DiscardKind)
	RecordCaption(channel int)
	RecordResolution(width, height int)
	RecordTimecode(tc string)
	RecordVideoCodec(codec string)
	RecordTimestampWrap()
}

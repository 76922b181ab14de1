package depack

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/ccx"

	"github.com/zsiec/refract/internal/rtp"
	"github.com/zsiec/refract/media"
)

// H264Depacketizer reassembles H.264 access units from RTP payloads
// (RFC 6184). Packets must arrive in decode order on a single goroutine;
// the output channels are safe to drain from elsewhere.
//
// The assembler treats every slice packet as completing a picture, so
// multi-packet pictures must arrive as FU-A fragments or joined inside a
// single payload. Slices split across plain single-NAL packets land in
// separate access units.
type H264Depacketizer struct {
	log   *slog.Logger
	stats StatsRecorder

	auCh      chan *media.AccessUnit
	captionCh chan *ccx.CaptionFrame
	captions  *captionState

	unwrap rtp.TimestampUnwrapper
	format atomic.Pointer[media.FormatDescription]

	sps []byte
	pps []byte

	spsInfo     SPSInfo
	haveSPSInfo bool

	seq      [][]byte
	seqPTS   int64
	hasSlice bool
	hasIDR   bool

	frag []byte

	auCount   int64
	closeOnce sync.Once
}

// NewH264 creates an H.264 depacketizer. A nil logger falls back to
// slog.Default.
func NewH264(log *slog.Logger) *H264Depacketizer {
	if log == nil {
		log = slog.Default()
	}
	captionCh := make(chan *ccx.CaptionFrame, media.CaptionBufferSize)
	return &H264Depacketizer{
		log:       log.With("component", "h264_depack"),
		auCh:      make(chan *media.AccessUnit, media.AccessUnitBufferSize),
		captionCh: captionCh,
		captions:  newCaptionState(captionCh),
	}
}

// AccessUnits returns the channel of assembled access units.
func (d *H264Depacketizer) AccessUnits() <-chan *media.AccessUnit {
	return d.auCh
}

// Captions returns the channel of decoded caption frames.
func (d *H264Depacketizer) Captions() <-chan *ccx.CaptionFrame {
	return d.captionCh
}

// Format returns the current format description, or nil before the first
// SPS/PPS pair has been seen. Safe to call from any goroutine.
func (d *H264Depacketizer) Format() *media.FormatDescription {
	return d.format.Load()
}

// SetStats installs the telemetry sink. Call before the first Receive.
func (d *H264Depacketizer) SetStats(s StatsRecorder) {
	d.stats = s
}

// Close closes the output channels. Any partially assembled picture is
// dropped.
func (d *H264Depacketizer) Close() {
	d.closeOnce.Do(func() {
		close(d.auCh)
		close(d.captionCh)
	})
}

// Receive consumes one RTP packet. Malformed payloads are counted and
// skipped; they never fail the stream.
func (d *H264Depacketizer) Receive(ctx context.Context, pkt *rtp.Packet) {
	if d.stats != nil {
		d.stats.RecordPacket(int64(len(pkt.Payload)))
	}
	if len(pkt.Payload) == 0 {
		d.discard(DiscardUnparseableNAL, ErrShortNAL)
		return
	}

	wrapsBefore := d.unwrap.Wraps()
	pts := d.unwrap.Unwrap(pkt.Timestamp)
	if d.stats != nil && d.unwrap.Wraps() != wrapsBefore {
		d.stats.RecordTimestampWrap()
	}

	switch t := pkt.Payload[0] & 0x1F; t {
	case NALTypeSTAPA:
		d.handleSTAPA(ctx, pkt.Payload, pts)
	case NALTypeFUA:
		d.handleFUA(ctx, pkt.Payload, pts)
	case NALTypeSTAPB, NALTypeMTAP16, NALTypeMTAP24, NALTypeFUB:
		d.discard(DiscardUnsupportedNALType, fmt.Errorf("interleaved packetization type %d", t))
	default:
		d.deliver(ctx, pkt.Payload, pts)
	}
}

// deliver parses a complete NAL unit and runs it through the assembler.
func (d *H264Depacketizer) deliver(ctx context.Context, data []byte, pts int64) {
	nalu, err := ParseNALUnit(data)
	if err != nil {
		d.discard(DiscardUnparseableNAL, err)
		return
	}
	d.process(ctx, nalu, pts)
}

// handleSTAPA walks a STAP-A payload: a 1-byte indicator followed by
// 2-byte-length-prefixed NAL units. A size overrunning the payload keeps
// the units already walked and drops the remainder; a zero-size entry is
// dropped by the NAL parse and the walk continues behind it.
func (d *H264Depacketizer) handleSTAPA(ctx context.Context, payload []byte, pts int64) {
	off := 1
	for off < len(payload) {
		if off+2 > len(payload) {
			d.discard(DiscardTruncatedAggregation, fmt.Errorf("size field at offset %d", off))
			return
		}
		size := int(binary.BigEndian.Uint16(payload[off:]))
		off += 2
		if off+size > len(payload) {
			d.discard(DiscardTruncatedAggregation, fmt.Errorf("unit size %d at offset %d", size, off))
			return
		}
		d.deliver(ctx, payload[off:off+size], pts)
		off += size
	}
}

// handleFUA accumulates FU-A fragments. The start fragment reconstructs
// the original NAL header from the indicator's NRI bits and the FU
// header's type bits.
func (d *H264Depacketizer) handleFUA(ctx context.Context, payload []byte, pts int64) {
	if len(payload) < 2 {
		d.discard(DiscardUnparseableNAL, ErrShortNAL)
		return
	}
	indicator, fuHeader := payload[0], payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0

	if start {
		if d.frag != nil {
			d.discard(DiscardOrphanFragment, fmt.Errorf("restart with %d buffered bytes", len(d.frag)))
		}
		d.frag = make([]byte, 0, len(payload)-1)
		d.frag = append(d.frag, (indicator&0x60)|(fuHeader&0x1F))
		d.frag = append(d.frag, payload[2:]...)
	} else {
		if d.frag == nil {
			d.discard(DiscardOrphanFragment, fmt.Errorf("fragment without start"))
			return
		}
		d.frag = append(d.frag, payload[2:]...)
	}

	if end {
		data := d.frag
		d.frag = nil
		d.deliver(ctx, data, pts)
	}
}

// process dispatches a parsed NAL unit to the access unit assembler.
func (d *H264Depacketizer) process(ctx context.Context, nalu NALUnit, pts int64) {
	switch {
	case nalu.Type == NALTypeAUD:
		d.flush(ctx)
		d.append(nalu, pts)

	case nalu.Type == NALTypeEndOfSeq || nalu.Type == NALTypeEndOfStream || nalu.Type == NALTypeFiller:
		d.flush(ctx)

	case nalu.Type == NALTypeSEI:
		d.handleSEI(ctx, nalu, pts)
		d.append(nalu, pts)

	case nalu.Type == NALTypeSPS:
		d.setSPS(nalu.Data)
		d.append(nalu, pts)

	case nalu.Type == NALTypePPS:
		d.setPPS(nalu.Data)
		d.append(nalu, pts)

	case nalu.Type == NALTypeSlice || nalu.Type == NALTypeIDR:
		// Some encoders join several units into one payload with Annex B
		// start codes between them.
		for _, unit := range splitJoinedUnits(nalu.Data) {
			u, err := ParseNALUnit(unit)
			if err != nil {
				d.discard(DiscardUnparseableNAL, err)
				continue
			}
			d.append(u, pts)
		}
		d.flush(ctx)

	default:
		d.discard(DiscardUnsupportedNALType, fmt.Errorf("nal type %d", nalu.Type))
	}
}

func (d *H264Depacketizer) append(nalu NALUnit, pts int64) {
	d.seqPTS = pts
	d.seq = append(d.seq, nalu.Data)
	if IsSliceType(nalu.Type) {
		d.hasSlice = true
	}
	if nalu.Type == NALTypeIDR {
		d.hasIDR = true
	}
}

// flush emits the pending unit sequence as one access unit. Sequences
// without a slice, or assembled before any SPS/PPS pair arrived, are
// dropped.
func (d *H264Depacketizer) flush(ctx context.Context) {
	if len(d.seq) == 0 {
		return
	}
	seq, pts, hasSlice, hasIDR := d.seq, d.seqPTS, d.hasSlice, d.hasIDR
	d.seq = nil
	d.hasSlice = false
	d.hasIDR = false

	format := d.format.Load()
	if format == nil || !hasSlice {
		if d.stats != nil {
			d.stats.RecordDiscard(DiscardIncompletePicture)
		}
		d.log.Debug("dropping picture", "units", len(seq), "format_ready", format != nil, "has_slice", hasSlice)
		return
	}

	au := &media.AccessUnit{
		PTS:            pts,
		Data:           buildAVCC(seq),
		Format:         format,
		IsRandomAccess: hasIDR,
	}
	d.auCount++
	if d.stats != nil {
		d.stats.RecordAccessUnit(int64(len(au.Data)), au.IsRandomAccess, pts)
	}
	select {
	case d.auCh <- au:
	case <-ctx.Done():
	}
}

func (d *H264Depacketizer) handleSEI(ctx context.Context, nalu NALUnit, pts int64) {
	if d.stats != nil && d.haveSPSInfo && d.spsInfo.PicStructPresent {
		if tc, ok := ParsePicTimingSEI(nalu.Data, d.spsInfo); ok {
			d.stats.RecordTimecode(tc.String())
		}
	}
	d.captions.handleSEI(ctx, nalu.Data, pts, d.auCount, d.stats)
}

func (d *H264Depacketizer) setSPS(data []byte) {
	d.sps = make([]byte, len(data))
	copy(d.sps, data)

	if info, err := ParseSPS(data); err == nil {
		d.spsInfo = info
		d.haveSPSInfo = true
		if d.stats != nil {
			d.stats.RecordResolution(info.Width, info.Height)
			d.stats.RecordVideoCodec(info.CodecString())
		}
	} else {
		d.log.Warn("failed to parse SPS", "error", err)
	}

	d.rebuildFormat()
}

func (d *H264Depacketizer) setPPS(data []byte) {
	d.pps = make([]byte, len(data))
	copy(d.pps, data)
	d.rebuildFormat()
}

// rebuildFormat publishes a fresh format description once both parameter
// sets are cached. The exported SPS/PPS carry the RBSP payload without
// the NAL header; the decoder config keeps the full units.
func (d *H264Depacketizer) rebuildFormat() {
	if d.sps == nil || d.pps == nil {
		return
	}
	f := &media.FormatDescription{
		Codec:         media.CodecH264,
		SPS:           removeEmulationPrevention(d.sps[1:]),
		PPS:           removeEmulationPrevention(d.pps[1:]),
		DecoderConfig: BuildAVCDecoderConfig(d.sps, d.pps),
	}
	if d.haveSPSInfo {
		f.CodecString = d.spsInfo.CodecString()
		f.Width = d.spsInfo.Width
		f.Height = d.spsInfo.Height
	}
	d.format.Store(f)
}

func (d *H264Depacketizer) discard(kind DiscardKind, err error) {
	if d.stats != nil {
		d.stats.RecordDiscard(kind)
	}
	d.log.Debug("discarding payload", "kind", string(kind), "error", err)
}

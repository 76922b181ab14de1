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

// H265Depacketizer reassembles H.265 access units from RTP payloads
// (RFC 7798). Packets must arrive in decode order on a single goroutine;
// the output channels are safe to drain from elsewhere.
//
// Unlike the H.264 assembler, picture boundaries come from the
// first_slice_segment_in_pic_flag, so multi-slice pictures collect into a
// single access unit.
type H265Depacketizer struct {
	log   *slog.Logger
	stats StatsRecorder

	auCh      chan *media.AccessUnit
	captionCh chan *ccx.CaptionFrame
	captions  *captionState

	unwrap rtp.TimestampUnwrapper
	format atomic.Pointer[media.FormatDescription]

	vps []byte
	sps []byte
	pps []byte

	spsInfo     HEVCSPSInfo
	haveSPSInfo bool

	seq      [][]byte
	seqPTS   int64
	hasSlice bool
	hasRAP   bool

	frag []byte

	auCount   int64
	closeOnce sync.Once
}

// NewH265 creates an H.265 depacketizer. A nil logger falls back to
// slog.Default.
func NewH265(log *slog.Logger) *H265Depacketizer {
	if log == nil {
		log = slog.Default()
	}
	captionCh := make(chan *ccx.CaptionFrame, media.CaptionBufferSize)
	return &H265Depacketizer{
		log:       log.With("component", "h265_depack"),
		auCh:      make(chan *media.AccessUnit, media.AccessUnitBufferSize),
		captionCh: captionCh,
		captions:  newCaptionState(captionCh),
	}
}

// AccessUnits returns the channel of assembled access units.
func (d *H265Depacketizer) AccessUnits() <-chan *media.AccessUnit {
	return d.auCh
}

// Captions returns the channel of decoded caption frames.
func (d *H265Depacketizer) Captions() <-chan *ccx.CaptionFrame {
	return d.captionCh
}

// Format returns the current format description, or nil until VPS, SPS,
// and PPS have all been seen. Safe to call from any goroutine.
func (d *H265Depacketizer) Format() *media.FormatDescription {
	return d.format.Load()
}

// SetStats installs the telemetry sink. Call before the first Receive.
func (d *H265Depacketizer) SetStats(s StatsRecorder) {
	d.stats = s
}

// Close closes the output channels. Any partially assembled picture is
// dropped.
func (d *H265Depacketizer) Close() {
	d.closeOnce.Do(func() {
		close(d.auCh)
		close(d.captionCh)
	})
}

// Receive consumes one RTP packet. Malformed payloads are counted and
// skipped; they never fail the stream.
func (d *H265Depacketizer) Receive(ctx context.Context, pkt *rtp.Packet) {
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

	switch t := HEVCNALType(pkt.Payload[0]); t {
	case HEVCNALAP:
		d.handleAP(ctx, pkt.Payload, pts)
	case HEVCNALFU:
		d.handleFU(ctx, pkt.Payload, pts)
	case HEVCNALPACI:
		d.discard(DiscardUnsupportedNALType, fmt.Errorf("paci packetization"))
	default:
		d.deliver(ctx, pkt.Payload, pts)
	}
}

// deliver parses a complete NAL unit and runs it through the assembler.
func (d *H265Depacketizer) deliver(ctx context.Context, data []byte, pts int64) {
	nalu, err := ParseHEVCNALUnit(data)
	if err != nil {
		d.discard(DiscardUnparseableNAL, err)
		return
	}
	d.process(ctx, nalu, pts)
}

// handleAP walks an aggregation packet: the 2-byte payload header followed
// by 2-byte-length-prefixed NAL units. A size overrunning the payload keeps
// the units already walked and drops the remainder; a zero-size entry is
// dropped by the NAL parse and the walk continues behind it.
func (d *H265Depacketizer) handleAP(ctx context.Context, payload []byte, pts int64) {
	off := 2
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

// handleFU accumulates FU fragments. The start fragment reconstructs the
// 2-byte NAL header: the payload header with its type field replaced by
// the FU header's type.
func (d *H265Depacketizer) handleFU(ctx context.Context, payload []byte, pts int64) {
	if len(payload) < 3 {
		d.discard(DiscardUnparseableNAL, ErrShortNAL)
		return
	}
	fuHeader := payload[2]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	fuType := fuHeader & 0x3F

	if start {
		if d.frag != nil {
			d.discard(DiscardOrphanFragment, fmt.Errorf("restart with %d buffered bytes", len(d.frag)))
		}
		d.frag = make([]byte, 0, len(payload)-1)
		d.frag = append(d.frag, (payload[0]&0x81)|(fuType<<1), payload[1])
		d.frag = append(d.frag, payload[3:]...)
	} else {
		if d.frag == nil {
			d.discard(DiscardOrphanFragment, fmt.Errorf("fragment without start"))
			return
		}
		d.frag = append(d.frag, payload[3:]...)
	}

	if end {
		data := d.frag
		d.frag = nil
		d.deliver(ctx, data, pts)
	}
}

// process dispatches a parsed NAL unit to the access unit assembler.
func (d *H265Depacketizer) process(ctx context.Context, nalu HEVCNALUnit, pts int64) {
	switch {
	case IsHEVCSliceType(nalu.Type):
		if len(nalu.Data) < 3 {
			d.discard(DiscardUnparseableNAL, ErrShortNAL)
			return
		}
		if nalu.Data[2]&0x80 != 0 { // first_slice_segment_in_pic_flag
			d.flush(ctx)
		}
		d.append(nalu, pts)

	case nalu.Type == HEVCNALVPS:
		d.flushBeforeParamSet(ctx)
		d.setVPS(nalu.Data)
		d.append(nalu, pts)

	case nalu.Type == HEVCNALSPS:
		d.flushBeforeParamSet(ctx)
		d.setSPS(nalu.Data)
		d.append(nalu, pts)

	case nalu.Type == HEVCNALPPS:
		d.flushBeforeParamSet(ctx)
		d.setPPS(nalu.Data)
		d.append(nalu, pts)

	case nalu.Type == HEVCNALAUD:
		d.flush(ctx)
		d.append(nalu, pts)

	case nalu.Type == HEVCNALEOS || nalu.Type == HEVCNALEOB:
		d.flush(ctx)

	case nalu.Type == HEVCNALSEIPrefix:
		if len(nalu.Data) > 2 {
			d.handleSEI(ctx, nalu, pts)
		}

	case nalu.Type == HEVCNALSEISuffix:
		// SEI units are not carried in the access unit.

	default:
		d.discard(DiscardUnsupportedNALType, fmt.Errorf("nal type %d", nalu.Type))
	}
}

// flushBeforeParamSet closes out a complete pending picture before
// parameter sets for the next one are buffered.
func (d *H265Depacketizer) flushBeforeParamSet(ctx context.Context) {
	if d.hasSlice {
		d.flush(ctx)
	}
}

func (d *H265Depacketizer) append(nalu HEVCNALUnit, pts int64) {
	d.seqPTS = pts
	d.seq = append(d.seq, nalu.Data)
	if IsHEVCSliceType(nalu.Type) {
		d.hasSlice = true
	}
	if IsHEVCKeyframe(nalu.Type) {
		d.hasRAP = true
	}
}

// flush emits the pending unit sequence as one access unit. Sequences
// without a slice, or assembled before all parameter sets arrived, are
// dropped.
func (d *H265Depacketizer) flush(ctx context.Context) {
	if len(d.seq) == 0 {
		return
	}
	seq, pts, hasSlice, hasRAP := d.seq, d.seqPTS, d.hasSlice, d.hasRAP
	d.seq = nil
	d.hasSlice = false
	d.hasRAP = false

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
		IsRandomAccess: hasRAP,
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

func (d *H265Depacketizer) handleSEI(ctx context.Context, nalu HEVCNALUnit, pts int64) {
	d.captions.handleSEI(ctx, nalu.Data, pts, d.auCount, d.stats)
}

func (d *H265Depacketizer) setVPS(data []byte) {
	d.vps = make([]byte, len(data))
	copy(d.vps, data)
	d.rebuildFormat()
}

func (d *H265Depacketizer) setSPS(data []byte) {
	d.sps = make([]byte, len(data))
	copy(d.sps, data)

	if info, err := ParseHEVCSPS(data); err == nil {
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

func (d *H265Depacketizer) setPPS(data []byte) {
	d.pps = make([]byte, len(data))
	copy(d.pps, data)
	d.rebuildFormat()
}

// rebuildFormat publishes a fresh format description once all three
// parameter sets are cached. The exported VPS/SPS/PPS carry the RBSP
// payload without the NAL header; the decoder config keeps the full units.
func (d *H265Depacketizer) rebuildFormat() {
	if d.vps == nil || d.sps == nil || d.pps == nil {
		return
	}
	f := &media.FormatDescription{
		Codec:         media.CodecH265,
		VPS:           removeEmulationPrevention(d.vps[2:]),
		SPS:           removeEmulationPrevention(d.sps[2:]),
		PPS:           removeEmulationPrevention(d.pps[2:]),
		DecoderConfig: BuildHEVCDecoderConfig(d.vps, d.sps, d.pps),
	}
	if d.haveSPSInfo {
		f.CodecString = d.spsInfo.CodecString()
		f.Width = d.spsInfo.Width
		f.Height = d.spsInfo.Height
	}
	d.format.Store(f)
}

func (d *H265Depacketizer) discard(kind DiscardKind, err error) {
	if d.stats != nil {
		d.stats.RecordDiscard(kind)
	}
	d.log.Debug("discarding payload", "kind", string(kind), "error", err)
}

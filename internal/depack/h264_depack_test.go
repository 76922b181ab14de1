package depack

import (
	"bytes"
	"context"
	"testing"

	"github.com/zsiec/refract/internal/rtp"
	"github.com/zsiec/refract/media"
)

// recordingStats captures every telemetry callback for assertions.
type recordingStats struct {
	packets   int
	aus       int
	raps      int
	lastPTS   int64
	discards  map[DiscardKind]int
	captions  []int
	width     int
	height    int
	codecs    []string
	timecodes []string
	wraps     int
}

func (r *recordingStats) RecordPacket(bytes int64) { r.packets++ }

func (r *recordingStats) RecordAccessUnit(bytes int64, isRandomAccess bool, pts int64) {
	r.aus++
	if isRandomAccess {
		r.raps++
	}
	r.lastPTS = pts
}

func (r *recordingStats) RecordDiscard(kind DiscardKind) {
	if r.discards == nil {
		r.discards = make(map[DiscardKind]int)
	}
	r.discards[kind]++
}

func (r *recordingStats) RecordCaption(channel int)     { r.captions = append(r.captions, channel) }
func (r *recordingStats) RecordResolution(w, h int)     { r.width, r.height = w, h }
func (r *recordingStats) RecordTimecode(tc string)      { r.timecodes = append(r.timecodes, tc) }
func (r *recordingStats) RecordVideoCodec(codec string) { r.codecs = append(r.codecs, codec) }
func (r *recordingStats) RecordTimestampWrap()          { r.wraps++ }

// pkt pairs an RTP timestamp with a payload for feeding a depacketizer.
type pkt struct {
	ts      uint32
	payload []byte
}

func feedPackets(t *testing.T, d Depacketizer, pkts []pkt) []*media.AccessUnit {
	t.Helper()
	ctx := context.Background()
	for i, p := range pkts {
		d.Receive(ctx, &rtp.Packet{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: uint16(i),
			Timestamp:      p.ts,
			SSRC:           0xABCD,
			Payload:        p.payload,
		})
	}
	d.Close()

	var aus []*media.AccessUnit
	for au := range d.AccessUnits() {
		aus = append(aus, au)
	}
	return aus
}

func auUnits(t *testing.T, au *media.AccessUnit) [][]byte {
	t.Helper()
	units, err := SplitAVCC(au.Data)
	if err != nil {
		t.Fatalf("access unit is not well-formed AVCC: %v", err)
	}
	return units
}

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	testPPS   = []byte{0x68, 0xCE, 0x3C, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x21, 0xA0, 0x4F}
	testSlice = []byte{0x41, 0x9A, 0x26, 0x21, 0x40}
	testAUD   = []byte{0x09, 0xF0}
	testEOS   = []byte{0x0A}
)

func stapA(units ...[]byte) []byte {
	payload := []byte{0x78}
	for _, u := range units {
		payload = append(payload, byte(len(u)>>8), byte(len(u)))
		payload = append(payload, u...)
	}
	return payload
}

func TestH264SingleNALPicture(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	aus := feedPackets(t, d, []pkt{
		{ts: 90000, payload: testSPS},
		{ts: 90000, payload: testPPS},
		{ts: 90000, payload: testIDR},
	})

	if len(aus) != 1 {
		t.Fatalf("expected 1 access unit, got %d", len(aus))
	}
	au := aus[0]
	if au.PTS != 90000 {
		t.Errorf("pts: got %d, want 90000", au.PTS)
	}
	if !au.IsRandomAccess {
		t.Error("IDR access unit not flagged as random access")
	}

	units := auUnits(t, au)
	if len(units) != 3 {
		t.Fatalf("expected 3 units in access unit, got %d", len(units))
	}
	if !bytes.Equal(units[0], testSPS) || !bytes.Equal(units[1], testPPS) || !bytes.Equal(units[2], testIDR) {
		t.Error("access unit does not carry SPS, PPS, IDR in order")
	}

	if au.Format == nil {
		t.Fatal("access unit missing format description")
	}
	if au.Format.Codec != media.CodecH264 {
		t.Errorf("codec: got %q", au.Format.Codec)
	}
	if au.Format.Width != 1280 || au.Format.Height != 720 {
		t.Errorf("resolution: got %dx%d, want 1280x720", au.Format.Width, au.Format.Height)
	}
	if au.Format.CodecString != "avc1.64001F" {
		t.Errorf("codec string: got %q", au.Format.CodecString)
	}
	if len(au.Format.DecoderConfig) == 0 {
		t.Error("missing decoder config")
	}

	if stats.packets != 3 || stats.aus != 1 || stats.raps != 1 {
		t.Errorf("stats: packets %d aus %d raps %d", stats.packets, stats.aus, stats.raps)
	}
	if stats.width != 1280 || stats.height != 720 {
		t.Errorf("stats resolution: %dx%d", stats.width, stats.height)
	}
}

func TestH264FUAReassembly(t *testing.T) {
	t.Parallel()
	orig := make([]byte, 0, 40)
	orig = append(orig, 0x65)
	for i := 0; i < 39; i++ {
		orig = append(orig, byte(i+1))
	}

	indicator := (orig[0] & 0x60) | NALTypeFUA
	mid := orig[1:]
	chunks := [][]byte{mid[:13], mid[13:26], mid[26:]}

	fuStart := append([]byte{indicator, 0x80 | NALTypeIDR}, chunks[0]...)
	fuMid := append([]byte{indicator, NALTypeIDR}, chunks[1]...)
	fuEnd := append([]byte{indicator, 0x40 | NALTypeIDR}, chunks[2]...)

	d := NewH264(nil)
	aus := feedPackets(t, d, []pkt{
		{ts: 3000, payload: testSPS},
		{ts: 3000, payload: testPPS},
		{ts: 6000, payload: fuStart},
		{ts: 6000, payload: fuMid},
		{ts: 6000, payload: fuEnd},
	})

	if len(aus) != 1 {
		t.Fatalf("expected 1 access unit, got %d", len(aus))
	}
	units := auUnits(t, aus[0])
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	if !bytes.Equal(units[2], orig) {
		t.Errorf("reconstructed unit: got % X, want % X", units[2], orig)
	}
	if aus[0].PTS != 6000 {
		t.Errorf("pts: got %d, want 6000", aus[0].PTS)
	}
}

func TestH264FUAOrphanFragments(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	indicator := byte(0x60 | NALTypeFUA)
	aus := feedPackets(t, d, []pkt{
		{ts: 3000, payload: testSPS},
		{ts: 3000, payload: testPPS},
		// middle and end fragments with no start
		{ts: 6000, payload: []byte{indicator, NALTypeIDR, 0x11}},
		{ts: 6000, payload: []byte{indicator, 0x40 | NALTypeIDR, 0x22}},
	})

	if len(aus) != 0 {
		t.Fatalf("expected no access units, got %d", len(aus))
	}
	if stats.discards[DiscardOrphanFragment] != 2 {
		t.Errorf("orphan discards: got %d, want 2", stats.discards[DiscardOrphanFragment])
	}
}

func TestH264FUARestartReplacesBuffer(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	indicator := byte(0x60 | NALTypeFUA)
	aus := feedPackets(t, d, []pkt{
		{ts: 3000, payload: testSPS},
		{ts: 3000, payload: testPPS},
		// start without end, then a fresh start+end pair
		{ts: 6000, payload: []byte{indicator, 0x80 | NALTypeIDR, 0xAA, 0xBB}},
		{ts: 6000, payload: []byte{indicator, 0xC0 | NALTypeIDR, 0x88, 0x84}},
	})

	if len(aus) != 1 {
		t.Fatalf("expected 1 access unit, got %d", len(aus))
	}
	units := auUnits(t, aus[0])
	want := []byte{0x65, 0x88, 0x84}
	if !bytes.Equal(units[len(units)-1], want) {
		t.Errorf("unit: got % X, want % X", units[len(units)-1], want)
	}
	if stats.discards[DiscardOrphanFragment] != 1 {
		t.Errorf("stale fragment discards: got %d, want 1", stats.discards[DiscardOrphanFragment])
	}
}

func TestH264STAPAAggregation(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	aus := feedPackets(t, d, []pkt{
		{ts: 9000, payload: stapA(testSPS, testPPS, testIDR)},
	})

	if len(aus) != 1 {
		t.Fatalf("expected 1 access unit, got %d", len(aus))
	}
	units := auUnits(t, aus[0])
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	if !bytes.Equal(units[2], testIDR) {
		t.Errorf("unit[2]: got % X, want % X", units[2], testIDR)
	}
	if aus[0].Format == nil || aus[0].Format.Width != 1280 {
		t.Error("aggregated parameter sets did not build the format description")
	}
}

func TestH264STAPATruncatedKeepsPrefix(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	// Valid SPS, PPS, IDR entries followed by a size that overruns.
	payload := stapA(testSPS, testPPS, testIDR)
	payload = append(payload, 0x00, 0x7F, 0x41)

	aus := feedPackets(t, d, []pkt{{ts: 9000, payload: payload}})

	if len(aus) != 1 {
		t.Fatalf("expected 1 access unit from prefix units, got %d", len(aus))
	}
	if stats.discards[DiscardTruncatedAggregation] != 1 {
		t.Errorf("truncation discards: got %d, want 1", stats.discards[DiscardTruncatedAggregation])
	}
}

func TestH264STAPAZeroSizeEntrySkipped(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	// A zero-size entry between valid SPS and PPS entries. Only a size
	// overrunning the payload aborts the walk; an empty entry is an
	// unparseable NAL and the entries behind it still parse.
	payload := stapA(testSPS)
	payload = append(payload, 0x00, 0x00)
	payload = append(payload, byte(len(testPPS)>>8), byte(len(testPPS)))
	payload = append(payload, testPPS...)

	aus := feedPackets(t, d, []pkt{
		{ts: 9000, payload: payload},
		{ts: 9000, payload: testIDR},
	})

	if len(aus) != 1 {
		t.Fatalf("expected 1 access unit, got %d", len(aus))
	}
	units := auUnits(t, aus[0])
	if len(units) != 3 {
		t.Fatalf("unit count: got %d, want 3", len(units))
	}
	if !bytes.Equal(units[0], testSPS) || !bytes.Equal(units[1], testPPS) || !bytes.Equal(units[2], testIDR) {
		t.Error("units behind the empty entry did not survive")
	}
	if stats.discards[DiscardUnparseableNAL] != 1 {
		t.Errorf("unparseable discards: got %d, want 1", stats.discards[DiscardUnparseableNAL])
	}
	if stats.discards[DiscardTruncatedAggregation] != 0 {
		t.Errorf("truncation discards: got %d, want 0", stats.discards[DiscardTruncatedAggregation])
	}
}

func TestH264FlushPerSlicePacket(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	aus := feedPackets(t, d, []pkt{
		{ts: 3000, payload: testSPS},
		{ts: 3000, payload: testPPS},
		{ts: 3000, payload: testSlice},
		{ts: 6000, payload: testSlice},
	})

	if len(aus) != 2 {
		t.Fatalf("expected 2 access units, got %d", len(aus))
	}
	if n := len(auUnits(t, aus[0])); n != 3 {
		t.Errorf("first unit count: got %d, want 3", n)
	}
	if n := len(auUnits(t, aus[1])); n != 1 {
		t.Errorf("second unit count: got %d, want 1", n)
	}
	if aus[0].IsRandomAccess || aus[1].IsRandomAccess {
		t.Error("non-IDR slices flagged as random access")
	}
	if aus[0].PTS != 3000 || aus[1].PTS != 6000 {
		t.Errorf("pts: got %d, %d", aus[0].PTS, aus[1].PTS)
	}
}

func TestH264NoFormatNoOutput(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	aus := feedPackets(t, d, []pkt{{ts: 3000, payload: testIDR}})

	if len(aus) != 0 {
		t.Fatalf("expected no output before parameter sets, got %d", len(aus))
	}
	if stats.discards[DiscardIncompletePicture] != 1 {
		t.Errorf("incomplete discards: got %d, want 1", stats.discards[DiscardIncompletePicture])
	}
}

func TestH264AUDOpensSequenceEOSFlushes(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	aus := feedPackets(t, d, []pkt{
		{ts: 3000, payload: testAUD},
		{ts: 3000, payload: testSPS},
		{ts: 3000, payload: testPPS},
		{ts: 3000, payload: testIDR},
		{ts: 3000, payload: testEOS},
		{ts: 6000, payload: testAUD}, // pending at close, dropped
	})

	if len(aus) != 1 {
		t.Fatalf("expected 1 access unit, got %d", len(aus))
	}
	units := auUnits(t, aus[0])
	if len(units) != 4 {
		t.Fatalf("expected 4 units, got %d", len(units))
	}
	if !bytes.Equal(units[0], testAUD) {
		t.Errorf("unit[0]: got % X, want AUD", units[0])
	}
}

func TestH264SequenceWithoutSliceDiscarded(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	sei := []byte{0x06, 0x05, 0x02, 0xAA, 0xBB, 0x80}
	aus := feedPackets(t, d, []pkt{
		{ts: 3000, payload: testSPS},
		{ts: 3000, payload: testPPS},
		{ts: 3000, payload: sei},
		{ts: 6000, payload: testAUD}, // flushes the sliceless sequence
	})

	if len(aus) != 0 {
		t.Fatalf("expected no access units, got %d", len(aus))
	}
	if stats.discards[DiscardIncompletePicture] != 1 {
		t.Errorf("incomplete discards: got %d, want 1", stats.discards[DiscardIncompletePicture])
	}
}

func TestH264TimestampWrap(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	aus := feedPackets(t, d, []pkt{
		{ts: 0xFFFFFFF0, payload: testSPS},
		{ts: 0xFFFFFFF0, payload: testPPS},
		{ts: 0xFFFFFFF0, payload: testIDR},
		{ts: 0x00000005, payload: testIDR},
	})

	if len(aus) != 2 {
		t.Fatalf("expected 2 access units, got %d", len(aus))
	}
	if aus[0].PTS != 0xFFFFFFF0 {
		t.Errorf("first pts: got %#x", aus[0].PTS)
	}
	if aus[1].PTS != 0x100000005 {
		t.Errorf("wrapped pts: got %#x, want 0x100000005", aus[1].PTS)
	}
	if stats.wraps != 1 {
		t.Errorf("wrap count: got %d, want 1", stats.wraps)
	}
}

func TestH264InterleavedModesUnsupported(t *testing.T) {
	t.Parallel()
	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	aus := feedPackets(t, d, []pkt{
		{ts: 3000, payload: []byte{0x79, 0x00, 0x01}},             // STAP-B
		{ts: 3000, payload: []byte{0x7A, 0x00, 0x01}},             // MTAP16
		{ts: 3000, payload: []byte{0x7D, 0x85, 0x01}},             // FU-B
		{ts: 3000, payload: []byte{0x62, 0x01}},                   // partition A
		{ts: 3000, payload: []byte{0x0D, 0x00}},                   // outside taxonomy
	})

	if len(aus) != 0 {
		t.Fatalf("expected no access units, got %d", len(aus))
	}
	if stats.discards[DiscardUnsupportedNALType] != 4 {
		t.Errorf("unsupported discards: got %d, want 4", stats.discards[DiscardUnsupportedNALType])
	}
	if stats.discards[DiscardUnparseableNAL] != 1 {
		t.Errorf("unparseable discards: got %d, want 1", stats.discards[DiscardUnparseableNAL])
	}
}

func TestH264JoinedPayloadSplit(t *testing.T) {
	t.Parallel()
	joined := append([]byte{}, testIDR...)
	joined = append(joined, 0x00, 0x00, 0x01)
	joined = append(joined, testSlice...)

	d := NewH264(nil)
	aus := feedPackets(t, d, []pkt{
		{ts: 3000, payload: testSPS},
		{ts: 3000, payload: testPPS},
		{ts: 3000, payload: joined},
	})

	if len(aus) != 1 {
		t.Fatalf("expected 1 access unit, got %d", len(aus))
	}
	units := auUnits(t, aus[0])
	if len(units) != 4 {
		t.Fatalf("expected 4 units, got %d", len(units))
	}
	if !bytes.Equal(units[2], testIDR) || !bytes.Equal(units[3], testSlice) {
		t.Error("joined payload not split into separate units")
	}
}

func TestH264PicTimingTimecode(t *testing.T) {
	t.Parallel()
	vuiSPS := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x6a, 0x04, 0x04, 0x0a, 0x80,
		0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e,
		0x30, 0x20, 0x00, 0x16, 0xe3, 0x60, 0x00, 0x2d,
		0xc6, 0xd2, 0x49, 0x80, 0x7c, 0x60, 0xc6, 0x58,
	}
	picTimingSEI := []byte{0x06, 0x01, 0x08, 0x00, 0x02, 0x04, 0x12, 0x00, 0x00, 0x03, 0x00, 0x40, 0x80}

	d := NewH264(nil)
	stats := &recordingStats{}
	d.SetStats(stats)

	aus := feedPackets(t, d, []pkt{
		{ts: 3000, payload: vuiSPS},
		{ts: 3000, payload: testPPS},
		{ts: 3000, payload: picTimingSEI},
		{ts: 3000, payload: testIDR},
	})

	if len(aus) != 1 {
		t.Fatalf("expected 1 access unit, got %d", len(aus))
	}
	if len(stats.timecodes) != 1 || stats.timecodes[0] != "01:00:00:00" {
		t.Errorf("timecodes: got %v, want [01:00:00:00]", stats.timecodes)
	}
	// SEI travels inside the access unit on the H.264 path.
	if n := len(auUnits(t, aus[0])); n != 4 {
		t.Errorf("unit count: got %d, want 4", n)
	}
}

package depack

import (
	"bytes"
	"context"
	"testing"

	pionrtp "github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/zsiec/refract/internal/rtp"
	"github.com/zsiec/refract/media"
)

// Round-trip tests: pion's payloaders are the packetizing reference
// implementation, so whatever they produce — single NAL payloads, STAP-A or
// AP aggregates, FU fragments — must reassemble into the original access
// units.

const roundTripMTU = 1000

// synthSlice pads the given slice header out to size with bytes that can
// never alias a start code or an emulation sequence.
func synthSlice(header []byte, size int) []byte {
	unit := make([]byte, size)
	copy(unit, header)
	for i := len(header); i < size; i++ {
		unit[i] = byte(0x10 + i%0xE0)
	}
	return unit
}

func annexBJoin(units ...[]byte) []byte {
	var buf []byte
	for _, u := range units {
		buf = append(buf, 0x00, 0x00, 0x00, 0x01)
		buf = append(buf, u...)
	}
	return buf
}

// feedPayloaded packetizes each access unit with the payloader, marshals the
// packets through pion, re-parses them with this module's packet parser, and
// feeds them to d. Frames are spaced one 30 fps tick apart.
func feedPayloaded(t *testing.T, d Depacketizer, payloader pionrtp.Payloader, frames [][]byte) []*media.AccessUnit {
	t.Helper()
	ctx := context.Background()

	var seq uint16
	ts := uint32(90000)
	for _, frame := range frames {
		payloads := payloader.Payload(roundTripMTU, frame)
		if len(payloads) == 0 {
			t.Fatalf("payloader produced no packets for %d-byte frame", len(frame))
		}
		for i, payload := range payloads {
			pionPkt := pionrtp.Packet{
				Header: pionrtp.Header{
					Version:        2,
					Marker:         i == len(payloads)-1,
					PayloadType:    96,
					SequenceNumber: seq,
					Timestamp:      ts,
					SSRC:           0x5555,
				},
				Payload: payload,
			}
			seq++

			raw, err := pionPkt.Marshal()
			if err != nil {
				t.Fatalf("marshal packet: %v", err)
			}
			pkt, err := rtp.Parse(raw)
			if err != nil {
				t.Fatalf("re-parse pion packet: %v", err)
			}
			d.Receive(ctx, pkt)
		}
		ts += 3000
	}
	d.Close()

	var aus []*media.AccessUnit
	for au := range d.AccessUnits() {
		aus = append(aus, au)
	}
	return aus
}

func TestH264PionRoundTrip(t *testing.T) {
	t.Parallel()

	idr := synthSlice([]byte{0x65, 0x88, 0x84}, 1800) // larger than the MTU, forces FU-A
	deltas := [][]byte{
		synthSlice([]byte{0x41, 0x9A, 0x26}, 700),
		synthSlice([]byte{0x41, 0x9A, 0x27}, 650),
		synthSlice([]byte{0x41, 0x9A, 0x28}, 2400),
	}

	frames := [][]byte{annexBJoin(testSPS, testPPS, idr)}
	for _, s := range deltas {
		frames = append(frames, annexBJoin(s))
	}

	d := NewH264(nil)
	aus := feedPayloaded(t, d, &codecs.H264Payloader{}, frames)

	if len(aus) != len(frames) {
		t.Fatalf("expected %d access units, got %d", len(frames), len(aus))
	}

	first := auUnits(t, aus[0])
	if len(first) != 3 {
		t.Fatalf("first picture has %d units, want 3", len(first))
	}
	if !bytes.Equal(first[0], testSPS) || !bytes.Equal(first[1], testPPS) {
		t.Error("parameter sets do not survive the round trip")
	}
	if !bytes.Equal(first[2], idr) {
		t.Errorf("IDR slice corrupted: %d bytes in, %d out", len(idr), len(first[2]))
	}
	if !aus[0].IsRandomAccess {
		t.Error("first picture not flagged as random access")
	}
	if aus[0].PTS != 90000 {
		t.Errorf("first PTS = %d, want 90000", aus[0].PTS)
	}

	for i, want := range deltas {
		units := auUnits(t, aus[i+1])
		if len(units) != 1 || !bytes.Equal(units[0], want) {
			t.Errorf("delta picture %d corrupted", i)
		}
		if wantPTS := int64(90000 + 3000*(i+1)); aus[i+1].PTS != wantPTS {
			t.Errorf("delta picture %d PTS = %d, want %d", i, aus[i+1].PTS, wantPTS)
		}
	}
}

func TestH265PionRoundTrip(t *testing.T) {
	t.Parallel()

	idr := synthSlice([]byte{0x26, 0x01, 0xAF}, 1800) // forces fragmentation
	trails := [][]byte{
		synthSlice([]byte{0x02, 0x01, 0xD0}, 700),
		synthSlice([]byte{0x02, 0x01, 0xD1}, 2200),
	}

	frames := [][]byte{annexBJoin(hevcVPS, hevcSPS, hevcPPS, idr)}
	for _, s := range trails {
		frames = append(frames, annexBJoin(s))
	}
	// The last picture only completes at the next boundary; an
	// end-of-sequence unit provides one.
	frames = append(frames, annexBJoin(hevcEOS))

	d := NewH265(nil)
	stats := &recordingStats{}
	d.SetStats(stats)
	aus := feedPayloaded(t, d, &codecs.H265Payloader{}, frames)

	if want := len(trails) + 1; len(aus) != want {
		t.Fatalf("expected %d access units, got %d", want, len(aus))
	}

	// The parameter sets precede the first slice, so they can never form a
	// picture of their own: the first-slice flush discards them from the
	// sequence and they reach the decoder via the format description.
	first := auUnits(t, aus[0])
	if len(first) != 1 {
		t.Fatalf("first picture has %d units, want 1", len(first))
	}
	if !bytes.Equal(first[0], idr) {
		t.Errorf("IDR slice corrupted: %d bytes in, %d out", len(idr), len(first[0]))
	}
	if stats.discards[DiscardIncompletePicture] != 1 {
		t.Errorf("incomplete discards: got %d, want 1", stats.discards[DiscardIncompletePicture])
	}
	format := aus[0].Format
	if format == nil {
		t.Fatal("first picture has no format description")
	}
	if !bytes.Equal(format.VPS, hevcVPS[2:]) || !bytes.Equal(format.SPS, hevcSPS[2:]) || !bytes.Equal(format.PPS, hevcPPS[2:]) {
		t.Error("parameter-set payloads do not survive into the format description")
	}
	if !aus[0].IsRandomAccess {
		t.Error("first picture not flagged as random access")
	}

	for i, want := range trails {
		units := auUnits(t, aus[i+1])
		if len(units) != 1 || !bytes.Equal(units[0], want) {
			t.Errorf("trailing picture %d corrupted", i)
		}
		if aus[i+1].IsRandomAccess {
			t.Errorf("trailing picture %d flagged as random access", i)
		}
	}
}

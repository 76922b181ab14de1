package rtp

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// record frames body as one capture record.
func record(body []byte) []byte {
	out := []byte{0, 0, 0, byte(len(body))}
	if len(body) > 0xFF {
		out = []byte{0, 0, byte(len(body) >> 8), byte(len(body))}
	}
	return append(out, body...)
}

// packetBytes builds a valid RTP packet with the given sequence number and a
// one-byte payload.
func packetBytes(seq uint16) []byte {
	return append(header(0x80, 0x60, seq, uint32(seq)*3000, 0x01020304), byte(seq))
}

func TestReaderStreamOrder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for seq := uint16(1); seq <= 3; seq++ {
		buf.Write(record(packetBytes(seq)))
	}

	r := NewReader(&buf, nil)
	for want := uint16(1); want <= 3; want++ {
		p, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if p.SequenceNumber != want {
			t.Fatalf("SequenceNumber = %d, want %d", p.SequenceNumber, want)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("Next at end = %v, want io.EOF", err)
	}
}

func TestReaderSkipsShortRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(record(packetBytes(1)))
	buf.Write(record([]byte{0x01, 0x02, 0x03})) // too short for an RTP header
	buf.Write(record(packetBytes(2)))

	r := NewReader(&buf, nil)
	p, err := r.Next()
	if err != nil || p.SequenceNumber != 1 {
		t.Fatalf("first Next = %v, %v", p, err)
	}
	p, err = r.Next()
	if err != nil {
		t.Fatalf("Next after short record: %v", err)
	}
	if p.SequenceNumber != 2 {
		t.Fatalf("SequenceNumber = %d, want 2 (short record not skipped)", p.SequenceNumber)
	}

	records, skipped := r.Stats()
	if records != 3 || skipped != 1 {
		t.Errorf("Stats = %d records, %d skipped; want 3, 1", records, skipped)
	}
}

func TestReaderSkipsMalformedPacket(t *testing.T) {
	t.Parallel()

	bad := packetBytes(7)
	bad[0] = 0x40 // version 1

	var buf bytes.Buffer
	buf.Write(record(bad))
	buf.Write(record(packetBytes(8)))

	r := NewReader(&buf, nil)
	p, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if p.SequenceNumber != 8 {
		t.Fatalf("SequenceNumber = %d, want 8", p.SequenceNumber)
	}
}

func TestReaderTruncatedTail(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(record(packetBytes(1)))
	// Declares 100 bytes but the stream ends after 5.
	buf.Write([]byte{0, 0, 0, 100, 1, 2, 3, 4, 5})

	r := NewReader(&buf, nil)
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("Next on truncated tail = %v, want io.EOF", err)
	}
}

func TestReaderTruncatedLengthPrefix(t *testing.T) {
	t.Parallel()

	r := NewReader(bytes.NewReader([]byte{0, 0}), nil)
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("Next = %v, want io.EOF", err)
	}
}

func TestReaderEmptyStream(t *testing.T) {
	t.Parallel()

	r := NewReader(bytes.NewReader(nil), nil)
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("Next = %v, want io.EOF", err)
	}
}

func TestReaderOversizedRecordDrained(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	huge := make([]byte, maxRecordBody+1)
	buf.Write([]byte{0, 1, 0, 1}) // 65537
	buf.Write(huge)
	buf.Write(record(packetBytes(9)))

	r := NewReader(&buf, nil)
	p, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if p.SequenceNumber != 9 {
		t.Fatalf("SequenceNumber = %d, want 9", p.SequenceNumber)
	}
}

func TestWriteRecordReadBack(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for seq := uint16(1); seq <= 5; seq++ {
		if err := WriteRecord(&buf, packetBytes(seq)); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}

	r := NewReader(&buf, nil)
	var got int
	for {
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got++
		if int(p.SequenceNumber) != got {
			t.Fatalf("SequenceNumber = %d, want %d", p.SequenceNumber, got)
		}
	}
	if got != 5 {
		t.Fatalf("read %d packets, want 5", got)
	}
}

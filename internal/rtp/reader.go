package rtp

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
)

// recordHeaderSize is the big-endian length prefix before each record body.
const recordHeaderSize = 4

// maxRecordBody caps how much a single record may claim. An RTP packet fits
// in one UDP datagram, so anything larger is a corrupt length prefix; the
// body is drained without buffering it.
const maxRecordBody = 1 << 16

// Reader consumes a capture record stream: a 4-byte big-endian body length
// followed by that many bytes of raw RTP packet, repeated. The same framing
// is used for capture files on disk and for live byte streams arriving over
// SRT.
type Reader struct {
	r   io.Reader
	log *slog.Logger
	hdr [recordHeaderSize]byte

	records int64
	skipped int64
}

// NewReader wraps r. A nil logger falls back to slog.Default.
func NewReader(r io.Reader, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{r: r, log: log.With("component", "rtp_reader")}
}

// NextRecord returns the next raw record body without validating it as an
// RTP packet. A truncated final record (length prefix or body cut short)
// reads as io.EOF: no partial body is ever returned.
func (r *Reader) NextRecord() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(r.hdr[:])

	if n > maxRecordBody {
		r.records++
		r.skipped++
		r.log.Debug("draining oversized record", "len", n)
		if _, err := io.CopyN(io.Discard, r.r, int64(n)); err != nil {
			return nil, io.EOF
		}
		return nil, nil
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	r.records++
	return body, nil
}

// Next returns the next well-formed RTP packet in stream order. Record
// bodies too short to hold an RTP header and packets failing header
// validation are skipped with a diagnostic; reading resumes at the next
// record boundary. io.EOF means the stream ended, including a truncated
// final record.
func (r *Reader) Next() (*Packet, error) {
	for {
		body, err := r.NextRecord()
		if err != nil {
			return nil, err
		}
		if body == nil {
			continue
		}
		if len(body) < HeaderSize {
			r.skipped++
			r.log.Debug("skipping short record", "len", len(body))
			continue
		}
		pkt, err := Parse(body)
		if err != nil {
			r.skipped++
			r.log.Debug("skipping malformed packet", "len", len(body), "error", err)
			continue
		}
		return pkt, nil
	}
}

// Stats reports how many records were consumed and how many of them were
// skipped as malformed.
func (r *Reader) Stats() (records, skipped int64) {
	return r.records, r.skipped
}

// WriteRecord writes one capture record for pkt: the 4-byte big-endian
// length prefix followed by the packet bytes.
func WriteRecord(w io.Writer, pkt []byte) error {
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(pkt)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(pkt)
	return err
}

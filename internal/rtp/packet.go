// Package rtp parses RTP packets and length-prefixed capture record streams,
// and unwraps 32-bit RTP timestamps onto a continuous 64-bit timeline.
//
// The parser is strict about header arithmetic and forgiving about stream
// health: a record or packet that fails validation is skipped with a
// diagnostic and reading resumes at the next record boundary.
package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed RTP header length before any CSRC entries.
const HeaderSize = 12

const rtpVersion = 2

var (
	ErrShortPacket    = errors.New("rtp: packet shorter than fixed header")
	ErrBadVersion     = errors.New("rtp: version is not 2")
	ErrShortCSRC      = errors.New("rtp: csrc list overruns packet")
	ErrShortExtension = errors.New("rtp: header extension overruns packet")
	ErrBadPadding     = errors.New("rtp: invalid padding count")
)

// Packet is one parsed RTP packet. Payload is always a fresh copy; it never
// aliases the buffer handed to Parse, so callers may recycle receive buffers
// immediately.
type Packet struct {
	Version        byte
	Padding        bool
	Extension      bool
	CSRCCount      byte
	Marker         bool
	PayloadType    byte
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32
	ExtensionData  []byte
	Payload        []byte
}

// Parse decodes buf as an RTP packet per RFC 3550 section 5.1. CSRC entries
// and header extensions are validated and skipped; padding is removed from
// the payload end. Any header arithmetic that overruns buf is an error and
// no packet is produced.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(buf))
	}
	if v := buf[0] >> 6; v != rtpVersion {
		return nil, fmt.Errorf("%w: got %d", ErrBadVersion, v)
	}

	p := &Packet{
		Version:        buf[0] >> 6,
		Padding:        buf[0]&0x20 != 0,
		Extension:      buf[0]&0x10 != 0,
		CSRCCount:      buf[0] & 0x0F,
		Marker:         buf[1]&0x80 != 0,
		PayloadType:    buf[1] & 0x7F,
		SequenceNumber: binary.BigEndian.Uint16(buf[2:4]),
		Timestamp:      binary.BigEndian.Uint32(buf[4:8]),
		SSRC:           binary.BigEndian.Uint32(buf[8:12]),
	}

	off := HeaderSize + 4*int(p.CSRCCount)
	if len(buf) < off {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrShortCSRC, p.CSRCCount, len(buf))
	}
	if p.CSRCCount > 0 {
		p.CSRC = make([]uint32, p.CSRCCount)
		for i := range p.CSRC {
			p.CSRC[i] = binary.BigEndian.Uint32(buf[HeaderSize+4*i:])
		}
	}

	if p.Extension {
		if len(buf) < off+4 {
			return nil, fmt.Errorf("%w: missing extension header", ErrShortExtension)
		}
		extWords := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		extStart := off + 4
		off = extStart + 4*extWords
		if len(buf) < off {
			return nil, fmt.Errorf("%w: %d words in %d bytes", ErrShortExtension, extWords, len(buf))
		}
		p.ExtensionData = make([]byte, 4*extWords)
		copy(p.ExtensionData, buf[extStart:off])
	}

	payload := buf[off:]
	if p.Padding {
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: padding flag on empty payload", ErrBadPadding)
		}
		pad := int(payload[len(payload)-1])
		if pad == 0 || pad > len(payload) {
			return nil, fmt.Errorf("%w: %d of %d payload bytes", ErrBadPadding, pad, len(payload))
		}
		payload = payload[:len(payload)-pad]
	}

	p.Payload = make([]byte, len(payload))
	copy(p.Payload, payload)
	return p, nil
}

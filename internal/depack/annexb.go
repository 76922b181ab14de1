package depack

import (
	"bytes"
	"encoding/binary"
)

type startCode struct {
	scStart   int
	dataStart int
}

// findStartCodes locates every 3-byte (00 00 01) and 4-byte (00 00 00 01)
// start code in data. At the same offset the 4-byte form wins.
func findStartCodes(data []byte) []startCode {
	var positions []startCode
	n := len(data)
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, startCode{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, startCode{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}
	return positions
}

// SplitAnnexB splits an Annex-B byte stream into NAL units. Bytes before the
// first start code are discarded, empty runs between adjacent start codes
// produce no unit, and the returned slices alias data.
func SplitAnnexB(data []byte) [][]byte {
	positions := findStartCodes(data)
	if len(positions) == 0 {
		return nil
	}
	var units [][]byte
	for idx, pos := range positions {
		end := len(data)
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		units = append(units, data[pos.dataStart:end])
	}
	return units
}

// splitJoinedUnits handles payloads where a sender concatenated several NAL
// units with start codes without framing the first one. Unlike SplitAnnexB,
// bytes before the first start code are the first unit, and a payload with
// no start code at all is itself the single unit.
func splitJoinedUnits(data []byte) [][]byte {
	positions := findStartCodes(data)
	if len(positions) == 0 {
		return [][]byte{data}
	}
	var units [][]byte
	if positions[0].scStart > 0 {
		units = append(units, data[:positions[0].scStart])
	}
	for idx, pos := range positions {
		end := len(data)
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		units = append(units, data[pos.dataStart:end])
	}
	return units
}

// removeEmulationPrevention unescapes an RBSP: every 00 00 03 sequence loses
// the 03. Applied to parameter-set payloads before they enter a format
// description. Input without the sequence is returned as-is.
func removeEmulationPrevention(data []byte) []byte {
	if !bytes.Contains(data, []byte{0x00, 0x00, 0x03}) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, data[i])
	}
	return out
}

// buildAVCC frames units as an AVCC buffer: a 4-byte big-endian length
// before each unit. Unit bytes are copied, so the result owns its memory.
func buildAVCC(units [][]byte) []byte {
	total := 0
	for _, u := range units {
		total += 4 + len(u)
	}
	out := make([]byte, 0, total)
	var lenBuf [4]byte
	for _, u := range units {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u)))
		out = append(out, lenBuf[:]...)
		out = append(out, u...)
	}
	return out
}

// SplitAVCC walks an AVCC buffer and returns the framed NAL units. The
// returned slices alias data. A length prefix that overruns the buffer is an
// error; well-formed buffers consume every byte.
func SplitAVCC(data []byte) ([][]byte, error) {
	var units [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, &ParseError{Field: "avcc_length", Err: ErrShortNAL}
		}
		n := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if n > len(data) {
			return nil, &ParseError{Field: "avcc_length", Err: ErrShortNAL}
		}
		units = append(units, data[:n])
		data = data[n:]
	}
	return units, nil
}

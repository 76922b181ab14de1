package playback

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/refract/internal/depack"
	"github.com/zsiec/refract/media"
)

// configUnits extracts the full parameter-set NAL units from a decoder
// configuration record, in record order, ready for Annex-B framing.
func configUnits(codec media.Codec, cfg []byte) ([][]byte, error) {
	switch codec {
	case media.CodecH264:
		return parseAVCConfig(cfg)
	case media.CodecH265:
		return parseHEVCConfig(cfg)
	}
	return nil, fmt.Errorf("%w: %q", depack.ErrUnsupportedCodec, codec)
}

// parseAVCConfig walks an AVCDecoderConfigurationRecord (ISO 14496-15
// §5.3.3.1.2): a 6-byte header, the SPS entries, a PPS count byte, and the
// PPS entries.
func parseAVCConfig(cfg []byte) ([][]byte, error) {
	if len(cfg) < 7 || cfg[0] != 1 {
		return nil, ErrBadDecoderConfig
	}

	var units [][]byte
	numSPS := int(cfg[5] & 0x1F)
	off := 6
	for i := 0; i < numSPS; i++ {
		u, next, err := configEntry(cfg, off)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
		off = next
	}

	if off >= len(cfg) {
		return nil, ErrBadDecoderConfig
	}
	numPPS := int(cfg[off])
	off++
	for i := 0; i < numPPS; i++ {
		u, next, err := configEntry(cfg, off)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
		off = next
	}

	return units, nil
}

// parseHEVCConfig walks an HEVCDecoderConfigurationRecord (ISO 14496-15
// §8.3.3.1.2): a 22-byte header, an array count, and per-array NAL unit
// lists. Array order is preserved, which puts VPS before SPS before PPS for
// records built by this module.
func parseHEVCConfig(cfg []byte) ([][]byte, error) {
	if len(cfg) < 23 || cfg[0] != 1 {
		return nil, ErrBadDecoderConfig
	}

	var units [][]byte
	numArrays := int(cfg[22])
	off := 23
	for a := 0; a < numArrays; a++ {
		if off+3 > len(cfg) {
			return nil, ErrBadDecoderConfig
		}
		numNALUs := int(binary.BigEndian.Uint16(cfg[off+1:]))
		off += 3
		for n := 0; n < numNALUs; n++ {
			u, next, err := configEntry(cfg, off)
			if err != nil {
				return nil, err
			}
			units = append(units, u)
			off = next
		}
	}

	return units, nil
}

// configEntry reads one 2-byte-length-prefixed NAL unit at off, returning
// the unit and the offset past it.
func configEntry(cfg []byte, off int) ([]byte, int, error) {
	if off+2 > len(cfg) {
		return nil, 0, ErrBadDecoderConfig
	}
	n := int(binary.BigEndian.Uint16(cfg[off:]))
	off += 2
	if n == 0 || off+n > len(cfg) {
		return nil, 0, ErrBadDecoderConfig
	}
	return cfg[off : off+n], off + n, nil
}

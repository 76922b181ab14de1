package depack

import (
	"fmt"
	"math/bits"
)

// H.265/HEVC NAL unit type constants, ITU-T H.265 Table 7-1 plus the RTP
// packetization types from RFC 7798 section 4.4.
const (
	HEVCNALTrailN    = 0
	HEVCNALTrailR    = 1
	HEVCNALBlaWLP    = 16
	HEVCNALBlaWRadl  = 17
	HEVCNALBlaNLP    = 18
	HEVCNALIDRWRadl  = 19
	HEVCNALIDRNlp    = 20
	HEVCNALCraNut    = 21
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALAUD       = 35
	HEVCNALEOS       = 36
	HEVCNALEOB       = 37
	HEVCNALSEIPrefix = 39
	HEVCNALSEISuffix = 40
	HEVCNALAP        = 48
	HEVCNALFU        = 49
	HEVCNALPACI      = 50
)

// HEVCNALType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// HEVCNALUnit is a parsed H.265 NAL unit. Data is the complete unit
// including the 2-byte header, without a start code. TID is signed:
// a temporal_id_plus1 of zero is invalid per the standard but passes
// through as -1 rather than being rejected.
type HEVCNALUnit struct {
	Type    byte
	LayerID byte
	TID     int8
	Data    []byte
}

// Payload returns the unit bytes after the 2-byte header.
func (n HEVCNALUnit) Payload() []byte {
	return n.Data[2:]
}

// ParseHEVCNALUnit validates the 2-byte NAL header. The forbidden bit must
// be clear and the type must be one this package handles. A zero
// nuh_temporal_id_plus1 is tolerated and surfaces as TID -1.
func ParseHEVCNALUnit(data []byte) (HEVCNALUnit, error) {
	if len(data) < 2 {
		return HEVCNALUnit{}, &ParseError{Field: "nal_header", Err: ErrShortNAL}
	}
	if data[0]&0x80 != 0 {
		return HEVCNALUnit{}, &ParseError{Field: "forbidden_zero_bit", Err: ErrForbiddenBit}
	}
	t := HEVCNALType(data[0])
	if !validHEVCType(t) {
		return HEVCNALUnit{}, &ParseError{Field: "nal_unit_type", Err: fmt.Errorf("%w: %d", ErrUnknownNALType, t)}
	}
	return HEVCNALUnit{
		Type:    t,
		LayerID: (data[0]&0x01)<<5 | data[1]>>3,
		TID:     int8(data[1]&0x07) - 1,
		Data:    data,
	}, nil
}

func validHEVCType(t byte) bool {
	switch {
	case t <= HEVCNALTrailR:
		return true
	case t >= HEVCNALBlaWLP && t <= HEVCNALCraNut:
		return true
	case t >= HEVCNALVPS && t <= HEVCNALEOB:
		return true
	case t == HEVCNALSEIPrefix || t == HEVCNALSEISuffix:
		return true
	case t >= HEVCNALAP && t <= HEVCNALPACI:
		return true
	}
	return false
}

// IsHEVCSliceType reports whether t carries picture data: trailing pictures
// or any random access point.
func IsHEVCSliceType(t byte) bool {
	return t <= HEVCNALTrailR || (t >= HEVCNALBlaWLP && t <= HEVCNALCraNut)
}

// IsHEVCKeyframe reports whether t is an HEVC random access point (BLA,
// IDR, or CRA).
func IsHEVCKeyframe(t byte) bool {
	return t >= HEVCNALBlaWLP && t <= HEVCNALCraNut
}

// HEVCSPSInfo holds parameters extracted from an HEVC SPS NAL unit.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIdc      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// CodecString returns the RFC 6381 codec parameter string (e.g.
// "hev1.1.6.L93.B0").
func (s HEVCSPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}

	reversed := bits.Reverse32(s.ProfileCompatibilityFlags)

	// Constraint bytes come from the 48-bit field with trailing zero bytes
	// trimmed.
	var constraintBytes [6]byte
	for i := 0; i < 6; i++ {
		constraintBytes[i] = byte((s.ConstraintIndicatorFlags >> uint((5-i)*8)) & 0xFF)
	}
	lastNonZero := -1
	for i := 5; i >= 0; i-- {
		if constraintBytes[i] != 0 {
			lastNonZero = i
			break
		}
	}

	codec := fmt.Sprintf("hev1.%d.%X.%s%d", s.ProfileIDC, reversed, tier, s.LevelIDC)
	if lastNonZero >= 0 {
		for i := 0; i <= lastNonZero; i++ {
			codec += fmt.Sprintf(".%X", constraintBytes[i])
		}
	}
	return codec
}

// ParseHEVCSPS parses an HEVC SPS to extract resolution and
// profile/tier/level. The input is the full NAL unit, 2-byte header
// included, without a start code.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nalu[2:])
	br := newBitReader(rbsp)

	if _, err := br.readBits(4); err != nil { // sps_video_parameter_set_id
		return HEVCSPSInfo{}, err
	}

	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return HEVCSPSInfo{}, err
	}

	if _, err := br.readBits(1); err != nil { // sps_temporal_id_nesting_flag
		return HEVCSPSInfo{}, err
	}

	info := HEVCSPSInfo{}
	if err := parseHEVCProfileTierLevel(br, &info, maxSubLayersMinus1); err != nil {
		return HEVCSPSInfo{}, err
	}

	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return HEVCSPSInfo{}, err
	}

	chromaFormatIdc, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	info.ChromaFormatIdc = byte(chromaFormatIdc)

	if chromaFormatIdc == 3 {
		if _, err := br.readBits(1); err != nil { // separate_colour_plane_flag
			return HEVCSPSInfo{}, err
		}
	}

	width, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	height, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	info.Width = int(width)
	info.Height = int(height)

	// Profile, level, and dimensions are in hand at this point; the fields
	// below return partial info rather than an error when truncated.
	confWindowFlag, err := br.readBits(1)
	if err != nil {
		return info, nil
	}

	if confWindowFlag == 1 {
		left, err := br.readUE()
		if err != nil {
			return info, nil
		}
		right, err := br.readUE()
		if err != nil {
			return info, nil
		}
		top, err := br.readUE()
		if err != nil {
			return info, nil
		}
		bottom, err := br.readUE()
		if err != nil {
			return info, nil
		}

		var subWidthC, subHeightC uint
		switch chromaFormatIdc {
		case 1:
			subWidthC, subHeightC = 2, 2
		case 2:
			subWidthC, subHeightC = 2, 1
		default:
			subWidthC, subHeightC = 1, 1
		}

		info.Width -= int((left + right) * subWidthC)
		info.Height -= int((top + bottom) * subHeightC)
	}

	bdl, err := br.readUE()
	if err != nil {
		return info, nil
	}
	info.BitDepthLumaMinus8 = byte(bdl)

	bdc, err := br.readUE()
	if err != nil {
		return info, nil
	}
	info.BitDepthChromaMinus8 = byte(bdc)

	return info, nil
}

func parseHEVCProfileTierLevel(br *bitReader, info *HEVCSPSInfo, maxSubLayersMinus1 uint) error {
	if _, err := br.readBits(2); err != nil { // general_profile_space
		return err
	}

	tierFlag, err := br.readBits(1)
	if err != nil {
		return err
	}
	info.TierFlag = byte(tierFlag)

	profileIDC, err := br.readBits(5)
	if err != nil {
		return err
	}
	info.ProfileIDC = byte(profileIDC)

	hi, err := br.readBits(16)
	if err != nil {
		return err
	}
	lo, err := br.readBits(16)
	if err != nil {
		return err
	}
	info.ProfileCompatibilityFlags = uint32(hi)<<16 | uint32(lo)

	var cif uint64
	for i := 0; i < 6; i++ {
		b, err := br.readBits(8)
		if err != nil {
			return err
		}
		cif = (cif << 8) | uint64(b)
	}
	info.ConstraintIndicatorFlags = cif

	levelIDC, err := br.readBits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(levelIDC)

	if maxSubLayersMinus1 > 0 {
		var subLayerProfilePresent [8]bool
		var subLayerLevelPresent [8]bool
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			pp, err := br.readBits(1)
			if err != nil {
				return err
			}
			subLayerProfilePresent[i] = pp == 1
			lp, err := br.readBits(1)
			if err != nil {
				return err
			}
			subLayerLevelPresent[i] = lp == 1
		}
		if maxSubLayersMinus1 < 8 {
			// reserved_zero_2bits alignment
			for i := maxSubLayersMinus1; i < 8; i++ {
				if _, err := br.readBits(2); err != nil {
					return err
				}
			}
		}
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			if subLayerProfilePresent[i] {
				// sub-layer profile: 2+1+5+32+48 = 88 bits
				if _, err := br.readBits(32); err != nil {
					return err
				}
				if _, err := br.readBits(32); err != nil {
					return err
				}
				if _, err := br.readBits(24); err != nil {
					return err
				}
			}
			if subLayerLevelPresent[i] {
				if _, err := br.readBits(8); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

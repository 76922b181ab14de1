package depack

import (
	"bytes"
	"testing"
)

func TestBuildAVCDecoderConfig(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x64, 0x00, 0x1F, 0xAA, 0xBB}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}

	want := []byte{
		0x01,             // configurationVersion
		0x64, 0x00, 0x1F, // profile, compatibility, level from the SPS
		0xFF, // 4-byte NALU lengths
		0xE1, // one SPS
		0x00, 0x06, 0x67, 0x64, 0x00, 0x1F, 0xAA, 0xBB,
		0x01, // one PPS
		0x00, 0x04, 0x68, 0xCE, 0x3C, 0x80,
	}

	got := BuildAVCDecoderConfig(sps, pps)
	if !bytes.Equal(got, want) {
		t.Errorf("config:\n got % X\nwant % X", got, want)
	}
}

func TestBuildAVCDecoderConfigRejectsShortInput(t *testing.T) {
	t.Parallel()
	pps := []byte{0x68, 0xCE}
	if got := BuildAVCDecoderConfig(nil, pps); got != nil {
		t.Errorf("nil SPS: got % X", got)
	}
	if got := BuildAVCDecoderConfig([]byte{0x67, 0x64, 0x00}, pps); got != nil {
		t.Errorf("short SPS: got % X", got)
	}
	if got := BuildAVCDecoderConfig([]byte{0x67, 0x64, 0x00, 0x1F}, nil); got != nil {
		t.Errorf("nil PPS: got % X", got)
	}
}

func TestBuildHEVCDecoderConfig(t *testing.T) {
	t.Parallel()
	want := []byte{
		0x01,                   // configurationVersion
		0x01,                   // profile_space 0, tier 0, profile_idc 1
		0x40, 0x00, 0x00, 0x00, // profile compatibility
		0xB0, 0x00, 0x00, 0x00, 0x00, 0x00, // constraint indicator
		0x5D,       // level_idc 93
		0xF0, 0x00, // min_spatial_segmentation_idc
		0xFC,       // parallelismType
		0xFC,       // chromaFormat
		0xF8, 0xF8, // bit depths
		0x00, 0x00, // avgFrameRate
		0x0F, // numTemporalLayers 1, nested, 4-byte NALU lengths
		0x03, // three arrays
	}
	for i, ps := range [][]byte{hevcVPS, hevcSPS, hevcPPS} {
		want = append(want, 0x20+byte(i), 0x00, 0x01)
		want = append(want, byte(len(ps)>>8), byte(len(ps)))
		want = append(want, ps...)
	}

	got := BuildHEVCDecoderConfig(hevcVPS, hevcSPS, hevcPPS)
	if !bytes.Equal(got, want) {
		t.Errorf("config:\n got % X\nwant % X", got, want)
	}
}

func TestBuildHEVCDecoderConfigRejectsBadInput(t *testing.T) {
	t.Parallel()
	if got := BuildHEVCDecoderConfig(nil, hevcSPS, hevcPPS); got != nil {
		t.Errorf("nil VPS: got % X", got)
	}
	if got := BuildHEVCDecoderConfig(hevcVPS, hevcSPS, nil); got != nil {
		t.Errorf("nil PPS: got % X", got)
	}
	// Long enough to pass the length guard but not parseable as an SPS.
	if got := BuildHEVCDecoderConfig(hevcVPS, []byte{0x42, 0x01, 0x01, 0x01}, hevcPPS); got != nil {
		t.Errorf("unparseable SPS: got % X", got)
	}
}

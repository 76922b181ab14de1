// Package media defines the value types that flow between the refract
// depacketization core and its collaborators: access units, format
// descriptions, and decoded-image metadata.
package media

// VideoClockRate is the RTP clock rate for video payloads, in Hz. Every PTS
// in this module is a tick count of this clock.
const VideoClockRate = 90000

// Channel buffer sizes shared by the depacketizers (producers) and session
// drains (consumers). Sized to absorb scheduling jitter without excessive
// memory: ~2 seconds of video at 30 fps.
const (
	AccessUnitBufferSize = 60
	CaptionBufferSize    = 30
)

// Codec identifies the video elementary stream carried by a session.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// FormatDescription is the decoder-initialization snapshot attached to every
// access unit. It is immutable once built: when a parameter set changes
// mid-stream the depacketizer builds a fresh description and swaps the
// pointer, so units already emitted keep the snapshot they were coded
// against.
type FormatDescription struct {
	Codec       Codec
	CodecString string // RFC 6381, e.g. "avc1.64001F" or "hev1.1.6.L93.B0"
	Width       int
	Height      int

	// Parameter-set payloads with emulation-prevention bytes removed.
	// VPS is nil for H.264.
	VPS []byte
	SPS []byte
	PPS []byte

	// DecoderConfig is the ISO/IEC 14496-15 configuration record
	// (AVCDecoderConfigurationRecord or HEVCDecoderConfigurationRecord)
	// built from the full parameter-set units.
	DecoderConfig []byte
}

// AccessUnit is one coded picture, ready for a decoder: AVCC-framed NAL
// units (4-byte big-endian length before each unit) plus the format
// description in effect when the picture was flushed.
type AccessUnit struct {
	PTS            int64 // unwrapped presentation timestamp, 90 kHz ticks
	Data           []byte
	Format         *FormatDescription
	IsRandomAccess bool
}

// DecodedImage carries the metadata of one decoded picture. Actual decoding
// lives outside this module, so the Decompressor implementations shipped
// here populate timing and dimensions only; pixel buffers stay with real
// decoders.
type DecodedImage struct {
	PTS    int64
	Width  int
	Height int
}

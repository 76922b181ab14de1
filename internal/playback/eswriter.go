// Package playback provides reference collaborator implementations: a
// Decompressor that writes an Annex-B elementary stream and a Display that
// logs decoded-image metadata. They stand in for real decoders so the full
// session chain runs end to end.
package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/refract/internal/depack"
	"github.com/zsiec/refract/media"
)

var (
	ErrNoFormat         = errors.New("playback: access unit without format description")
	ErrEmptyAccessUnit  = errors.New("playback: access unit carries no units")
	ErrBadDecoderConfig = errors.New("playback: malformed decoder configuration record")
)

// Display consumes decoded-image metadata.
type Display interface {
	Present(img *media.DecodedImage)
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// ESWriter converts AVCC access units back to an Annex-B elementary stream
// (.h264/.h265) playable by standard tools. A random-access picture that
// carries no in-band parameter sets gets the sets from the current format
// description written in front of it, so playback can start at any such
// picture even when the encoder never repeats them.
//
// ESWriter is driven from a single session drain goroutine and is not safe
// for concurrent use. The byte and unit counters may be read from anywhere.
type ESWriter struct {
	w       io.Writer
	display Display
	log     *slog.Logger

	// lastFormat tracks the format pointer so parameter sets are re-derived
	// only when the depacketizer publishes a new description.
	lastFormat *media.FormatDescription
	paramSets  [][]byte

	written atomic.Int64
	units   atomic.Int64
}

// NewESWriter creates an ESWriter emitting the elementary stream to w.
// display may be nil. A nil logger falls back to slog.Default.
func NewESWriter(w io.Writer, display Display, log *slog.Logger) *ESWriter {
	if log == nil {
		log = slog.Default()
	}
	return &ESWriter{
		w:       w,
		display: display,
		log:     log.With("component", "es_writer"),
	}
}

// Decompress writes one access unit as Annex-B framed NAL units and hands
// metadata-only decoded images to the display.
func (e *ESWriter) Decompress(data []byte, format *media.FormatDescription, pts int64) error {
	if format == nil {
		return ErrNoFormat
	}
	units, err := depack.SplitAVCC(data)
	if err != nil {
		return fmt.Errorf("malformed access unit: %w", err)
	}
	if len(units) == 0 {
		return ErrEmptyAccessUnit
	}

	if format != e.lastFormat {
		e.lastFormat = format
		e.paramSets = nil
		if len(format.DecoderConfig) > 0 {
			sets, err := configUnits(format.Codec, format.DecoderConfig)
			if err != nil {
				return err
			}
			e.paramSets = sets
			e.log.Debug("parameter sets refreshed", "codec", format.CodecString, "sets", len(sets))
		}
	}

	if e.needParamSets(units, format.Codec) {
		for _, ps := range e.paramSets {
			if err := e.writeUnit(ps); err != nil {
				return err
			}
		}
	}

	for _, u := range units {
		if err := e.writeUnit(u); err != nil {
			return err
		}
	}

	if e.display != nil {
		e.display.Present(&media.DecodedImage{
			PTS:    pts,
			Width:  format.Width,
			Height: format.Height,
		})
	}
	return nil
}

// needParamSets reports whether units form a random-access picture carrying
// no in-band parameter sets.
func (e *ESWriter) needParamSets(units [][]byte, codec media.Codec) bool {
	if len(e.paramSets) == 0 {
		return false
	}
	rap := false
	for _, u := range units {
		if len(u) == 0 {
			continue
		}
		if codec == media.CodecH265 {
			t := depack.HEVCNALType(u[0])
			if t == depack.HEVCNALVPS || t == depack.HEVCNALSPS || t == depack.HEVCNALPPS {
				return false
			}
			if depack.IsHEVCKeyframe(t) {
				rap = true
			}
		} else {
			t := u[0] & 0x1F
			if t == depack.NALTypeSPS || t == depack.NALTypePPS {
				return false
			}
			if depack.IsKeyframe(t) {
				rap = true
			}
		}
	}
	return rap
}

func (e *ESWriter) writeUnit(u []byte) error {
	if _, err := e.w.Write(startCode); err != nil {
		return err
	}
	if _, err := e.w.Write(u); err != nil {
		return err
	}
	e.written.Add(int64(len(startCode) + len(u)))
	e.units.Add(1)
	return nil
}

// Stats reports total bytes and NAL units written so far, injected
// parameter sets included.
func (e *ESWriter) Stats() (bytes, units int64) {
	return e.written.Load(), e.units.Load()
}

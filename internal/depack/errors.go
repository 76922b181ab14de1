package depack

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedCodec = errors.New("depack: unsupported codec")
	ErrShortNAL         = errors.New("depack: nal unit shorter than its header")
	ErrForbiddenBit     = errors.New("depack: forbidden_zero_bit set")
	ErrUnknownNALType   = errors.New("depack: nal type outside codec taxonomy")

	errSPSTooShort = errors.New("depack: sps data too short")
)

// ParseError reports a header or bitstream field that failed validation.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("depack: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

package rtp

// TimestampUnwrapper extends 32-bit RTP timestamps onto a continuous 64-bit
// timeline across wraparounds (roughly 13.25 hours apart at 90 kHz).
//
// Wrap detection is a fixed heuristic: a timestamp below the previous one
// counts as a wrap only when it also lands in the lower half of the 32-bit
// range. A backward jump into the upper half is treated as out-of-order
// delivery and does not advance the cycle count, and large forward jumps are
// never detected as wraps. Every input becomes the new reference point
// either way.
type TimestampUnwrapper struct {
	last    uint32
	wraps   int64
	started bool
}

// Unwrap maps ts onto the 64-bit timeline.
func (u *TimestampUnwrapper) Unwrap(ts uint32) int64 {
	if !u.started {
		u.started = true
		u.last = ts
		return int64(ts)
	}
	if ts < u.last && ts < 1<<31 {
		u.wraps++
	}
	u.last = ts
	return int64(ts) + u.wraps<<32
}

// Wraps reports how many wraparounds have been folded into the timeline so
// far.
func (u *TimestampUnwrapper) Wraps() int64 {
	return u.wraps
}

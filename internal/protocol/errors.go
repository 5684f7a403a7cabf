package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrBadMagic         = errors.New("bad magic")
	ErrTruncated        = errors.New("truncated")
	ErrOffsetOutOfRange = errors.New("offset out of range")
	ErrSerialGap        = errors.New("serial gap")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
)

// SerialGapError reports an inbound serial that did not follow the previous
// one. It is advisory: the message that carried it decoded fine.
type SerialGapError struct {
	Expected uint64
	Got      uint64
}

func (e *SerialGapError) Error() string {
	if e.Got < e.Expected {
		return fmt.Sprintf("%v: serial %d went backwards (expected %d)", ErrSerialGap, e.Got, e.Expected)
	}
	return fmt.Sprintf("%v: expected serial %d, got %d (%d missing)", ErrSerialGap, e.Expected, e.Got, e.Got-e.Expected)
}

func (e *SerialGapError) Unwrap() error { return ErrSerialGap }

func truncated(what string, have, want uint64) error {
	return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncated, what, want, have)
}

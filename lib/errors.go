package lib

import (
	"errors"
	"fmt"
)

// Per-frame error kinds. All of these are scoped to the offending frame:
// the event loop logs them and moves on to the next frame.
var (
	// ErrTruncatedHeader means the frame ended before a header's declared length.
	ErrTruncatedHeader = errors.New("header truncated")

	// ErrMalformedHeader means a header failed its internal consistency checks.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrUnacceptableSegment means the segment's sequence range falls outside
	// the receive window. The connection answers with a resynchronizing ACK
	// and discards the segment without touching its state.
	ErrUnacceptableSegment = errors.New("segment outside receive window")

	errInvalidState  = errors.New("operation not valid in current connection state")
	errPortPoolEmpty = errors.New("port pool is empty")
)

// BufferTooSmallError is returned by FrameWriter.WriteResponse when the
// destination buffer cannot hold the serialized frame. Nothing is written
// to the buffer in that case.
type BufferTooSmallError struct {
	Required int
	Have     int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("response buffer too small: need %d bytes, have %d", e.Required, e.Have)
}

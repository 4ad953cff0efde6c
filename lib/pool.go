package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice []byte
	Pool       *rp.RingPool
)

// FrameBuffer is the pooled scratch space one outbound frame is serialized
// into before it goes to the tunnel device.
type FrameBuffer struct {
	frameBytes []byte
	length     int
}

// NewFrameBuffer creates a pool element. The single parameter is the buffer
// length, which must cover the link-layer prefix plus the device MTU.
func NewFrameBuffer(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewFrameBuffer: Invalid number of calling parameters. Should be only one: bufferLength")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok {
		log.Println("NewFrameBuffer: Invalid data type of bufferLength. Should be of type int")
		return nil
	}

	if len(emptySlice) < bufferLength {
		emptySlice = make([]byte, bufferLength)
	}

	return &FrameBuffer{
		frameBytes: make([]byte, bufferLength),
	}
}

// SetLength records how much of the buffer the serialized frame occupies.
func (f *FrameBuffer) SetLength(n int) {
	f.length = n
}

// Bytes returns the whole backing buffer for serialization.
func (f *FrameBuffer) Bytes() []byte {
	return f.frameBytes
}

// Frame returns the serialized frame slice.
func (f *FrameBuffer) Frame() []byte {
	return f.frameBytes[:f.length]
}

// Reset clears the buffer content before the element returns to the pool.
func (f *FrameBuffer) Reset() {
	copy(f.frameBytes, emptySlice)
	f.length = 0
}

// PrintContent dumps the frame bytes; used by ring pool debugging.
func (f *FrameBuffer) PrintContent() {
	fmt.Printf("Frame: % x\n", f.frameBytes[:f.length])
}

func (f *FrameBuffer) Copy(src []byte) error {
	if len(src) > len(f.frameBytes) {
		return fmt.Errorf("FrameBuffer Copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(f.frameBytes))
	}
	copy(f.frameBytes, src)
	f.length = len(src)
	return nil
}

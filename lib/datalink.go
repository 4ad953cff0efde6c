package lib

import (
	"fmt"
	"sync"
)

// DataLayer is the duplex byte-frame transport the stack runs on. The core
// depends only on this capability, never on a concrete device type, so a
// TUN device and an in-memory double are interchangeable.
type DataLayer interface {
	// Send transmits one frame and returns the bytes written.
	Send(data []byte) (int, error)
	// Recv blocks for one frame, copies it into data and returns the bytes
	// read. A zero-length read is not expected from a tunnel device and is
	// treated as a device failure by the caller.
	Recv(data []byte) (int, error)
	Close() error
}

// MemoryLink is an in-memory DataLayer used to drive the stack in tests:
// frames injected with Inject come out of Recv, frames the stack sends are
// collected on Outbound.
type MemoryLink struct {
	inbound   chan []byte
	outbound  chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemoryLink() *MemoryLink {
	return &MemoryLink{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

// Inject queues one frame for the stack to receive.
func (m *MemoryLink) Inject(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	m.inbound <- buf
}

// Outbound exposes the frames the stack transmitted.
func (m *MemoryLink) Outbound() <-chan []byte {
	return m.outbound
}

func (m *MemoryLink) Send(data []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, fmt.Errorf("memory link is closed")
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.outbound <- buf
	return len(data), nil
}

func (m *MemoryLink) Recv(data []byte) (int, error) {
	select {
	case frame, ok := <-m.inbound:
		if !ok {
			return 0, fmt.Errorf("memory link is closed")
		}
		return copy(data, frame), nil
	case <-m.closed:
		return 0, fmt.Errorf("memory link is closed")
	}
}

func (m *MemoryLink) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

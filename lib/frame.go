package lib

import (
	"encoding/binary"
	"fmt"
)

// FrameKind is the network-layer classification of a tunnel frame.
type FrameKind int

const (
	FrameIpv4 FrameKind = iota
	FrameIpv6
	FrameOther
)

func (k FrameKind) String() string {
	switch k {
	case FrameIpv4:
		return "IPv4"
	case FrameIpv6:
		return "IPv6"
	default:
		return "Other"
	}
}

// FrameReader wraps one raw frame read from the tunnel device. The offset
// marks where the network-layer header begins; the TUN driver prepends a
// small packet-info prefix unless IFF_NO_PI is set.
type FrameReader struct {
	buf           []byte
	length        int // bytes read from the device
	offset        int // where the IP header starts
	payloadOffset int // cached by ParseHeaders, -1 until then
}

// NewFrameReader wraps buf of which nread bytes were filled by the device.
func NewFrameReader(buf []byte, nread, offset int) *FrameReader {
	return &FrameReader{
		buf:           buf,
		length:        nread,
		offset:        offset,
		payloadOffset: -1,
	}
}

// PrefixData returns the link-layer prefix bytes preceding the IP header.
func (r *FrameReader) PrefixData() []byte {
	return r.buf[:r.offset]
}

// Classify inspects the IP version nibble without parsing anything else.
// It never errors; frames too short to carry a version nibble are Other.
func (r *FrameReader) Classify() FrameKind {
	if r.length <= r.offset {
		return FrameOther
	}
	switch r.buf[r.offset] >> 4 {
	case 4:
		return FrameIpv4
	case 6:
		return FrameIpv6
	default:
		return FrameOther
	}
}

// ParseHeaders parses the IPv4 header, then the TCP header immediately
// after it, and returns both views plus the remaining bytes up to the read
// length as payload. The payload offset is cached so repeated calls return
// identical results over an unmodified frame.
func (r *FrameReader) ParseHeaders() (Ipv4View, TcpView, []byte, error) {
	ip, err := ParseIpv4View(r.buf[r.offset:r.length])
	if err != nil {
		return Ipv4View{}, TcpView{}, nil, err
	}
	tcpStart := r.offset + ip.HeaderLength()
	tcp, err := ParseTcpView(r.buf[tcpStart:r.length])
	if err != nil {
		return Ipv4View{}, TcpView{}, nil, err
	}
	if r.payloadOffset < 0 {
		r.payloadOffset = tcpStart + tcp.HeaderLength()
	}
	return ip, tcp, r.buf[r.payloadOffset:r.length], nil
}

// PayloadOffset returns the cached offset of the TCP payload within the
// frame buffer, or -1 if ParseHeaders has not succeeded yet.
func (r *FrameReader) PayloadOffset() int {
	return r.payloadOffset
}

// FrameWriter serializes outbound frames at a fixed link-layer offset,
// mirroring the prefix the device expects on writes.
type FrameWriter struct {
	offset int
}

// NewFrameWriter returns a writer producing frames whose IP header starts
// at offset. Pass TunPrefixLength when the device runs with packet info,
// zero otherwise.
func NewFrameWriter(offset int) *FrameWriter {
	return &FrameWriter{offset: offset}
}

// WriteResponse serializes prefix (if any), IPv4 header, TCP header and
// payload into buf and returns the total frame length. The size check
// happens before any byte is written; on BufferTooSmallError the buffer is
// untouched. The header's checksum field is written as stored, so the
// caller must have finalized all fields and called ComputeChecksum first.
func (w *FrameWriter) WriteResponse(buf []byte, hdr *TcpIpHeader, payload []byte) (int, error) {
	required := w.offset + Ipv4HeaderMinLength + TcpHeaderLength + len(payload)
	if required > len(buf) {
		return 0, &BufferTooSmallError{Required: required, Have: len(buf)}
	}

	if w.offset > 0 {
		w.writeTunPrefix(buf, 0, EtherTypeIpv4)
	}
	n := w.offset
	n += hdr.MarshalIpv4(buf[n:], TcpHeaderLength+len(payload))
	n += hdr.MarshalTcp(buf[n:])
	n += copy(buf[n:], payload)
	return n, nil
}

// writeTunPrefix fills the 4-byte TUN packet-info prefix: flags in host
// byte order, EtherType in network byte order. See the kernel's
// Documentation/networking/tuntap.rst, section 3.2 Frame format.
func (w *FrameWriter) writeTunPrefix(buf []byte, flags uint16, etherType uint16) {
	if w.offset != TunPrefixLength {
		return
	}
	binary.LittleEndian.PutUint16(buf[0:2], flags)
	binary.BigEndian.PutUint16(buf[2:4], etherType)
}

// BuildFrame is the composition used everywhere a segment leaves the
// stack: finalize the checksum over the finished header fields, then
// serialize the whole frame.
func (w *FrameWriter) BuildFrame(buf []byte, hdr *TcpIpHeader, payload []byte) (int, error) {
	hdr.Checksum = hdr.ComputeChecksum(payload)
	n, err := w.WriteResponse(buf, hdr, payload)
	if err != nil {
		return 0, fmt.Errorf("building outbound frame: %w", err)
	}
	return n, nil
}

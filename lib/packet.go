package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Ipv4View is a read-only view of an IPv4 header borrowed from a frame
// buffer. It is valid only for the scope of one inbound event; copy out
// scalar fields if they need to outlive the frame.
type Ipv4View struct {
	buf []byte
}

// ParseIpv4View validates the fixed part of an IPv4 header at the start of
// buf and returns a view over it. The view's buffer extends to the end of
// buf so the transport header can be sliced off relative to HeaderLength.
func ParseIpv4View(buf []byte) (Ipv4View, error) {
	if len(buf) < Ipv4HeaderMinLength {
		return Ipv4View{}, fmt.Errorf("ipv4: %d bytes available: %w", len(buf), ErrTruncatedHeader)
	}
	if buf[0]>>4 != 4 {
		return Ipv4View{}, fmt.Errorf("ipv4: version nibble %d: %w", buf[0]>>4, ErrMalformedHeader)
	}
	ihl := int(buf[0]&0x0F) * 4
	if ihl < Ipv4HeaderMinLength {
		return Ipv4View{}, fmt.Errorf("ipv4: header length %d below minimum: %w", ihl, ErrMalformedHeader)
	}
	if ihl > len(buf) {
		return Ipv4View{}, fmt.Errorf("ipv4: header length %d exceeds buffer %d: %w", ihl, len(buf), ErrTruncatedHeader)
	}
	if totalLen := int(binary.BigEndian.Uint16(buf[2:4])); totalLen < ihl {
		return Ipv4View{}, fmt.Errorf("ipv4: total length %d below header length %d: %w", totalLen, ihl, ErrMalformedHeader)
	}
	return Ipv4View{buf: buf}, nil
}

func (v Ipv4View) HeaderLength() int    { return int(v.buf[0]&0x0F) * 4 }
func (v Ipv4View) TotalLength() uint16  { return binary.BigEndian.Uint16(v.buf[2:4]) }
func (v Ipv4View) TTL() uint8           { return v.buf[8] }
func (v Ipv4View) Protocol() uint8      { return v.buf[9] }
func (v Ipv4View) HeaderChecksum() uint16 {
	return binary.BigEndian.Uint16(v.buf[10:12])
}

func (v Ipv4View) SourceAddr() netip.Addr {
	return netip.AddrFrom4([4]byte(v.buf[12:16]))
}

func (v Ipv4View) DestinationAddr() netip.Addr {
	return netip.AddrFrom4([4]byte(v.buf[16:20]))
}

// TcpView is a read-only view of a TCP header borrowed from a frame buffer.
// Same lifetime rule as Ipv4View.
type TcpView struct {
	buf []byte
}

// ParseTcpView validates the fixed part of a TCP header at the start of buf
// and returns a view over it.
func ParseTcpView(buf []byte) (TcpView, error) {
	if len(buf) < TcpHeaderLength {
		return TcpView{}, fmt.Errorf("tcp: %d bytes available: %w", len(buf), ErrTruncatedHeader)
	}
	dataOffset := int(buf[12]>>4) * 4
	if dataOffset < TcpHeaderLength {
		return TcpView{}, fmt.Errorf("tcp: data offset %d below minimum: %w", dataOffset, ErrMalformedHeader)
	}
	if dataOffset > len(buf) {
		return TcpView{}, fmt.Errorf("tcp: data offset %d exceeds buffer %d: %w", dataOffset, len(buf), ErrTruncatedHeader)
	}
	return TcpView{buf: buf}, nil
}

func (v TcpView) SourcePort() uint16      { return binary.BigEndian.Uint16(v.buf[0:2]) }
func (v TcpView) DestinationPort() uint16 { return binary.BigEndian.Uint16(v.buf[2:4]) }
func (v TcpView) SequenceNumber() uint32  { return binary.BigEndian.Uint32(v.buf[4:8]) }
func (v TcpView) AckNumber() uint32       { return binary.BigEndian.Uint32(v.buf[8:12]) }
func (v TcpView) HeaderLength() int       { return int(v.buf[12]>>4) * 4 }
func (v TcpView) Flags() uint8            { return v.buf[13] & 0x3F }
func (v TcpView) WindowSize() uint16      { return binary.BigEndian.Uint16(v.buf[14:16]) }
func (v TcpView) Checksum() uint16        { return binary.BigEndian.Uint16(v.buf[16:18]) }
func (v TcpView) UrgentPointer() uint16   { return binary.BigEndian.Uint16(v.buf[18:20]) }

func (v TcpView) Syn() bool { return v.buf[13]&SYNFlag != 0 }
func (v TcpView) Ack() bool { return v.buf[13]&ACKFlag != 0 }
func (v TcpView) Fin() bool { return v.buf[13]&FINFlag != 0 }
func (v TcpView) Rst() bool { return v.buf[13]&RSTFlag != 0 }

// headerBytes returns the header octets including options.
func (v TcpView) headerBytes() []byte { return v.buf[:v.HeaderLength()] }

// TcpIpHeader carries the finalized header fields of one outbound segment.
// The zero-copy views above are for inbound frames; outbound segments are
// assembled here field by field and serialized by FrameWriter.
type TcpIpHeader struct {
	SrcAddr           netip.Addr
	DstAddr           netip.Addr
	SourcePort        uint16
	DestinationPort   uint16
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	Flags             uint8
	WindowSize        uint16
	UrgentPointer     uint16
	Checksum          uint16
	TTL               uint8
}

// NewReplyHeader builds an outbound header addressed back to the sender of
// the given inbound views, with sequence fields left for the caller.
func NewReplyHeader(ip Ipv4View, tcp TcpView, ttl uint8) *TcpIpHeader {
	return &TcpIpHeader{
		SrcAddr:         ip.DestinationAddr(),
		DstAddr:         ip.SourceAddr(),
		SourcePort:      tcp.DestinationPort(),
		DestinationPort: tcp.SourcePort(),
		TTL:             ttl,
	}
}

// UpdateSeqNumbers stamps the current send/receive expectations into the
// header: SEQ from the send space, ACK from the receive space.
func (h *TcpIpHeader) UpdateSeqNumbers(snd *SendSequenceSpace, rcv *ReceiveSequenceSpace) {
	h.SequenceNumber = snd.Nxt
	h.AcknowledgmentNum = rcv.Nxt
}

// HandshakeResp marks the header as a SYN+ACK handshake response.
func (h *TcpIpHeader) HandshakeResp() {
	h.Flags |= SYNFlag | ACKFlag
}

// ComputeChecksum calculates the TCP checksum over the IPv4 pseudo header,
// the TCP header and the payload, per RFC 793 section 3.1. Every header
// field must be final before calling this; mutating any field afterwards
// invalidates the result.
func (h *TcpIpHeader) ComputeChecksum(payload []byte) uint16 {
	var pseudo [TcpPseudoHeaderLength]byte
	var tcpHdr [TcpHeaderLength]byte
	assemblePseudoHeader(pseudo[:], h.SrcAddr, h.DstAddr, ProtocolTCP, uint16(TcpHeaderLength+len(payload)))
	h.marshalTcpHeader(tcpHdr[:], 0)

	sum := checksumAdd(0, pseudo[:])
	sum = checksumAdd(sum, tcpHdr[:])
	sum = checksumAdd(sum, payload)
	return checksumFold(sum)
}

// MarshalIpv4 writes a 20-byte IPv4 header (no options) covering a payload
// of tcpLength octets into buf and returns the bytes written.
func (h *TcpIpHeader) MarshalIpv4(buf []byte, tcpLength int) int {
	buf[0] = 4<<4 | Ipv4HeaderMinLength/4 // version 4, IHL 5 words
	buf[1] = 0                            // DSCP/ECN
	binary.BigEndian.PutUint16(buf[2:4], uint16(Ipv4HeaderMinLength+tcpLength))
	binary.BigEndian.PutUint16(buf[4:6], 0) // identification
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags, fragment offset
	buf[8] = h.TTL
	buf[9] = ProtocolTCP
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum placeholder
	src := h.SrcAddr.As4()
	dst := h.DstAddr.As4()
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	binary.BigEndian.PutUint16(buf[10:12], CalculateChecksum(buf[:Ipv4HeaderMinLength]))
	return Ipv4HeaderMinLength
}

// MarshalTcp writes the 20-byte TCP header with the stored checksum into
// buf and returns the bytes written.
func (h *TcpIpHeader) MarshalTcp(buf []byte) int {
	return h.marshalTcpHeader(buf, h.Checksum)
}

func (h *TcpIpHeader) marshalTcpHeader(buf []byte, checksum uint16) int {
	binary.BigEndian.PutUint16(buf[0:2], h.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], h.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:8], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[8:12], h.AcknowledgmentNum)
	buf[12] = uint8(TcpHeaderLength/4) << 4 // data offset, no options
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.WindowSize)
	binary.BigEndian.PutUint16(buf[16:18], checksum)
	binary.BigEndian.PutUint16(buf[18:20], h.UrgentPointer)
	return TcpHeaderLength
}

// CalculateChecksum computes the Internet one's-complement checksum over
// buffer.
func CalculateChecksum(buffer []byte) uint16 {
	return checksumFold(checksumAdd(0, buffer))
}

// checksumAdd accumulates 16-bit words into sum. Only the final chunk of a
// multi-chunk sum may have odd length.
func checksumAdd(sum uint32, buf []byte) uint32 {
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if len(buf)%2 != 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	return sum
}

func checksumFold(sum uint32) uint16 {
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}

// VerifyTcpChecksum checks the checksum of an inbound segment without
// modifying the frame: summing the pseudo header plus the whole segment,
// transmitted checksum included, must fold to zero.
func VerifyTcpChecksum(ip Ipv4View, tcp TcpView, payload []byte) bool {
	var pseudo [TcpPseudoHeaderLength]byte
	segLength := tcp.HeaderLength() + len(payload)
	assemblePseudoHeader(pseudo[:], ip.SourceAddr(), ip.DestinationAddr(), ip.Protocol(), uint16(segLength))

	sum := checksumAdd(0, pseudo[:])
	sum = checksumAdd(sum, tcp.headerBytes())
	sum = checksumAdd(sum, payload)
	return checksumFold(sum) == 0
}

// assemblePseudoHeader fills buffer with the 12-byte IPv4 pseudo header
// used by the TCP checksum.
func assemblePseudoHeader(buffer []byte, srcAddr, dstAddr netip.Addr, protocolId uint8, tcpLength uint16) {
	src := srcAddr.As4()
	dst := dstAddr.As4()
	copy(buffer[0:4], src[:])
	copy(buffer[4:8], dst[:])
	buffer[8] = 0
	buffer[9] = protocolId
	binary.BigEndian.PutUint16(buffer[10:12], tcpLength)
}

// GenerateISN draws a random 32-bit initial sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}

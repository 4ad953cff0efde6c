package lib

// TCP flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

// IP protocol numbers, per the IANA protocol-numbers registry
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

// EtherType values carried in the TUN packet-info prefix
const (
	EtherTypeIpv4 uint16 = 0x0800
	EtherTypeArp  uint16 = 0x0806
	EtherTypeIpv6 uint16 = 0x86DD
)

const (
	TcpHeaderLength       = 20 // options not included
	TcpOptionsMaxLength   = 40
	TcpPseudoHeaderLength = 12
	Ipv4HeaderMinLength   = 20
	Ipv4HeaderMaxLength   = 60

	// TunPrefixLength is the size of the packet-info prefix the Linux TUN
	// driver prepends when IFF_NO_PI is not set: 2 bytes of flags in host
	// byte order followed by a big-endian EtherType.
	TunPrefixLength = 4

	EthernetMTU = 1500
)

// Connection defaults, used when the caller passes no explicit config.
const (
	DefaultWindowSize uint16 = 4096
	DefaultTTL        uint8  = 64
	DefaultMSLSecs           = 60
)

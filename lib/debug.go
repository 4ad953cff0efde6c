package lib

import (
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DumpFrame logs a one-line decoded summary of an IPv4 frame. The frame is
// decoded independently with gopacket so the dump reflects what is actually
// on the wire, not what our own codec thinks it wrote.
func DumpFrame(direction string, frame []byte) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.Default)

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if ipLayer == nil || tcpLayer == nil {
		log.Printf("%s: undecodable frame (%d bytes)", direction, len(frame))
		return
	}
	ip := ipLayer.(*layers.IPv4)
	tcp := tcpLayer.(*layers.TCP)

	log.Printf("%s: %s:%d -> %s:%d %s SEQ=%d ACK=%d WND=%d LEN=%d",
		direction,
		ip.SrcIP, tcp.SrcPort, ip.DstIP, tcp.DstPort,
		tcpFlagString(tcp),
		tcp.Seq, tcp.Ack, tcp.Window, len(tcp.Payload))
}

func tcpFlagString(tcp *layers.TCP) string {
	flags := ""
	if tcp.SYN {
		flags += "S"
	}
	if tcp.ACK {
		flags += "A"
	}
	if tcp.FIN {
		flags += "F"
	}
	if tcp.RST {
		flags += "R"
	}
	if tcp.PSH {
		flags += "P"
	}
	if tcp.URG {
		flags += "U"
	}
	if flags == "" {
		flags = "-"
	}
	return "[" + flags + "]"
}

package replay

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"FlowWarden/internal/model"
)

// ErrUnsupported is returned for packets that are not TCP or UDP over IP.
var ErrUnsupported = errors.New("unsupported packet")

// Packet is the part of a captured packet the replay host acts on.
type Packet struct {
	Src, Dst netip.AddrPort
	Protocol model.Protocol
	SYN      bool
	ACK      bool
	FIN      bool
	RST      bool
	Payload  []byte
	Length   int
}

// ParsePacket uses gopacket to decode a raw packet of the given link type.
func ParsePacket(data []byte, first gopacket.Decoder) (Packet, error) {
	packet := gopacket.NewPacket(data, first, gopacket.NoCopy)
	p := Packet{Length: len(data)}

	var src, dst netip.Addr
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	} else {
		return p, ErrUnsupported
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		p.Protocol = model.ProtocolTCP
		p.Src = netip.AddrPortFrom(src, uint16(tcp.SrcPort))
		p.Dst = netip.AddrPortFrom(dst, uint16(tcp.DstPort))
		p.SYN, p.ACK, p.FIN, p.RST = tcp.SYN, tcp.ACK, tcp.FIN, tcp.RST
		p.Payload = tcp.Payload
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		p.Protocol = model.ProtocolUDP
		p.Src = netip.AddrPortFrom(src, uint16(udp.SrcPort))
		p.Dst = netip.AddrPortFrom(dst, uint16(udp.DstPort))
		p.Payload = udp.Payload
	} else {
		return p, ErrUnsupported
	}
	return p, nil
}

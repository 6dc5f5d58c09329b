package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/miekg/dns"
)

var (
	clientIP   = net.IP{192, 168, 1, 10}
	resolverIP = net.IP{192, 168, 1, 1}
	clientMAC  = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	routerMAC  = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA}
)

var hosts = []string{
	"www.example.com",
	"api.example.org",
	"ad.doubleclick.net",
	"cdn.example.net",
	"updates.example.com",
}

// generator writes a capture of DNS lookups, each followed by a short TCP
// connection to the resolved address.
type generator struct {
	w   *pcapgo.Writer
	now time.Time
	n   int
}

func main() {
	outputFile := flag.String("o", "demo.pcap", "Output pcap file path")
	sessions := flag.Int("c", 20, "Number of lookup and connect sessions to generate")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	g := &generator{w: pcapWriter, now: time.Now()}
	log.Printf("Generating %d sessions into %s...", *sessions, *outputFile)
	for i := 0; i < *sessions; i++ {
		host := hosts[i%len(hosts)]
		addr := net.IP{198, 51, 100, byte(1 + i%len(hosts))}
		if err := g.session(host, addr, uint16(40000+i)); err != nil {
			log.Fatalf("Failed to write session %d: %v", i, err)
		}
	}
	log.Printf("Successfully generated %d packets into %s.", g.n, *outputFile)
}

func (g *generator) session(host string, addr net.IP, port uint16) error {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), dns.TypeA)
	answer := new(dns.Msg)
	answer.SetReply(query)
	rr, err := dns.NewRR(fmt.Sprintf("%s 300 IN A %s", dns.Fqdn(host), addr))
	if err != nil {
		return err
	}
	answer.Answer = append(answer.Answer, rr)

	dnsPort := layers.UDPPort(port + 10000)
	if err := g.udp(clientIP, resolverIP, dnsPort, 53, query); err != nil {
		return err
	}
	if err := g.udp(resolverIP, clientIP, 53, dnsPort, answer); err != nil {
		return err
	}

	local, remote := layers.TCPPort(port), layers.TCPPort(443)
	steps := []struct {
		out     bool
		flags   string
		payload int
	}{
		{true, "S", 0},
		{false, "SA", 0},
		{true, "A", 200 + rand.Intn(400)},
		{false, "A", 500 + rand.Intn(1000)},
		{true, "FA", 0},
	}
	for _, s := range steps {
		src, dst, sp, dp := clientIP, addr, local, remote
		if !s.out {
			src, dst, sp, dp = addr, clientIP, remote, local
		}
		if err := g.tcp(src, dst, sp, dp, s.flags, s.payload); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) udp(src, dst net.IP, sp, dp layers.UDPPort, msg *dns.Msg) error {
	payload, err := msg.Pack()
	if err != nil {
		return err
	}
	ip := ipLayer(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: sp, DstPort: dp}
	udp.SetNetworkLayerForChecksum(ip)
	return g.write(ethLayer(src), ip, udp, gopacket.Payload(payload))
}

func (g *generator) tcp(src, dst net.IP, sp, dp layers.TCPPort, flags string, size int) error {
	ip := ipLayer(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: sp, DstPort: dp, Seq: rand.Uint32(), Window: 14600}
	for _, c := range flags {
		switch c {
		case 'S':
			tcp.SYN = true
		case 'A':
			tcp.ACK = true
		case 'F':
			tcp.FIN = true
		}
	}
	tcp.SetNetworkLayerForChecksum(ip)

	payload := make([]byte, size)
	rand.Read(payload)
	return g.write(ethLayer(src), ip, tcp, gopacket.Payload(payload))
}

func (g *generator) write(ls ...gopacket.SerializableLayer) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return fmt.Errorf("failed to serialize layers: %w", err)
	}

	g.now = g.now.Add(time.Duration(1+rand.Intn(20)) * time.Millisecond)
	g.n++
	ci := gopacket.CaptureInfo{
		Timestamp:     g.now,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	return g.w.WritePacket(ci, buf.Bytes())
}

func ethLayer(src net.IP) *layers.Ethernet {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: routerMAC, EthernetType: layers.EthernetTypeIPv4}
	if !src.Equal(clientIP) {
		eth.SrcMAC, eth.DstMAC = routerMAC, clientMAC
	}
	return eth
}

func ipLayer(src, dst net.IP, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		SrcIP:    src,
		DstIP:    dst,
		Version:  4,
		TTL:      64,
		Protocol: proto,
	}
}

package replay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"

	"github.com/google/gopacket/pcapgo"
	"github.com/google/uuid"

	"FlowWarden/internal/factory"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/model"
	"FlowWarden/internal/pipeline"
)

// Host is the engine as seen from a network extension.
type Host interface {
	RequestFlow(attrs map[string]string) (bool, error)
	SendDNS(attrs map[string]string) error
	SendReport(attrs map[string]string) error
}

// Stats summarizes a replay.
type Stats struct {
	Packets     int `json:"packets"`
	Skipped     int `json:"skipped"`
	DNS         int `json:"dns"`
	Flows       int `json:"flows"`
	Allowed     int `json:"allowed"`
	Denied      int `json:"denied"`
	Unanswered  int `json:"unanswered"`
	Dropped     int `json:"dropped"`
	ClosedFlows int `json:"closed_flows"`
}

type conn struct {
	id       uuid.UUID
	local    netip.AddrPort
	allow    bool
	answered bool
	bytesIn  uint64
	bytesOut uint64
}

type connKey struct {
	a, b  netip.AddrPort
	proto model.Protocol
}

func keyOf(p Packet) connKey {
	a, b := p.Src, p.Dst
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	return connKey{a: a, b: b, proto: p.Protocol}
}

// Replayer plays the host side for captured traffic: DNS responses feed the
// binding store, connection openings become flow requests and TCP FIN or RST
// closes them.
type Replayer struct {
	host      Host
	localNets []netip.Prefix
	log       logger.Logger
	conns     map[connKey]*conn
	stats     Stats
}

// NewReplayer creates a replayer. When localNets is empty the initiator of
// every connection is taken as the local end.
func NewReplayer(host Host, localNets []netip.Prefix, log logger.Logger) *Replayer {
	if log == nil {
		log = logger.Nop()
	}
	return &Replayer{host: host, localNets: localNets, log: log, conns: make(map[connKey]*conn)}
}

// Run replays a pcap stream and then reports the flows still open.
func (r *Replayer) Run(in io.Reader) (Stats, error) {
	reader, err := pcapgo.NewReader(in)
	if err != nil {
		return r.stats, fmt.Errorf("failed to read pcap header: %w", err)
	}
	for {
		data, _, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.stats, fmt.Errorf("failed to read packet %d: %w", r.stats.Packets+1, err)
		}
		r.stats.Packets++

		p, err := ParsePacket(data, reader.LinkType())
		if err != nil {
			r.stats.Skipped++
			continue
		}
		r.Handle(p)
	}
	r.Finish()
	return r.stats, nil
}

// Handle processes one parsed packet.
func (r *Replayer) Handle(p Packet) {
	if p.Protocol == model.ProtocolUDP && p.Src.Port() == 53 && len(p.Payload) > 0 {
		r.sendDNS(p)
	}

	key := keyOf(p)
	c, ok := r.conns[key]
	if !ok {
		if p.Protocol == model.ProtocolTCP && !(p.SYN && !p.ACK) {
			return
		}
		c = r.open(key, p)
	}

	if c.answered && !c.allow {
		r.stats.Dropped++
	}
	if p.Src == c.local {
		c.bytesOut += uint64(len(p.Payload))
	} else {
		c.bytesIn += uint64(len(p.Payload))
	}

	if p.Protocol == model.ProtocolTCP && (p.FIN || p.RST) {
		r.report(c, pipeline.ReportClosed)
		delete(r.conns, key)
		r.stats.ClosedFlows++
	}
}

// Finish reports counters for connections that never closed.
func (r *Replayer) Finish() {
	for key, c := range r.conns {
		r.report(c, pipeline.ReportStatistics)
		delete(r.conns, key)
	}
}

// Stats returns the counters so far.
func (r *Replayer) Stats() Stats {
	return r.stats
}

func (r *Replayer) open(key connKey, p Packet) *conn {
	local, remote, direction := p.Src, p.Dst, model.DirectionOutbound
	if len(r.localNets) > 0 && !r.isLocal(p.Src.Addr()) && r.isLocal(p.Dst.Addr()) {
		local, remote, direction = p.Dst, p.Src, model.DirectionInbound
	}

	c := &conn{id: uuid.New(), local: local}
	r.conns[key] = c
	r.stats.Flows++

	attrs := map[string]string{
		factory.AttrID:            c.id.String(),
		factory.AttrLocalAddress:  local.Addr().String(),
		factory.AttrLocalPort:     strconv.Itoa(int(local.Port())),
		factory.AttrRemoteAddress: remote.Addr().String(),
		factory.AttrRemotePort:    strconv.Itoa(int(remote.Port())),
		factory.AttrDirection:     strconv.Itoa(int(direction)),
		factory.AttrProtocol:      strconv.Itoa(int(p.Protocol)),
		factory.AttrProcessToken:  "",
	}
	allow, err := r.host.RequestFlow(attrs)
	if err != nil {
		r.stats.Unanswered++
		r.log.Warnf("no verdict for %s %s -> %s: %v", p.Protocol, local, remote, err)
		return c
	}
	c.allow, c.answered = allow, true
	if allow {
		r.stats.Allowed++
	} else {
		r.stats.Denied++
	}
	r.log.WithFields(map[string]any{
		"flow":   c.id.String(),
		"local":  local.String(),
		"remote": remote.String(),
		"proto":  p.Protocol.String(),
		"allow":  allow,
	}).Infof("verdict received")
	return c
}

func (r *Replayer) sendDNS(p Packet) {
	attrs := map[string]string{
		factory.AttrLocalAddress:  p.Dst.Addr().String(),
		factory.AttrLocalPort:     strconv.Itoa(int(p.Dst.Port())),
		factory.AttrRemoteAddress: p.Src.Addr().String(),
		factory.AttrRemotePort:    strconv.Itoa(int(p.Src.Port())),
		pipeline.AttrPacket:       base64.StdEncoding.EncodeToString(p.Payload),
	}
	if err := r.host.SendDNS(attrs); err != nil {
		r.log.Warnf("failed to send dns payload from %s: %v", p.Src, err)
		return
	}
	r.stats.DNS++
}

func (r *Replayer) report(c *conn, eventType int) {
	attrs := map[string]string{
		factory.AttrID:        c.id.String(),
		pipeline.AttrBytesIn:  strconv.FormatUint(c.bytesIn, 10),
		pipeline.AttrBytesOut: strconv.FormatUint(c.bytesOut, 10),
		pipeline.AttrEvent:    strconv.Itoa(eventType),
	}
	if err := r.host.SendReport(attrs); err != nil {
		r.log.Warnf("failed to report flow %s: %v", c.id, err)
	}
}

func (r *Replayer) isLocal(addr netip.Addr) bool {
	for _, p := range r.localNets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

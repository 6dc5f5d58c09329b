package model

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// FlowState tells whether the host still considers a flow alive.
type FlowState uint8

const (
	StateOpen FlowState = iota
	StateClosed
)

func (s FlowState) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "open"
}

// Decision is the verdict attached to a flow. The zero value is Deferred so a
// freshly built flow is undecided.
type Decision uint8

const (
	DecisionDeferred Decision = iota
	DecisionAllowed
	DecisionDenied
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionDenied:
		return "denied"
	default:
		return "deferred"
	}
}

// Direction uses the host's numeric codes.
type Direction uint8

const (
	DirectionAny      Direction = 0
	DirectionInbound  Direction = 1
	DirectionOutbound Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "any"
	}
}

// Protocol is the IP protocol number of the flow.
type Protocol uint8

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Endpoint is one side of a flow. Hostname is empty when unknown.
type Endpoint struct {
	Address  netip.Addr `json:"address"`
	Hostname string     `json:"hostname,omitempty"`
	Port     uint16     `json:"port"`
}

// Name returns the hostname if known, otherwise the textual address.
func (e Endpoint) Name() string {
	if e.Hostname != "" {
		return e.Hostname
	}
	return e.Address.String()
}

// ProcessDescriptor identifies the program that owns a flow.
type ProcessDescriptor struct {
	PID      int                `json:"pid"`
	PPID     int                `json:"ppid"`
	UID      uint32             `json:"uid"`
	Username string             `json:"username,omitempty"`
	Path     string             `json:"path"`
	SHA256   string             `json:"sha256,omitempty"`
	MD5      string             `json:"md5,omitempty"`
	Parent   *ProcessDescriptor `json:"parent,omitempty"`
}

// ServiceDescriptor describes the well-known service behind a port.
type ServiceDescriptor struct {
	Name        string `json:"name"`
	Port        uint16 `json:"port"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// LocationRecord is the coarse location of a remote address.
type LocationRecord struct {
	Network      netip.Prefix `json:"network"`
	Country      string       `json:"country"`
	City         string       `json:"city,omitempty"`
	Organization string       `json:"organization,omitempty"`
}

// Flow is a single connection as reported by the filtering host. It is a
// value type: every state change returns a new Flow carrying the same ID.
type Flow struct {
	ID           uuid.UUID          `json:"id"`
	State        FlowState          `json:"state"`
	Decision     Decision           `json:"decision"`
	BytesIn      uint64             `json:"bytes_in"`
	BytesOut     uint64             `json:"bytes_out"`
	Local        Endpoint           `json:"local"`
	Remote       Endpoint           `json:"remote"`
	Direction    Direction          `json:"direction"`
	Process      *ProcessDescriptor `json:"process,omitempty"`
	Protocol     Protocol           `json:"protocol"`
	Service      *ServiceDescriptor `json:"service,omitempty"`
	Location     *LocationRecord    `json:"location,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
	EndTimestamp time.Time          `json:"end_timestamp,omitzero"`
}

// Closed reports whether the flow has ended.
func (f Flow) Closed() bool {
	return f.State == StateClosed
}

// WithDecision returns a copy of f carrying decision d.
func (f Flow) WithDecision(d Decision) Flow {
	f.Decision = d
	return f
}

// Close returns a closed copy of f ending at at. Closing an already closed
// flow returns it unchanged.
func (f Flow) Close(at time.Time) Flow {
	if f.Closed() {
		return f
	}
	f.State = StateClosed
	f.EndTimestamp = at
	return f
}

// UpdateBytes returns a copy of f whose counters are raised to in and out.
// Counters never decrease.
func (f Flow) UpdateBytes(in, out uint64) Flow {
	f.BytesIn = max(f.BytesIn, in)
	f.BytesOut = max(f.BytesOut, out)
	return f
}

// Clone returns a deep copy of f that shares no pointers with it.
func (f Flow) Clone() Flow {
	f.Process = f.Process.clone()
	if f.Service != nil {
		s := *f.Service
		f.Service = &s
	}
	if f.Location != nil {
		l := *f.Location
		f.Location = &l
	}
	return f
}

func (p *ProcessDescriptor) clone() *ProcessDescriptor {
	if p == nil {
		return nil
	}
	c := *p
	c.Parent = p.Parent.clone()
	return &c
}

func (s FlowState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *FlowState) UnmarshalText(b []byte) error {
	return parseEnum(b, s, StateOpen, StateClosed)
}

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Decision) UnmarshalText(b []byte) error {
	return parseEnum(b, d, DecisionDeferred, DecisionAllowed, DecisionDenied)
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	return parseEnum(b, d, DirectionAny, DirectionInbound, DirectionOutbound)
}

func (p Protocol) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Protocol) UnmarshalText(b []byte) error {
	return parseEnum(b, p, ProtocolTCP, ProtocolUDP)
}

func parseEnum[T fmt.Stringer](b []byte, dst *T, values ...T) error {
	for _, v := range values {
		if v.String() == string(b) {
			*dst = v
			return nil
		}
	}
	return fmt.Errorf("unknown value %q", b)
}

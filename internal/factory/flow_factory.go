package factory

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"

	"FlowWarden/internal/model"
)

// ErrInvalidAttributes is returned when a required flow attribute is missing
// or cannot be parsed.
var ErrInvalidAttributes = errors.New("invalid flow attributes")

// Attribute keys of a new-flow request from the host.
const (
	AttrID            = "id"
	AttrLocalAddress  = "localAddress"
	AttrLocalPort     = "localPort"
	AttrRemoteAddress = "remoteAddress"
	AttrRemotePort    = "remotePort"
	AttrDirection     = "direction"
	AttrProtocol      = "proto"
	AttrProcessToken  = "auditTokenString"
)

// ProcessResolver maps the host's opaque process token to a process.
type ProcessResolver interface {
	Resolve(token string) (*model.ProcessDescriptor, bool)
}

// ServiceResolver maps a port to a well-known service.
type ServiceResolver interface {
	Lookup(port uint16) (*model.ServiceDescriptor, bool)
}

// LocationResolver maps an address to a location.
type LocationResolver interface {
	Lookup(addr netip.Addr) (*model.LocationRecord, bool)
}

// HostnameResolver maps an address to the hostname it was resolved from.
type HostnameResolver interface {
	Lookup(addr netip.Addr) (string, bool)
}

// FlowFactory builds flows from host attributes. Every resolver is optional.
type FlowFactory struct {
	processes ProcessResolver
	services  ServiceResolver
	locations LocationResolver
	hostnames HostnameResolver
	now       func() time.Time
}

type FlowFactoryOption func(f *FlowFactory)

func WithProcessResolver(r ProcessResolver) FlowFactoryOption {
	return func(f *FlowFactory) { f.processes = r }
}

func WithServiceResolver(r ServiceResolver) FlowFactoryOption {
	return func(f *FlowFactory) { f.services = r }
}

func WithLocationResolver(r LocationResolver) FlowFactoryOption {
	return func(f *FlowFactory) { f.locations = r }
}

func WithHostnameResolver(r HostnameResolver) FlowFactoryOption {
	return func(f *FlowFactory) { f.hostnames = r }
}

func WithClock(now func() time.Time) FlowFactoryOption {
	return func(f *FlowFactory) { f.now = now }
}

// NewFlowFactory creates a factory.
func NewFlowFactory(opts ...FlowFactoryOption) *FlowFactory {
	f := &FlowFactory{now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Generate builds an open, deferred flow from attrs.
func (f *FlowFactory) Generate(attrs map[string]string) (model.Flow, error) {
	id, err := uuid.Parse(attrs[AttrID])
	if err != nil {
		return model.Flow{}, invalid(AttrID, attrs[AttrID], err)
	}
	local, err := parseEndpoint(attrs, AttrLocalAddress, AttrLocalPort)
	if err != nil {
		return model.Flow{}, err
	}
	remote, err := parseEndpoint(attrs, AttrRemoteAddress, AttrRemotePort)
	if err != nil {
		return model.Flow{}, err
	}
	direction, err := parseDirection(attrs[AttrDirection])
	if err != nil {
		return model.Flow{}, err
	}
	protocol, err := parseProtocol(attrs[AttrProtocol])
	if err != nil {
		return model.Flow{}, err
	}

	flow := model.Flow{
		ID:        id,
		State:     model.StateOpen,
		Decision:  model.DecisionDeferred,
		Local:     local,
		Remote:    remote,
		Direction: direction,
		Protocol:  protocol,
		Timestamp: f.now(),
	}

	if f.hostnames != nil {
		if name, ok := f.hostnames.Lookup(remote.Address); ok {
			flow.Remote.Hostname = name
		}
	}
	if f.processes != nil {
		if token := attrs[AttrProcessToken]; token != "" {
			if p, ok := f.processes.Resolve(token); ok {
				flow.Process = p
			}
		}
	}
	if f.services != nil {
		port := remote.Port
		if direction == model.DirectionInbound {
			port = local.Port
		}
		if s, ok := f.services.Lookup(port); ok {
			flow.Service = s
		}
	}
	if f.locations != nil {
		if l, ok := f.locations.Lookup(remote.Address); ok {
			flow.Location = l
		}
	}

	return flow, nil
}

func parseEndpoint(attrs map[string]string, addrKey, portKey string) (model.Endpoint, error) {
	addr, err := netip.ParseAddr(attrs[addrKey])
	if err != nil {
		return model.Endpoint{}, invalid(addrKey, attrs[addrKey], err)
	}
	port, err := strconv.ParseUint(attrs[portKey], 10, 16)
	if err != nil {
		return model.Endpoint{}, invalid(portKey, attrs[portKey], err)
	}
	return model.Endpoint{Address: addr.Unmap(), Port: uint16(port)}, nil
}

func parseDirection(s string) (model.Direction, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, invalid(AttrDirection, s, err)
	}
	d := model.Direction(v)
	switch d {
	case model.DirectionAny, model.DirectionInbound, model.DirectionOutbound:
		return d, nil
	}
	return 0, invalid(AttrDirection, s, errors.New("out of range"))
}

func parseProtocol(s string) (model.Protocol, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, invalid(AttrProtocol, s, err)
	}
	p := model.Protocol(v)
	switch p {
	case model.ProtocolTCP, model.ProtocolUDP:
		return p, nil
	}
	return 0, invalid(AttrProtocol, s, errors.New("unsupported protocol"))
}

func invalid(key, value string, err error) error {
	return fmt.Errorf("%w: %s=%q: %v", ErrInvalidAttributes, key, value, err)
}

package resolver

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/yl2chen/cidranger"
	"gopkg.in/yaml.v3"

	"FlowWarden/internal/model"
)

type locationEntry struct {
	Network      string `yaml:"network"`
	Country      string `yaml:"country"`
	City         string `yaml:"city"`
	Organization string `yaml:"organization"`
}

type rangerEntry struct {
	ipNet  net.IPNet
	record model.LocationRecord
}

func (e *rangerEntry) Network() net.IPNet {
	return e.ipNet
}

// LocationTable resolves addresses to the most specific configured network.
type LocationTable struct {
	ranger cidranger.Ranger
	size   int
}

// LoadLocationTable reads a YAML list of networks from path. An empty path
// gives an empty table.
func LoadLocationTable(path string) (*LocationTable, error) {
	if path == "" {
		return &LocationTable{ranger: cidranger.NewPCTrieRanger()}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read locations file: %w", err)
	}
	return ParseLocationTable(data)
}

// ParseLocationTable builds a table from YAML.
func ParseLocationTable(data []byte) (*LocationTable, error) {
	var entries []locationEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal locations YAML: %w", err)
	}

	t := &LocationTable{ranger: cidranger.NewPCTrieRanger()}
	for _, e := range entries {
		prefix, err := netip.ParsePrefix(e.Network)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", e.Network, err)
		}
		prefix = prefix.Masked()
		entry := &rangerEntry{
			ipNet: net.IPNet{
				IP:   prefix.Addr().AsSlice(),
				Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
			},
			record: model.LocationRecord{
				Network:      prefix,
				Country:      e.Country,
				City:         e.City,
				Organization: e.Organization,
			},
		}
		if err := t.ranger.Insert(entry); err != nil {
			return nil, fmt.Errorf("failed to insert network %s: %w", prefix, err)
		}
		t.size++
	}
	return t, nil
}

// Lookup returns the location of the longest network containing addr.
func (t *LocationTable) Lookup(addr netip.Addr) (*model.LocationRecord, bool) {
	if !addr.IsValid() {
		return nil, false
	}
	entries, err := t.ranger.ContainingNetworks(addr.Unmap().AsSlice())
	if err != nil || len(entries) == 0 {
		return nil, false
	}

	var best *rangerEntry
	for _, e := range entries {
		re, ok := e.(*rangerEntry)
		if !ok {
			continue
		}
		if best == nil || re.record.Network.Bits() > best.record.Network.Bits() {
			best = re
		}
	}
	if best == nil {
		return nil, false
	}
	rec := best.record
	return &rec, true
}

// Len returns the number of configured networks.
func (t *LocationTable) Len() int {
	return t.size
}

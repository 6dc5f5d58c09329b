package decision

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowWarden/internal/model"
)

func TestParseVerdict(t *testing.T) {
	for in, want := range map[string]Verdict{"allow": Allow, " DENY ": Deny, "Defer": Defer} {
		got, err := ParseVerdict(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseVerdict("maybe")
	assert.Error(t, err)
}

func TestRuleDecider(t *testing.T) {
	d, err := NewRuleDecider(Defer, []Rule{
		{Name: "block trackers", Verdict: Deny, Hosts: []string{".tracker.example", "203.0.113.0/24"}},
		{Name: "ssh in", Verdict: Allow, Ports: []uint16{22}, Direction: model.DirectionInbound},
		{Name: "system tools", Verdict: Allow, Processes: []string{"/usr/bin/*"}, Protocol: model.ProtocolTCP},
	})
	require.NoError(t, err)

	cases := []struct {
		name string
		flow model.Flow
		want Verdict
	}{
		{
			name: "hostname matches domain",
			flow: model.Flow{Remote: model.Endpoint{Address: netip.MustParseAddr("198.51.100.1"), Hostname: "cdn.tracker.example", Port: 443}},
			want: Deny,
		},
		{
			name: "address matches prefix",
			flow: model.Flow{Remote: model.Endpoint{Address: netip.MustParseAddr("203.0.113.9"), Port: 80}},
			want: Deny,
		},
		{
			name: "inbound uses local port",
			flow: model.Flow{
				Direction: model.DirectionInbound,
				Local:     model.Endpoint{Address: netip.MustParseAddr("10.0.0.2"), Port: 22},
				Remote:    model.Endpoint{Address: netip.MustParseAddr("10.0.0.9"), Port: 50123},
			},
			want: Allow,
		},
		{
			name: "outbound to port 22 is not inbound ssh",
			flow: model.Flow{
				Direction: model.DirectionOutbound,
				Remote:    model.Endpoint{Address: netip.MustParseAddr("10.0.0.9"), Port: 22},
			},
			want: Defer,
		},
		{
			name: "process path and protocol",
			flow: model.Flow{
				Protocol: model.ProtocolTCP,
				Remote:   model.Endpoint{Address: netip.MustParseAddr("192.0.2.1"), Port: 443},
				Process:  &model.ProcessDescriptor{Path: "/usr/bin/curl"},
			},
			want: Allow,
		},
		{
			name: "process rule needs a process",
			flow: model.Flow{Protocol: model.ProtocolTCP, Remote: model.Endpoint{Address: netip.MustParseAddr("192.0.2.1"), Port: 443}},
			want: Defer,
		},
		{
			name: "protocol mismatch",
			flow: model.Flow{
				Protocol: model.ProtocolUDP,
				Remote:   model.Endpoint{Address: netip.MustParseAddr("192.0.2.1"), Port: 53},
				Process:  &model.ProcessDescriptor{Path: "/usr/bin/dig"},
			},
			want: Defer,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, d.Decide(tc.flow))
		})
	}
}

func TestRuleDecider_EmptyFallsBack(t *testing.T) {
	d, err := NewRuleDecider(Allow, nil)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Decide(model.Flow{}))
}

func TestServicePort(t *testing.T) {
	f := model.Flow{Local: model.Endpoint{Port: 8080}, Remote: model.Endpoint{Port: 443}}
	assert.Equal(t, uint16(443), ServicePort(f))
	f.Direction = model.DirectionInbound
	assert.Equal(t, uint16(8080), ServicePort(f))
	f.Direction = model.DirectionAny
	assert.Equal(t, uint16(443), ServicePort(f))
}

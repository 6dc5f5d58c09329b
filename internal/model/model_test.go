package model

import (
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFlow() Flow {
	return Flow{
		ID:        uuid.New(),
		Local:     Endpoint{Address: netip.MustParseAddr("192.168.1.10"), Port: 51000},
		Remote:    Endpoint{Address: netip.MustParseAddr("93.184.216.34"), Hostname: "www.example.com", Port: 443},
		Direction: DirectionOutbound,
		Protocol:  ProtocolTCP,
		Process: &ProcessDescriptor{
			PID:    42,
			Path:   "/usr/bin/curl",
			Parent: &ProcessDescriptor{PID: 1, Path: "/sbin/init"},
		},
		Service:   &ServiceDescriptor{Name: "https", Port: 443},
		Location:  &LocationRecord{Network: netip.MustParsePrefix("93.184.216.0/24"), Country: "US"},
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFlow_ZeroValueIsOpenAndDeferred(t *testing.T) {
	var f Flow
	assert.Equal(t, StateOpen, f.State)
	assert.Equal(t, DecisionDeferred, f.Decision)
	assert.False(t, f.Closed())
	assert.True(t, f.EndTimestamp.IsZero())
}

func TestFlow_WithDecisionKeepsIdentity(t *testing.T) {
	f := sampleFlow()
	allowed := f.WithDecision(DecisionAllowed)

	assert.Equal(t, f.ID, allowed.ID)
	assert.Equal(t, DecisionAllowed, allowed.Decision)
	assert.Equal(t, DecisionDeferred, f.Decision)
}

func TestFlow_Close(t *testing.T) {
	f := sampleFlow()
	end := f.Timestamp.Add(time.Minute)

	closed := f.Close(end)
	require.True(t, closed.Closed())
	assert.Equal(t, end, closed.EndTimestamp)
	assert.False(t, f.Closed())

	again := closed.Close(end.Add(time.Hour))
	assert.Equal(t, end, again.EndTimestamp)
}

func TestFlow_UpdateBytesIsMonotonic(t *testing.T) {
	f := sampleFlow().UpdateBytes(100, 50)
	assert.Equal(t, uint64(100), f.BytesIn)
	assert.Equal(t, uint64(50), f.BytesOut)

	f = f.UpdateBytes(10, 80)
	assert.Equal(t, uint64(100), f.BytesIn)
	assert.Equal(t, uint64(80), f.BytesOut)
}

func TestFlow_CloneIsDeep(t *testing.T) {
	f := sampleFlow()
	c := f.Clone()
	require.Equal(t, f, c)

	c.Process.Parent.Path = "/changed"
	c.Service.Name = "changed"
	c.Location.Country = "XX"

	assert.Equal(t, "/sbin/init", f.Process.Parent.Path)
	assert.Equal(t, "https", f.Service.Name)
	assert.Equal(t, "US", f.Location.Country)
}

func TestEndpoint_Name(t *testing.T) {
	e := Endpoint{Address: netip.MustParseAddr("10.0.0.1")}
	assert.Equal(t, "10.0.0.1", e.Name())
	e.Hostname = "db.internal"
	assert.Equal(t, "db.internal", e.Name())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "tcp", ProtocolTCP.String())
	assert.Equal(t, "udp", ProtocolUDP.String())
	assert.Equal(t, "unknown", Protocol(1).String())
	assert.Equal(t, "outbound", DirectionOutbound.String())
	assert.Equal(t, "denied", DecisionDenied.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestFlow_JSONUsesNames(t *testing.T) {
	f := sampleFlow().WithDecision(DecisionDenied)
	b, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"decision":"denied"`)
	assert.Contains(t, string(b), `"protocol":"tcp"`)
	assert.Contains(t, string(b), `"direction":"outbound"`)

	var back Flow
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, f.ID, back.ID)
	assert.Equal(t, DecisionDenied, back.Decision)
	assert.Equal(t, ProtocolTCP, back.Protocol)
	assert.Equal(t, f.Remote, back.Remote)

	var d Decision
	assert.Error(t, d.UnmarshalText([]byte("maybe")))
}

func TestFlow_JSONOmitsEndOfOpenFlow(t *testing.T) {
	b, err := json.Marshal(sampleFlow())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "end_timestamp")

	closed := sampleFlow().Close(time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC))
	b, err = json.Marshal(closed)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"end_timestamp":"2024-05-01T12:05:00Z"`)
}

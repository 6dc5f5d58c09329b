package pipeline

import (
	"encoding/base64"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowWarden/internal/binding"
	"FlowWarden/internal/decision"
	"FlowWarden/internal/events"
	"FlowWarden/internal/factory"
	"FlowWarden/internal/flowtable"
	"FlowWarden/internal/metrics"
	"FlowWarden/internal/model"
)

type harness struct {
	p       *Pipeline
	bus     *events.Bus
	engine  *decision.Engine
	table   *flowtable.Table
	store   *binding.Store
	metrics *metrics.Metrics
	now     time.Time
}

func newHarness(t *testing.T, decider decision.Decider, queue int) *harness {
	t.Helper()
	h := &harness{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }

	h.bus = events.NewBus()
	h.store = binding.NewStore()
	h.table = flowtable.New(h.bus, flowtable.WithClock(clock))
	h.engine = decision.NewEngine(decider, h.bus)
	h.metrics = metrics.New()
	h.p = New(Options{
		Factory:         factory.NewFlowFactory(factory.WithHostnameResolver(h.store), factory.WithClock(clock)),
		Engine:          h.engine,
		Bus:             h.bus,
		Bindings:        h.store,
		Table:           h.table,
		Metrics:         h.metrics,
		DNSQueueSize:    queue,
		ClosedRetention: 10 * time.Minute,
		Now:             clock,
	})
	return h
}

func flowAttrs(id uuid.UUID, remote string) map[string]string {
	return map[string]string{
		"id":               id.String(),
		"localAddress":     "192.168.1.10",
		"localPort":        "51000",
		"remoteAddress":    remote,
		"remotePort":       "443",
		"direction":        "2",
		"proto":            "6",
		"auditTokenString": "",
	}
}

func dnsAttrs(t *testing.T) map[string]string {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("www.example.com.", dns.TypeA)
	m.Response = true
	for _, s := range []string{"www.example.com. 300 IN CNAME example.com.", "example.com. 300 IN A 93.184.216.34"} {
		rr, err := dns.NewRR(s)
		require.NoError(t, err)
		m.Answer = append(m.Answer, rr)
	}
	b, err := m.Pack()
	require.NoError(t, err)
	return map[string]string{
		"localAddress":  "192.168.1.10",
		"localPort":     "53124",
		"remoteAddress": "192.168.1.1",
		"remotePort":    "53",
		AttrPacket:      base64.StdEncoding.EncodeToString(b),
	}
}

func reportAttrs(id uuid.UUID, in, out string, event string) map[string]string {
	return map[string]string{"id": id.String(), AttrBytesIn: in, AttrBytesOut: out, AttrEvent: event}
}

type answers struct {
	mu  sync.Mutex
	got []bool
}

func (a *answers) respond(allow bool) {
	a.mu.Lock()
	a.got = append(a.got, allow)
	a.mu.Unlock()
}

func (a *answers) all() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.got...)
}

func TestPipeline_DNSThenFlowCarriesHostname(t *testing.T) {
	h := newHarness(t, decision.AllowAll{}, 16)
	h.p.Start()

	require.NoError(t, h.p.OnDNSPayload(dnsAttrs(t)))
	require.Eventually(t, func() bool {
		_, ok := h.store.Lookup(netip.MustParseAddr("93.184.216.34"))
		return ok
	}, time.Second, 5*time.Millisecond)

	var a answers
	id := uuid.New()
	h.p.OnNewFlow(flowAttrs(id, "93.184.216.34"), a.respond)
	h.p.Stop()

	assert.Equal(t, []bool{true}, a.all())
	f, ok := h.table.Get(id)
	require.True(t, ok)
	assert.Equal(t, "www.example.com", f.Remote.Hostname)
	assert.Equal(t, model.DecisionAllowed, f.Decision)

	series, err := testutil.GatherAndCount(h.metrics.Registry(), "flowwarden_dns_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestPipeline_FactoryFailureAllows(t *testing.T) {
	h := newHarness(t, decision.DeciderFunc(func(model.Flow) decision.Verdict { return decision.Deny }), 16)

	var a answers
	attrs := flowAttrs(uuid.New(), "93.184.216.34")
	delete(attrs, "proto")
	h.p.OnNewFlow(attrs, a.respond)

	assert.Equal(t, []bool{true}, a.all())
	assert.Zero(t, h.table.Len())
}

func TestPipeline_DeferredFlowResolvedLater(t *testing.T) {
	h := newHarness(t, decision.DeciderFunc(func(model.Flow) decision.Verdict { return decision.Defer }), 16)

	var a answers
	id := uuid.New()
	h.p.OnNewFlow(flowAttrs(id, "198.51.100.7"), a.respond)
	assert.Empty(t, a.all())

	deferred := h.table.Snapshot(flowtable.Deferred)
	require.Len(t, deferred, 1)
	assert.Equal(t, id, deferred[0].ID)

	require.NoError(t, h.engine.ResolveDeferred(id, false))
	assert.Equal(t, []bool{false}, a.all())
	f, _ := h.table.Get(id)
	assert.Equal(t, model.DecisionDenied, f.Decision)
}

func TestPipeline_ReportUpdatesAndCloses(t *testing.T) {
	h := newHarness(t, decision.AllowAll{}, 16)
	id := uuid.New()
	h.p.OnNewFlow(flowAttrs(id, "93.184.216.34"), func(bool) {})

	require.NoError(t, h.p.OnFlowReport(reportAttrs(id, "1200", "300", "2")))
	f, _ := h.table.Get(id)
	assert.Equal(t, uint64(1200), f.BytesIn)
	assert.False(t, f.Closed())

	require.NoError(t, h.p.OnFlowReport(reportAttrs(id, "1500", "310", "3")))
	f, _ = h.table.Get(id)
	assert.Equal(t, uint64(1500), f.BytesIn)
	assert.Equal(t, uint64(310), f.BytesOut)
	assert.True(t, f.Closed())
	assert.Equal(t, h.now, f.EndTimestamp)

	allow, decided := h.engine.Verdict(id)
	assert.True(t, decided)
	assert.True(t, allow)
}

func TestPipeline_ClosedFlowKeepsVerdict(t *testing.T) {
	verdict := decision.Allow
	h := newHarness(t, decision.DeciderFunc(func(model.Flow) decision.Verdict { return verdict }), 16)
	id := uuid.New()
	var a answers

	h.p.OnNewFlow(flowAttrs(id, "93.184.216.34"), a.respond)
	require.NoError(t, h.p.OnFlowReport(reportAttrs(id, "10", "10", "3")))
	verdict = decision.Deny
	h.p.OnNewFlow(flowAttrs(id, "93.184.216.34"), a.respond)

	assert.Equal(t, []bool{true, true}, a.all())
	f, _ := h.table.Get(id)
	assert.Equal(t, model.DecisionAllowed, f.Decision)
	assert.True(t, f.Closed())
}

func TestPipeline_ReportForUnknownFlowIsHarmless(t *testing.T) {
	h := newHarness(t, decision.AllowAll{}, 16)
	require.NoError(t, h.p.OnFlowReport(reportAttrs(uuid.New(), "1", "1", "3")))
	assert.Zero(t, h.table.Len())
}

func TestPipeline_InvalidReport(t *testing.T) {
	h := newHarness(t, decision.AllowAll{}, 16)
	id := uuid.New()
	for _, attrs := range []map[string]string{
		reportAttrs(id, "x", "1", "2"),
		reportAttrs(id, "1", "", "2"),
		reportAttrs(id, "1", "1", "closed"),
		{"id": "nope", AttrBytesIn: "1", AttrBytesOut: "1", AttrEvent: "3"},
	} {
		assert.ErrorIs(t, h.p.OnFlowReport(attrs), ErrInvalidReport)
	}
}

func TestPipeline_DNSQueueFullDrops(t *testing.T) {
	h := newHarness(t, decision.AllowAll{}, 1)

	require.NoError(t, h.p.OnDNSPayload(dnsAttrs(t)))
	assert.ErrorIs(t, h.p.OnDNSPayload(dnsAttrs(t)), ErrQueueFull)

	h.p.Start()
	h.p.Stop()
	name, ok := h.store.Lookup(netip.MustParseAddr("93.184.216.34"))
	require.True(t, ok)
	assert.Equal(t, "www.example.com", name)

	assert.ErrorIs(t, h.p.OnDNSPayload(dnsAttrs(t)), ErrStopped)
}

func TestPipeline_MalformedDNSIsCounted(t *testing.T) {
	h := newHarness(t, decision.AllowAll{}, 4)

	assert.Error(t, h.p.OnDNSPayload(map[string]string{AttrPacket: "!!not base64"}))

	h.p.Start()
	require.NoError(t, h.p.OnDNSPayload(map[string]string{AttrPacket: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}))
	h.p.Stop()

	assert.Zero(t, h.store.Len())
}

func TestPipeline_PruneClosed(t *testing.T) {
	h := newHarness(t, decision.AllowAll{}, 4)
	old, fresh, open := uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{old, fresh, open} {
		h.p.OnNewFlow(flowAttrs(id, "93.184.216.34"), func(bool) {})
	}

	require.NoError(t, h.p.OnFlowReport(reportAttrs(old, "0", "0", "3")))
	h.now = h.now.Add(9 * time.Minute)
	require.NoError(t, h.p.OnFlowReport(reportAttrs(fresh, "0", "0", "3")))
	h.now = h.now.Add(2 * time.Minute)

	assert.Equal(t, 1, h.p.pruneClosed())
	_, ok := h.table.Get(old)
	assert.False(t, ok)
	_, ok = h.table.Get(fresh)
	assert.True(t, ok)
	_, ok = h.table.Get(open)
	assert.True(t, ok)

	_, decided := h.engine.Verdict(old)
	assert.False(t, decided)
	_, decided = h.engine.Verdict(fresh)
	assert.True(t, decided)
}

package rpc

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"FlowWarden/internal/binding"
	"FlowWarden/internal/decision"
	"FlowWarden/internal/events"
	"FlowWarden/internal/flowtable"
	"FlowWarden/internal/model"
	"FlowWarden/internal/sink"
)

type staticBindings map[netip.Addr]binding.Record

func (b staticBindings) Record(addr netip.Addr) (binding.Record, bool) {
	rec, ok := b[addr.Unmap()]
	return rec, ok
}

type fakeHistory struct {
	got sink.HistoryQuery
}

func (h *fakeHistory) History(_ context.Context, q sink.HistoryQuery) ([]model.Flow, error) {
	h.got = q
	return []model.Flow{{ID: uuid.New(), State: model.StateClosed, Decision: model.DecisionDenied}}, nil
}

type fixture struct {
	client  *Client
	engine  *decision.Engine
	table   *flowtable.Table
	history *fakeHistory
}

func newFixture(t *testing.T, withHistory bool) *fixture {
	t.Helper()
	bus := events.NewBus()
	fx := &fixture{table: flowtable.New(bus), history: &fakeHistory{}}
	fx.engine = decision.NewEngine(decision.DeciderFunc(func(model.Flow) decision.Verdict { return decision.Defer }), bus)

	opts := Options{
		Flows:    fx.table,
		Verdicts: fx.engine,
		Bindings: staticBindings{
			netip.MustParseAddr("93.184.216.34"): {Type: binding.CNameRecord, Name: "www.example.com"},
		},
	}
	if withHistory {
		opts.History = fx.history
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterFlowServiceServer(srv, NewService(opts))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	fx.client = NewClient(conn)
	return fx
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestHealthCheck(t *testing.T) {
	fx := newFixture(t, false)
	got, err := fx.client.HealthCheck(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestSnapshotAndResolve(t *testing.T) {
	fx := newFixture(t, false)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var answer []bool
	older := model.Flow{ID: uuid.New(), Remote: model.Endpoint{Address: netip.MustParseAddr("93.184.216.34"), Port: 443}, Timestamp: start}
	newer := model.Flow{ID: uuid.New(), Remote: model.Endpoint{Address: netip.MustParseAddr("198.51.100.7"), Port: 443}, Timestamp: start.Add(time.Minute)}
	fx.engine.Add(older, func(allow bool) { answer = append(answer, allow) })
	fx.engine.Add(newer, func(bool) {})

	flows, err := fx.client.Snapshot(ctx(t), "deferred", 0)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, newer.ID, flows[0].ID)
	assert.Equal(t, older.Remote.Address, flows[1].Remote.Address)

	require.NoError(t, fx.client.ResolveDeferred(ctx(t), older.ID, true))
	assert.Equal(t, []bool{true}, answer)

	flows, err = fx.client.Snapshot(ctx(t), "decided", 10)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, model.DecisionAllowed, flows[0].Decision)

	flows, err = fx.client.Snapshot(ctx(t), "", 1)
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	err = fx.client.ResolveDeferred(ctx(t), older.ID, false)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = fx.client.Snapshot(ctx(t), "bogus", 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestResolveDeferred_BadRequest(t *testing.T) {
	fx := newFixture(t, false)
	_, err := fx.client.invoke(ctx(t), "ResolveDeferred", map[string]any{"id": "nope", "allow": true})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = fx.client.invoke(ctx(t), "ResolveDeferred", map[string]any{"id": uuid.NewString()})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLookup(t *testing.T) {
	fx := newFixture(t, false)
	host, source, err := fx.client.Lookup(ctx(t), netip.MustParseAddr("::ffff:93.184.216.34"))
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", host)
	assert.Equal(t, "cname", source)

	_, _, err = fx.client.Lookup(ctx(t), netip.MustParseAddr("10.0.0.1"))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHistory(t *testing.T) {
	fx := newFixture(t, false)
	_, err := fx.client.History(ctx(t), sink.HistoryQuery{})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	fx = newFixture(t, true)
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	flows, err := fx.client.History(ctx(t), sink.HistoryQuery{Since: since, Decision: "denied", Limit: 7})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, model.DecisionDenied, flows[0].Decision)
	assert.Equal(t, since, fx.history.got.Since)
	assert.Equal(t, "denied", fx.history.got.Decision)
	assert.Equal(t, 7, fx.history.got.Limit)
}

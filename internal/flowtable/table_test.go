package flowtable

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowWarden/internal/events"
	"FlowWarden/internal/model"
)

var closeTime = time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

func newTable() (*Table, *events.Bus) {
	bus := events.NewBus()
	return New(bus, WithClock(func() time.Time { return closeTime })), bus
}

func flow(d model.Decision) model.Flow {
	return model.Flow{
		ID:        uuid.New(),
		Decision:  d,
		Remote:    model.Endpoint{Address: netip.MustParseAddr("93.184.216.34"), Port: 443},
		Process:   &model.ProcessDescriptor{PID: 7, Path: "/usr/bin/curl"},
		Timestamp: closeTime.Add(-time.Hour),
	}
}

func TestTable_LifecycleThroughBus(t *testing.T) {
	table, bus := newTable()
	f := flow(model.DecisionAllowed)

	bus.Publish(events.NewAllowedFlow{Flow: f})
	bus.Publish(events.UpdatedFlow{ID: f.ID, BytesIn: 100, BytesOut: 20})
	bus.Publish(events.UpdatedFlow{ID: f.ID, BytesIn: 50, BytesOut: 40})
	bus.Publish(events.ClosedFlow{ID: f.ID})

	got, ok := table.Get(f.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(100), got.BytesIn)
	assert.Equal(t, uint64(40), got.BytesOut)
	assert.True(t, got.Closed())
	assert.Equal(t, closeTime, got.EndTimestamp)
	assert.Equal(t, model.DecisionAllowed, got.Decision)
}

func TestTable_UnknownIDsAreNoOps(t *testing.T) {
	table, bus := newTable()

	bus.Publish(events.UpdatedFlow{ID: uuid.New(), BytesIn: 1})
	bus.Publish(events.ClosedFlow{ID: uuid.New()})
	assert.Zero(t, table.Len())

	f := flow(model.DecisionDeferred)
	bus.Publish(events.ClosedFlow{ID: f.ID})
	bus.Publish(events.NewDeferredFlow{Flow: f})

	got, ok := table.Get(f.ID)
	require.True(t, ok)
	assert.False(t, got.Closed())
}

func TestTable_UpsertPreservesMonotonicState(t *testing.T) {
	table, bus := newTable()
	f := flow(model.DecisionDeferred)

	bus.Publish(events.NewDeferredFlow{Flow: f})
	bus.Publish(events.UpdatedFlow{ID: f.ID, BytesIn: 10, BytesOut: 10})
	bus.Publish(events.ClosedFlow{ID: f.ID})
	bus.Publish(events.NewAllowedFlow{Flow: f.WithDecision(model.DecisionAllowed)})

	got, ok := table.Get(f.ID)
	require.True(t, ok)
	assert.Equal(t, model.DecisionAllowed, got.Decision)
	assert.Equal(t, uint64(10), got.BytesIn)
	assert.True(t, got.Closed())
	assert.Equal(t, closeTime, got.EndTimestamp)
	assert.Equal(t, 1, table.Len())
}

func TestTable_DeferredNeverOverwritesTerminalDecision(t *testing.T) {
	table, bus := newTable()
	f := flow(model.DecisionDenied)

	bus.Publish(events.NewDeniedFlow{Flow: f})
	bus.Publish(events.NewDeferredFlow{Flow: f.WithDecision(model.DecisionDeferred)})

	got, _ := table.Get(f.ID)
	assert.Equal(t, model.DecisionDenied, got.Decision)
}

func TestTable_TerminalDecisionNeverFlips(t *testing.T) {
	table, bus := newTable()
	f := flow(model.DecisionAllowed)

	bus.Publish(events.NewAllowedFlow{Flow: f})
	bus.Publish(events.ClosedFlow{ID: f.ID})
	bus.Publish(events.NewDeniedFlow{Flow: f.WithDecision(model.DecisionDenied)})

	got, _ := table.Get(f.ID)
	assert.Equal(t, model.DecisionAllowed, got.Decision)
	assert.True(t, got.Closed())
}

func TestTable_CloseKeepsFirstEndTimestamp(t *testing.T) {
	now := closeTime
	bus := events.NewBus()
	table := New(bus, WithClock(func() time.Time { return now }))
	f := flow(model.DecisionAllowed)

	bus.Publish(events.NewAllowedFlow{Flow: f})
	bus.Publish(events.ClosedFlow{ID: f.ID})
	now = now.Add(time.Hour)
	bus.Publish(events.ClosedFlow{ID: f.ID})

	got, _ := table.Get(f.ID)
	assert.Equal(t, closeTime, got.EndTimestamp)
}

func TestTable_SnapshotReturnsCopies(t *testing.T) {
	table, bus := newTable()
	deferred := flow(model.DecisionDeferred)
	allowed := flow(model.DecisionAllowed)
	bus.Publish(events.NewDeferredFlow{Flow: deferred})
	bus.Publish(events.NewAllowedFlow{Flow: allowed})

	all := table.Snapshot(nil)
	assert.Len(t, all, 2)

	pending := table.Snapshot(Deferred)
	require.Len(t, pending, 1)
	assert.Equal(t, deferred.ID, pending[0].ID)

	decided := table.Snapshot(Decided)
	require.Len(t, decided, 1)
	assert.Equal(t, allowed.ID, decided[0].ID)

	pending[0].Process.Path = "/tmp/evil"
	pending[0].BytesIn = 99
	again, _ := table.Get(deferred.ID)
	assert.Equal(t, "/usr/bin/curl", again.Process.Path)
	assert.Zero(t, again.BytesIn)
}

func TestTable_PublishedFlowIsNotAliased(t *testing.T) {
	table, bus := newTable()
	f := flow(model.DecisionAllowed)
	bus.Publish(events.NewAllowedFlow{Flow: f})

	f.Process.Path = "/changed"
	got, _ := table.Get(f.ID)
	assert.Equal(t, "/usr/bin/curl", got.Process.Path)
}

func TestTable_Remove(t *testing.T) {
	table, bus := newTable()
	open := flow(model.DecisionAllowed)
	closed := flow(model.DecisionAllowed)
	bus.Publish(events.NewAllowedFlow{Flow: open})
	bus.Publish(events.NewAllowedFlow{Flow: closed})
	bus.Publish(events.ClosedFlow{ID: closed.ID})

	ids := table.Remove(func(f model.Flow) bool { return f.Closed() })
	assert.Equal(t, []uuid.UUID{closed.ID}, ids)
	_, ok := table.Get(closed.ID)
	assert.False(t, ok)
	_, ok = table.Get(open.ID)
	assert.True(t, ok)
}

func TestView(t *testing.T) {
	deferred := model.Flow{Decision: model.DecisionDeferred}
	denied := model.Flow{Decision: model.DecisionDenied}

	for _, name := range []string{"", "all"} {
		pred, err := View(name)
		require.NoError(t, err)
		assert.Nil(t, pred)
	}
	pred, err := View("deferred")
	require.NoError(t, err)
	assert.True(t, pred(deferred))
	assert.False(t, pred(denied))

	pred, err = View("decided")
	require.NoError(t, err)
	assert.True(t, pred(denied))

	_, err = View("closed")
	assert.ErrorIs(t, err, ErrUnknownView)
}

func TestNewest(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := model.Flow{ID: uuid.New(), Timestamp: base}
	b := model.Flow{ID: uuid.New(), Timestamp: base.Add(time.Minute)}
	c := model.Flow{ID: uuid.New(), Timestamp: base.Add(2 * time.Minute)}

	got := Newest([]model.Flow{a, c, b}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, c.ID, got[0].ID)
	assert.Equal(t, b.ID, got[1].ID)

	assert.Len(t, Newest([]model.Flow{a, b, c}, 0), 3)
}

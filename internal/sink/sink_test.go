package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowWarden/internal/config"
	"FlowWarden/internal/events"
	"FlowWarden/internal/flowtable"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/metrics"
	"FlowWarden/internal/model"
)

type memWriter struct {
	mu     sync.Mutex
	flows  []model.Flow
	calls  int
	err    error
	closed bool
}

func (w *memWriter) Write(flows []model.Flow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.flows = append(w.flows, flows...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) snapshot() ([]model.Flow, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.Flow(nil), w.flows...), w.closed
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func closedFlow(remote string) model.Flow {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return model.Flow{
		ID:           uuid.New(),
		State:        model.StateClosed,
		Decision:     model.DecisionAllowed,
		BytesIn:      2048,
		BytesOut:     256,
		Local:        model.Endpoint{Address: netip.MustParseAddr("192.168.1.10"), Port: 51000},
		Remote:       model.Endpoint{Address: netip.MustParseAddr(remote), Hostname: "example.com", Port: 443},
		Direction:    model.DirectionOutbound,
		Protocol:     model.ProtocolTCP,
		Process:      &model.ProcessDescriptor{PID: 812, Path: "/usr/bin/curl"},
		Service:      &model.ServiceDescriptor{Name: "https", Port: 443},
		Location:     &model.LocationRecord{Country: "US"},
		Timestamp:    start,
		EndTimestamp: start.Add(3 * time.Second),
	}
}

func TestJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(nopCloser{&buf})

	flows := []model.Flow{closedFlow("93.184.216.34"), closedFlow("198.51.100.7")}
	require.NoError(t, w.Write(flows))
	require.NoError(t, w.Close())

	scanner := bufio.NewScanner(&buf)
	var got []model.Flow
	for scanner.Scan() {
		var f model.Flow
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f))
		got = append(got, f)
	}
	assert.Equal(t, flows, got)
}

func TestCreateWriters(t *testing.T) {
	cfg := config.SinkConfig{Writers: []string{"jsonl"}, JSONL: config.JSONLConfig{Path: t.TempDir() + "/flows.jsonl"}}
	writers, err := CreateWriters(cfg, logger.Nop())
	require.NoError(t, err)
	require.Len(t, writers, 1)
	assert.Equal(t, "jsonl", writers[0].Name)
	require.NoError(t, writers[0].Write([]model.Flow{closedFlow("93.184.216.34")}))
	require.NoError(t, writers[0].Close())

	_, err = CreateWriters(config.SinkConfig{Writers: []string{"jsonl", "kafka"}, JSONL: cfg.JSONL}, logger.Nop())
	assert.ErrorContains(t, err, "unknown writer type: 'kafka'")

	_, err = CreateWriters(config.SinkConfig{Writers: []string{"jsonl"}}, logger.Nop())
	assert.ErrorContains(t, err, "requires a path")
}

func TestRegisterWriter_DuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		RegisterWriter("jsonl", nil)
	})
}

func TestFlowRow(t *testing.T) {
	f := closedFlow("93.184.216.34")
	row := flowRow(f)
	require.Len(t, row, 17)
	assert.Equal(t, f.ID.String(), row[0])
	assert.Equal(t, "allowed", row[1])
	assert.Equal(t, "outbound", row[2])
	assert.Equal(t, uint8(6), row[3])
	assert.Equal(t, "93.184.216.34", row[6])
	assert.Equal(t, "example.com", row[8])
	assert.Equal(t, "/usr/bin/curl", row[9])
	assert.Equal(t, int32(812), row[10])
	assert.Equal(t, "https", row[11])
	assert.Equal(t, "US", row[12])

	bare := flowRow(model.Flow{ID: f.ID})
	assert.Equal(t, "", bare[4])
	assert.Equal(t, "", bare[9])
	assert.Equal(t, "", bare[12])
}

func TestBuildHistoryQuery(t *testing.T) {
	query, args := buildHistoryQuery("flows", HistoryQuery{})
	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "FROM flows")
	assert.Empty(t, args)

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	query, args = buildHistoryQuery("flows", HistoryQuery{Since: since, Hostname: "example.com", Decision: "denied", Limit: 20})
	assert.Contains(t, query, "WHERE StartTime >= ? AND Hostname = ? AND Decision = ?")
	assert.True(t, strings.HasSuffix(query, "ORDER BY StartTime DESC LIMIT 20"))
	assert.Equal(t, []any{since, "example.com", "denied"}, args)
}

func TestWorker_WritesClosedFlowsFromTable(t *testing.T) {
	bus := events.NewBus()
	table := flowtable.New(bus)
	w1, w2 := &memWriter{}, &memWriter{err: errors.New("disk full")}
	m := metrics.New()
	worker := NewWorker(table, []NamedWriter{{"mem", w1}, {"broken", w2}}, 16, 2, time.Hour, m, nil)
	bus.Subscribe(events.KindClosedFlow, worker)
	worker.Start()

	open := closedFlow("93.184.216.34")
	open.State, open.EndTimestamp = model.StateOpen, time.Time{}
	bus.Publish(events.NewAllowedFlow{Flow: open})
	bus.Publish(events.UpdatedFlow{ID: open.ID, BytesIn: 4096, BytesOut: 10})
	bus.Publish(events.ClosedFlow{ID: open.ID})
	bus.Publish(events.ClosedFlow{ID: uuid.New()})

	worker.Stop()

	flows, closed := w1.snapshot()
	assert.True(t, closed)
	require.Len(t, flows, 1)
	assert.Equal(t, open.ID, flows[0].ID)
	assert.True(t, flows[0].Closed())
	assert.Equal(t, uint64(4096), flows[0].BytesIn)

	series, err := testutil.GatherAndCount(m.Registry(), "flowwarden_sink_flows_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestWorker_RepeatedCloseWritesOnce(t *testing.T) {
	bus := events.NewBus()
	table := flowtable.New(bus)
	w := &memWriter{}
	worker := NewWorker(table, []NamedWriter{{"mem", w}}, 16, 10, time.Hour, nil, nil)
	bus.Subscribe(events.KindClosedFlow, worker)
	worker.Start()

	f := closedFlow("93.184.216.34")
	f.State, f.EndTimestamp = model.StateOpen, time.Time{}
	bus.Publish(events.NewAllowedFlow{Flow: f})
	bus.Publish(events.ClosedFlow{ID: f.ID})
	bus.Publish(events.UpdatedFlow{ID: f.ID, BytesIn: 10})
	bus.Publish(events.ClosedFlow{ID: f.ID})

	worker.Stop()

	flows, _ := w.snapshot()
	require.Len(t, flows, 1)
	assert.Equal(t, f.ID, flows[0].ID)
}

func TestWorker_FlushesFullBatches(t *testing.T) {
	w := &memWriter{}
	worker := NewWorker(nil, []NamedWriter{{"mem", w}}, 16, 2, time.Hour, nil, nil)
	worker.Start()
	defer worker.Stop()

	assert.True(t, worker.Enqueue(closedFlow("93.184.216.34")))
	assert.True(t, worker.Enqueue(closedFlow("93.184.216.35")))
	require.Eventually(t, func() bool {
		flows, _ := w.snapshot()
		return len(flows) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_DropsWhenStoppedOrFull(t *testing.T) {
	w := &memWriter{}
	worker := NewWorker(nil, []NamedWriter{{"mem", w}}, 1, 10, time.Hour, nil, nil)

	assert.True(t, worker.Enqueue(closedFlow("93.184.216.34")))
	assert.False(t, worker.Enqueue(closedFlow("93.184.216.35")))

	worker.Start()
	worker.Stop()
	assert.False(t, worker.Enqueue(closedFlow("93.184.216.36")))

	flows, closed := w.snapshot()
	assert.Len(t, flows, 1)
	assert.True(t, closed)
}

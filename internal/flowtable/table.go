package flowtable

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"FlowWarden/internal/events"
	"FlowWarden/internal/model"
)

// Subscriber is the part of the event bus the table attaches to.
type Subscriber interface {
	SubscribeAll(events.Listener)
}

// Table is the authoritative set of live and closed flows, kept current from
// bus events.
type Table struct {
	mu    sync.RWMutex
	flows map[uuid.UUID]model.Flow
	now   func() time.Time
}

type Option func(t *Table)

// WithClock sets the source of close timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// New creates a table and subscribes it to every event kind on bus.
func New(bus Subscriber, opts ...Option) *Table {
	t := &Table{
		flows: make(map[uuid.UUID]model.Flow),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if bus != nil {
		bus.SubscribeAll(t)
	}
	return t
}

// Handle applies one event. Updates and closes for unknown flows are ignored.
func (t *Table) Handle(e events.Event) {
	switch ev := e.(type) {
	case events.NewAllowedFlow:
		t.upsert(ev.Flow)
	case events.NewDeniedFlow:
		t.upsert(ev.Flow)
	case events.NewDeferredFlow:
		t.upsert(ev.Flow)
	case events.UpdatedFlow:
		t.mu.Lock()
		if f, ok := t.flows[ev.ID]; ok {
			t.flows[ev.ID] = f.UpdateBytes(ev.BytesIn, ev.BytesOut)
		}
		t.mu.Unlock()
	case events.ClosedFlow:
		t.mu.Lock()
		if f, ok := t.flows[ev.ID]; ok && !f.Closed() {
			t.flows[ev.ID] = f.Close(t.now())
		}
		t.mu.Unlock()
	}
}

// upsert stores f. If the id is already known, the counters only grow, a
// closed flow stays closed and a terminal decision never changes.
func (t *Table) upsert(f model.Flow) {
	f = f.Clone()

	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.flows[f.ID]
	if !ok {
		t.flows[f.ID] = f
		return
	}
	f = f.UpdateBytes(old.BytesIn, old.BytesOut)
	if old.Closed() {
		f.State = model.StateClosed
		f.EndTimestamp = old.EndTimestamp
	}
	if old.Decision != model.DecisionDeferred {
		f.Decision = old.Decision
	}
	t.flows[f.ID] = f
}

// Get returns a copy of the flow with the given id.
func (t *Table) Get(id uuid.UUID) (model.Flow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.flows[id]
	if !ok {
		return model.Flow{}, false
	}
	return f.Clone(), true
}

// Snapshot returns copies of the flows accepted by pred, or of all flows when
// pred is nil. Order is unspecified.
func (t *Table) Snapshot(pred func(model.Flow) bool) []model.Flow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Flow, 0, len(t.flows))
	for _, f := range t.flows {
		if pred == nil || pred(f) {
			out = append(out, f.Clone())
		}
	}
	return out
}

// Len returns the number of flows in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}

// Remove deletes flows accepted by pred and returns their ids.
func (t *Table) Remove(pred func(model.Flow) bool) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []uuid.UUID
	for id, f := range t.flows {
		if pred(f) {
			delete(t.flows, id)
			ids = append(ids, id)
		}
	}
	return ids
}

// Deferred selects flows still waiting for a verdict.
func Deferred(f model.Flow) bool {
	return f.Decision == model.DecisionDeferred
}

// Decided selects flows with a terminal verdict.
func Decided(f model.Flow) bool {
	return f.Decision != model.DecisionDeferred
}

// ErrUnknownView is returned by View for names other than all, deferred and
// decided.
var ErrUnknownView = errors.New("unknown view")

// View returns the predicate named by view. The empty name and "all" select
// every flow and yield a nil predicate.
func View(view string) (func(model.Flow) bool, error) {
	switch view {
	case "", "all":
		return nil, nil
	case "deferred":
		return Deferred, nil
	case "decided":
		return Decided, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownView, view)
}

// Newest sorts flows newest first, ties broken by id, and keeps at most limit.
// A limit of zero or less keeps every flow.
func Newest(flows []model.Flow, limit int) []model.Flow {
	sort.Slice(flows, func(i, j int) bool {
		if !flows[i].Timestamp.Equal(flows[j].Timestamp) {
			return flows[i].Timestamp.After(flows[j].Timestamp)
		}
		return flows[i].ID.String() < flows[j].ID.String()
	})
	if limit > 0 && len(flows) > limit {
		flows = flows[:limit]
	}
	return flows
}

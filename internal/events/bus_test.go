package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowWarden/internal/model"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	for i := 0; i < 3; i++ {
		bus.Subscribe(KindClosedFlow, ListenerFunc(func(Event) { order = append(order, i) }))
	}

	bus.Publish(ClosedFlow{ID: uuid.New()})
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestBus_OnlyMatchingKind(t *testing.T) {
	bus := NewBus()
	var closed, updated int
	bus.Subscribe(KindClosedFlow, ListenerFunc(func(Event) { closed++ }))
	bus.Subscribe(KindUpdatedFlow, ListenerFunc(func(Event) { updated++ }))

	bus.Publish(UpdatedFlow{ID: uuid.New(), BytesIn: 1})
	bus.Publish(UpdatedFlow{ID: uuid.New(), BytesIn: 2})

	assert.Equal(t, 0, closed)
	assert.Equal(t, 2, updated)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	var got []Kind
	bus.SubscribeAll(ListenerFunc(func(e Event) { got = append(got, e.Kind()) }))

	f := model.Flow{ID: uuid.New()}
	bus.Publish(NewAllowedFlow{Flow: f})
	bus.Publish(NewDeniedFlow{Flow: f})
	bus.Publish(NewDeferredFlow{Flow: f})
	bus.Publish(UpdatedFlow{ID: f.ID})
	bus.Publish(ClosedFlow{ID: f.ID})

	assert.Equal(t, Kinds(), got)
}

func TestBus_ListenerPanicPropagates(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(KindClosedFlow, ListenerFunc(func(Event) { panic("boom") }))

	assert.PanicsWithValue(t, "boom", func() { bus.Publish(ClosedFlow{}) })

	// the kind's lock was released while unwinding
	done := make(chan struct{})
	go func() {
		bus.Subscribe(KindClosedFlow, ListenerFunc(func(Event) {}))
		close(done)
	}()
	<-done
}

func TestBus_ListenerMayPublishOtherKind(t *testing.T) {
	bus := NewBus()
	var closed atomic.Int32
	bus.Subscribe(KindClosedFlow, ListenerFunc(func(Event) { closed.Add(1) }))
	bus.Subscribe(KindUpdatedFlow, ListenerFunc(func(e Event) { bus.Publish(ClosedFlow{ID: e.FlowID()}) }))

	bus.Publish(UpdatedFlow{ID: uuid.New()})
	assert.Equal(t, int32(1), closed.Load())
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()
	var n atomic.Int64
	bus.SubscribeAll(ListenerFunc(func(Event) { n.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(UpdatedFlow{ID: uuid.New()})
				bus.Publish(ClosedFlow{ID: uuid.New()})
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1600), n.Load())
}

func TestForDecision(t *testing.T) {
	f := model.Flow{ID: uuid.New()}
	assert.IsType(t, NewDeferredFlow{}, ForDecision(f))
	assert.IsType(t, NewAllowedFlow{}, ForDecision(f.WithDecision(model.DecisionAllowed)))
	assert.IsType(t, NewDeniedFlow{}, ForDecision(f.WithDecision(model.DecisionDenied)))
	assert.Equal(t, f.ID, ForDecision(f).FlowID())
}

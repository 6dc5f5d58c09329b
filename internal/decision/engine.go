package decision

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"FlowWarden/internal/events"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/model"
)

// ErrUnknownFlow is returned when a verdict targets a flow that is not deferred.
var ErrUnknownFlow = errors.New("unknown flow")

// Handler receives the verdict for one flow. It is invoked exactly once per
// Add call, possibly long after Add returned when the flow was deferred.
type Handler func(allow bool)

// Query is a deferred flow waiting for an external verdict.
type Query struct {
	Flow    model.Flow
	Respond Handler
}

// Publisher is the part of the event bus the engine needs.
type Publisher interface {
	Publish(events.Event)
}

// Engine classifies new flows and holds deferred ones until ResolveDeferred.
type Engine struct {
	decider Decider
	bus     Publisher
	log     logger.Logger

	mu       sync.Mutex
	deferred map[uuid.UUID]Query
	decided  map[uuid.UUID]bool
}

type Option func(e *Engine)

func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// NewEngine creates an engine that classifies with decider and announces
// decisions on bus.
func NewEngine(decider Decider, bus Publisher, opts ...Option) *Engine {
	e := &Engine{
		decider:  decider,
		bus:      bus,
		log:      logger.Nop(),
		deferred: make(map[uuid.UUID]Query),
		decided:  make(map[uuid.UUID]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Add classifies flow. Allowed and denied flows are answered through respond
// before Add returns. Deferred flows are stored, replacing any earlier query
// for the same id, and answered by ResolveDeferred. A flow that already has a
// terminal verdict gets that verdict again and nothing is published.
//
// Events are published and handlers run after the engine lock is released, so
// listeners may call back into the engine.
func (e *Engine) Add(flow model.Flow, respond Handler) {
	out := e.add(flow, respond)
	out.deliver(e.bus)
}

// outcome is the work left once the engine state has been updated.
type outcome struct {
	event    events.Event
	handlers []Handler
	allow    bool
}

func (o outcome) deliver(bus Publisher) {
	if o.event != nil {
		bus.Publish(o.event)
	}
	for _, h := range o.handlers {
		h(o.allow)
	}
}

func (e *Engine) add(flow model.Flow, respond Handler) outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if allow, ok := e.decided[flow.ID]; ok {
		e.log.Debugf("flow %s already decided, allow=%t", flow.ID, allow)
		return outcome{handlers: []Handler{respond}, allow: allow}
	}

	verdict := e.decider.Decide(flow)
	if verdict == Defer {
		if _, ok := e.deferred[flow.ID]; ok {
			e.log.Debugf("flow %s deferred again, replacing pending query", flow.ID)
		}
		flow = flow.WithDecision(model.DecisionDeferred)
		e.deferred[flow.ID] = Query{Flow: flow, Respond: respond}
		return outcome{event: events.NewDeferredFlow{Flow: flow}}
	}

	allow := verdict == Allow
	handlers := []Handler{respond}
	if stale, ok := e.deferred[flow.ID]; ok {
		// a pending query for the same id is answered too
		handlers = append(handlers, stale.Respond)
		delete(e.deferred, flow.ID)
	}
	e.decided[flow.ID] = allow
	return outcome{
		event:    events.ForDecision(flow.WithDecision(decisionOf(allow))),
		handlers: handlers,
		allow:    allow,
	}
}

// ResolveDeferred answers the deferred flow id. The stored handler runs
// exactly once and the matching allowed or denied event is published.
func (e *Engine) ResolveDeferred(id uuid.UUID, allow bool) error {
	out, err := e.resolve(id, allow)
	if err != nil {
		return err
	}
	e.log.WithFields(map[string]any{"flow": id.String(), "allow": allow}).Infof("deferred flow resolved")
	out.deliver(e.bus)
	return nil
}

func (e *Engine) resolve(id uuid.UUID, allow bool) (outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.deferred[id]
	if !ok {
		return outcome{}, fmt.Errorf("resolve %s: %w", id, ErrUnknownFlow)
	}
	delete(e.deferred, id)
	e.decided[id] = allow
	return outcome{
		event:    events.ForDecision(q.Flow.WithDecision(decisionOf(allow))),
		handlers: []Handler{q.Respond},
		allow:    allow,
	}, nil
}

// Deferred returns the flows waiting for a verdict, oldest first.
func (e *Engine) Deferred() []model.Flow {
	e.mu.Lock()
	flows := make([]model.Flow, 0, len(e.deferred))
	for _, q := range e.deferred {
		flows = append(flows, q.Flow.Clone())
	}
	e.mu.Unlock()

	slices.SortFunc(flows, func(a, b model.Flow) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return flows
}

// PendingCount returns the number of deferred flows.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.deferred)
}

// Verdict returns the terminal verdict recorded for id.
func (e *Engine) Verdict(id uuid.UUID) (allow bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	allow, ok = e.decided[id]
	return allow, ok
}

// Forget drops the recorded verdicts of ids. It is called once the flows are
// gone from the flow table; a later Add for one of them is decided afresh.
func (e *Engine) Forget(ids ...uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.decided, id)
	}
}

func decisionOf(allow bool) model.Decision {
	if allow {
		return model.DecisionAllowed
	}
	return model.DecisionDenied
}

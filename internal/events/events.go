package events

import (
	"github.com/google/uuid"

	"FlowWarden/internal/model"
)

// Kind identifies one of the event variants.
type Kind uint8

const (
	KindNewAllowedFlow Kind = iota
	KindNewDeniedFlow
	KindNewDeferredFlow
	KindUpdatedFlow
	KindClosedFlow

	numKinds
)

// Kinds lists every event kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindNewAllowedFlow, KindNewDeniedFlow, KindNewDeferredFlow, KindUpdatedFlow, KindClosedFlow}
}

func (k Kind) String() string {
	switch k {
	case KindNewAllowedFlow:
		return "new_allowed_flow"
	case KindNewDeniedFlow:
		return "new_denied_flow"
	case KindNewDeferredFlow:
		return "new_deferred_flow"
	case KindUpdatedFlow:
		return "updated_flow"
	case KindClosedFlow:
		return "closed_flow"
	default:
		return "unknown"
	}
}

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	FlowID() uuid.UUID
	event()
}

// NewAllowedFlow is published when a flow is allowed.
type NewAllowedFlow struct {
	Flow model.Flow
}

// NewDeniedFlow is published when a flow is denied.
type NewDeniedFlow struct {
	Flow model.Flow
}

// NewDeferredFlow is published when a flow is held for an external verdict.
type NewDeferredFlow struct {
	Flow model.Flow
}

// UpdatedFlow carries the latest byte counters reported by the host.
type UpdatedFlow struct {
	ID       uuid.UUID
	BytesIn  uint64
	BytesOut uint64
}

// ClosedFlow is published when the host reports that a flow ended.
type ClosedFlow struct {
	ID uuid.UUID
}

func (NewAllowedFlow) Kind() Kind  { return KindNewAllowedFlow }
func (NewDeniedFlow) Kind() Kind   { return KindNewDeniedFlow }
func (NewDeferredFlow) Kind() Kind { return KindNewDeferredFlow }
func (UpdatedFlow) Kind() Kind     { return KindUpdatedFlow }
func (ClosedFlow) Kind() Kind      { return KindClosedFlow }

func (e NewAllowedFlow) FlowID() uuid.UUID  { return e.Flow.ID }
func (e NewDeniedFlow) FlowID() uuid.UUID   { return e.Flow.ID }
func (e NewDeferredFlow) FlowID() uuid.UUID { return e.Flow.ID }
func (e UpdatedFlow) FlowID() uuid.UUID     { return e.ID }
func (e ClosedFlow) FlowID() uuid.UUID      { return e.ID }

func (NewAllowedFlow) event()  {}
func (NewDeniedFlow) event()   {}
func (NewDeferredFlow) event() {}
func (UpdatedFlow) event()     {}
func (ClosedFlow) event()      {}

// ForDecision returns the new-flow event matching f.Decision.
func ForDecision(f model.Flow) Event {
	switch f.Decision {
	case model.DecisionAllowed:
		return NewAllowedFlow{Flow: f}
	case model.DecisionDenied:
		return NewDeniedFlow{Flow: f}
	default:
		return NewDeferredFlow{Flow: f}
	}
}

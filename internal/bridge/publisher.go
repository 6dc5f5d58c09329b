package bridge

import (
	"github.com/nats-io/nats.go"

	"FlowWarden/internal/events"
	"FlowWarden/internal/logger"
)

// EventPublisher forwards bus events to NATS as <prefix>.<kind>.
type EventPublisher struct {
	pub    publisher
	prefix string
	log    logger.Logger
}

func NewEventPublisher(nc *nats.Conn, prefix string, log logger.Logger) *EventPublisher {
	return newEventPublisher(nc, prefix, log)
}

func newEventPublisher(pub publisher, prefix string, log logger.Logger) *EventPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &EventPublisher{pub: pub, prefix: prefix, log: log}
}

// Subject returns the subject an event of kind k is published on.
func (p *EventPublisher) Subject(k events.Kind) string {
	return p.prefix + "." + k.String()
}

// Handle implements events.Listener.
func (p *EventPublisher) Handle(e events.Event) {
	data, err := EncodeEvent(e)
	if err != nil {
		p.log.Errorf("failed to encode %s for flow %s: %v", e.Kind(), e.FlowID(), err)
		return
	}
	if err := p.pub.Publish(p.Subject(e.Kind()), data); err != nil {
		p.log.Warnf("failed to publish %s for flow %s: %v", e.Kind(), e.FlowID(), err)
	}
}

package bridge

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"FlowWarden/internal/logger"
)

// Host receives the calls a network extension makes.
type Host interface {
	OnNewFlow(attrs map[string]string, respond func(allow bool))
	OnDNSPayload(attrs map[string]string) error
	OnFlowReport(attrs map[string]string) error
}

// Subjects names the NATS subjects of the host boundary.
type Subjects struct {
	Flows   string
	DNS     string
	Reports string
}

type publisher interface {
	Publish(subject string, data []byte) error
}

type subscribeFunc func(subject string, cb nats.MsgHandler) (*nats.Subscription, error)

// Connect opens a NATS connection that reconnects indefinitely.
func Connect(url, name string, log logger.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("reconnected to NATS at %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Infof("connected to NATS server at %s", url)
	return nc, nil
}

// Subscriber feeds host messages from NATS into a Host. Flow requests are
// answered on their reply subject once a verdict exists.
//
// Every subject is subscribed without a queue group, so each running engine
// sees the whole host stream.
type Subscriber struct {
	subscribe subscribeFunc
	pub       publisher
	subjects  Subjects
	subs      []*nats.Subscription
	log       logger.Logger
}

func NewSubscriber(nc *nats.Conn, subjects Subjects, log logger.Logger) *Subscriber {
	if log == nil {
		log = logger.Nop()
	}
	s := &Subscriber{subjects: subjects, log: log}
	if nc != nil {
		s.subscribe, s.pub = nc.Subscribe, nc
	}
	return s
}

// Start subscribes to the three host subjects.
func (s *Subscriber) Start(host Host) error {
	handlers := []struct {
		subject string
		handle  nats.MsgHandler
	}{
		{s.subjects.Flows, func(msg *nats.Msg) { s.handleFlow(host, msg) }},
		{s.subjects.DNS, func(msg *nats.Msg) { s.handleDNS(host, msg) }},
		{s.subjects.Reports, func(msg *nats.Msg) { s.handleReport(host, msg) }},
	}
	for _, h := range handlers {
		sub, err := s.subscribe(h.subject, h.handle)
		if err != nil {
			s.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
		s.log.Infof("subscribed to '%s'", h.subject)
	}
	return nil
}

func (s *Subscriber) handleFlow(host Host, msg *nats.Msg) {
	attrs, err := DecodeAttributes(msg.Data)
	if err != nil {
		s.log.Warnf("dropping flow request on %s: %v", msg.Subject, err)
		return
	}
	id := attrs["id"]
	reply := msg.Reply
	host.OnNewFlow(attrs, func(allow bool) {
		if reply == "" {
			s.log.Debugf("flow %s decided allow=%t without reply subject", id, allow)
			return
		}
		data, err := EncodeVerdict(id, allow)
		if err != nil {
			s.log.Errorf("failed to encode verdict for flow %s: %v", id, err)
			return
		}
		if err := s.pub.Publish(reply, data); err != nil {
			s.log.Errorf("failed to answer flow %s: %v", id, err)
		}
	})
}

func (s *Subscriber) handleDNS(host Host, msg *nats.Msg) {
	attrs, err := DecodeAttributes(msg.Data)
	if err != nil {
		s.log.Warnf("dropping dns payload on %s: %v", msg.Subject, err)
		return
	}
	if err := host.OnDNSPayload(attrs); err != nil {
		s.log.Debugf("dns payload rejected: %v", err)
	}
}

func (s *Subscriber) handleReport(host Host, msg *nats.Msg) {
	attrs, err := DecodeAttributes(msg.Data)
	if err != nil {
		s.log.Warnf("dropping flow report on %s: %v", msg.Subject, err)
		return
	}
	if err := host.OnFlowReport(attrs); err != nil {
		s.log.Warnf("flow report rejected: %v", err)
	}
}

// Close unsubscribes. The connection is left to its owner.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			s.log.Debugf("unsubscribe %s: %v", sub.Subject, err)
		}
	}
	s.subs = nil
}

package pipeline

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"FlowWarden/internal/binding"
	"FlowWarden/internal/decision"
	"FlowWarden/internal/dnswire"
	"FlowWarden/internal/events"
	"FlowWarden/internal/flowtable"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/metrics"
	"FlowWarden/internal/model"
)

// Attribute keys of DNS payloads and flow reports from the host.
const (
	AttrPacket   = "packet"
	AttrBytesIn  = "bytesInboundCount"
	AttrBytesOut = "bytesOutboundCount"
	AttrEvent    = "eventType"
)

// Report event types sent by the host.
const (
	ReportNewFlow    = 1
	ReportData       = 2
	ReportClosed     = 3
	ReportStatistics = 4
)

var (
	// ErrQueueFull is returned when a DNS payload is dropped because the
	// worker is behind.
	ErrQueueFull = errors.New("dns queue full")
	// ErrStopped is returned for input that arrives after Stop.
	ErrStopped = errors.New("pipeline stopped")
	// ErrInvalidReport is returned for flow reports that cannot be parsed.
	ErrInvalidReport = errors.New("invalid flow report")
)

// FlowGenerator builds flows from host attributes.
type FlowGenerator interface {
	Generate(attrs map[string]string) (model.Flow, error)
}

// Options wires the pipeline to its collaborators.
type Options struct {
	Factory  FlowGenerator
	Engine   *decision.Engine
	Bus      *events.Bus
	Bindings *binding.Store
	Table    *flowtable.Table
	Metrics  *metrics.Metrics
	Logger   logger.Logger

	DNSQueueSize    int
	ClosedRetention time.Duration
	PruneInterval   time.Duration
	Now             func() time.Time
}

// Pipeline is the host boundary. Flow requests and reports are handled on the
// caller's goroutine; DNS payloads are queued for a single worker that applies
// them to the binding store in arrival order.
type Pipeline struct {
	factory  FlowGenerator
	engine   *decision.Engine
	bus      *events.Bus
	bindings *binding.Store
	table    *flowtable.Table
	metrics  *metrics.Metrics
	log      logger.Logger

	dnsChannel chan []byte
	dnsWg      sync.WaitGroup
	inputMu    sync.RWMutex
	stopped    bool

	retention     time.Duration
	pruneInterval time.Duration
	now           func() time.Time
	done          chan struct{}
	prunerWg      sync.WaitGroup
}

// New creates a pipeline and subscribes the metrics to the bus.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		factory:       opts.Factory,
		engine:        opts.Engine,
		bus:           opts.Bus,
		bindings:      opts.Bindings,
		table:         opts.Table,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		dnsChannel:    make(chan []byte, max(opts.DNSQueueSize, 1)),
		retention:     opts.ClosedRetention,
		pruneInterval: opts.PruneInterval,
		now:           opts.Now,
		done:          make(chan struct{}),
	}
	if p.log == nil {
		p.log = logger.Nop()
	}
	if p.now == nil {
		p.now = time.Now
	}

	if p.metrics != nil {
		p.bus.SubscribeAll(p.metrics)
		p.metrics.Gauge("deferred_flows", "Current number of flows waiting for a verdict",
			func() float64 { return float64(p.engine.PendingCount()) })
		p.metrics.Gauge("bindings", "Current number of address to hostname bindings",
			func() float64 { return float64(p.bindings.Len()) })
		p.metrics.Gauge("table_flows", "Current number of flows in the flow table",
			func() float64 { return float64(p.table.Len()) })
		p.metrics.Gauge("dns_queue_depth", "Current number of queued DNS payloads",
			func() float64 { return float64(len(p.dnsChannel)) })
	}
	return p
}

// Start launches the DNS worker and the closed-flow pruner.
func (p *Pipeline) Start() {
	p.dnsWg.Add(1)
	go p.dnsWorker()

	if p.retention > 0 && p.pruneInterval > 0 {
		p.prunerWg.Add(1)
		go p.runPruner()
		p.log.Infof("pruning closed flows older than %s every %s", p.retention, p.pruneInterval)
	}
	p.log.Infof("pipeline started, dns queue size %d", cap(p.dnsChannel))
}

// Stop rejects new DNS payloads, drains the queue and stops the pruner.
func (p *Pipeline) Stop() {
	p.log.Infof("pipeline stopping...")
	p.inputMu.Lock()
	if p.stopped {
		p.inputMu.Unlock()
		return
	}
	p.stopped = true
	close(p.dnsChannel)
	p.inputMu.Unlock()

	p.dnsWg.Wait()
	close(p.done)
	p.prunerWg.Wait()
	p.log.Infof("pipeline stopped")
}

// OnNewFlow classifies a new flow and answers respond with the verdict,
// immediately or once a deferred flow is resolved. A flow that cannot be
// built is allowed.
func (p *Pipeline) OnNewFlow(attrs map[string]string, respond func(allow bool)) {
	flow, err := p.factory.Generate(attrs)
	if err != nil {
		p.metrics.FactoryFailure()
		p.log.Warnf("allowing flow that could not be built: %v", err)
		respond(true)
		return
	}
	p.engine.Add(flow, respond)
}

// OnDNSPayload queues a base64 encoded DNS response for the binding store.
func (p *Pipeline) OnDNSPayload(attrs map[string]string) error {
	raw, err := base64.StdEncoding.DecodeString(attrs[AttrPacket])
	if err != nil {
		p.metrics.DNSMessage(metrics.DNSMalformed)
		return fmt.Errorf("failed to decode dns packet: %w", err)
	}

	p.inputMu.RLock()
	defer p.inputMu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.dnsChannel <- raw:
		return nil
	default:
		p.metrics.DNSMessage(metrics.DNSDropped)
		p.log.Warnf("dns queue full, dropping payload from %s", attrs["remoteAddress"])
		return ErrQueueFull
	}
}

// OnFlowReport publishes the reported byte counters and, for a closed flow,
// the close.
func (p *Pipeline) OnFlowReport(attrs map[string]string) error {
	id, err := uuid.Parse(attrs["id"])
	if err != nil {
		return fmt.Errorf("%w: id %q: %v", ErrInvalidReport, attrs["id"], err)
	}
	in, err := strconv.ParseUint(attrs[AttrBytesIn], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidReport, AttrBytesIn, attrs[AttrBytesIn], err)
	}
	out, err := strconv.ParseUint(attrs[AttrBytesOut], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidReport, AttrBytesOut, attrs[AttrBytesOut], err)
	}
	eventType, err := strconv.Atoi(attrs[AttrEvent])
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidReport, AttrEvent, attrs[AttrEvent], err)
	}

	p.bus.Publish(events.UpdatedFlow{ID: id, BytesIn: in, BytesOut: out})
	if eventType == ReportClosed {
		p.bus.Publish(events.ClosedFlow{ID: id})
	}
	return nil
}

func (p *Pipeline) dnsWorker() {
	defer p.dnsWg.Done()
	for raw := range p.dnsChannel {
		msg, err := dnswire.Decode(raw)
		if err != nil {
			p.metrics.DNSMessage(metrics.DNSMalformed)
			p.log.Debugf("dropping dns payload: %v", err)
			continue
		}
		if !msg.IsResponse() {
			p.metrics.DNSMessage(metrics.DNSIgnored)
			continue
		}
		p.bindings.ApplyMessage(msg)
		p.metrics.DNSMessage(metrics.DNSApplied)
	}
}

func (p *Pipeline) runPruner() {
	defer p.prunerWg.Done()
	ticker := time.NewTicker(p.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.pruneClosed()
		case <-p.done:
			return
		}
	}
}

// pruneClosed drops closed flows whose end lies beyond the retention window,
// together with their recorded verdicts.
func (p *Pipeline) pruneClosed() int {
	cutoff := p.now().Add(-p.retention)
	ids := p.table.Remove(func(f model.Flow) bool {
		return f.Closed() && f.EndTimestamp.Before(cutoff)
	})
	p.engine.Forget(ids...)
	if len(ids) > 0 {
		p.log.Debugf("pruned %d closed flows", len(ids))
	}
	return len(ids)
}

// Engine returns the decision engine, for verdict callers.
func (p *Pipeline) Engine() *decision.Engine { return p.engine }

// Table returns the flow table, for snapshot consumers.
func (p *Pipeline) Table() *flowtable.Table { return p.table }

// Bindings returns the binding store, for diagnostics.
func (p *Pipeline) Bindings() *binding.Store { return p.bindings }

package sink

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"FlowWarden/internal/events"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/metrics"
	"FlowWarden/internal/model"
)

// writtenCapacity bounds the set of flow ids already handed to the writers.
const writtenCapacity = 1 << 16

// FlowSource looks up the final state of a flow.
type FlowSource interface {
	Get(id uuid.UUID) (model.Flow, bool)
}

// Worker collects closed flows and hands them to the writers in batches.
// It listens for ClosedFlow events and must be subscribed after the flow
// table so that the table already holds the closed state. Each flow id is
// written once however often its close is reported.
type Worker struct {
	source  FlowSource
	written *lru.Cache[uuid.UUID, struct{}]
	writers []NamedWriter
	metrics *metrics.Metrics
	log     logger.Logger

	flowChan      chan model.Flow
	batchSize     int
	flushInterval time.Duration

	mu       sync.RWMutex
	stopped  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker. Start must be called before flows are written.
func NewWorker(source FlowSource, writers []NamedWriter, channelSize, batchSize int, flushInterval time.Duration, m *metrics.Metrics, log logger.Logger) *Worker {
	if channelSize <= 0 {
		channelSize = 4096
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	written, _ := lru.New[uuid.UUID, struct{}](writtenCapacity)
	return &Worker{
		source:        source,
		written:       written,
		writers:       writers,
		metrics:       m,
		log:           log,
		flowChan:      make(chan model.Flow, channelSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Infof("sink worker started with %d writers", len(w.writers))
}

// Handle implements events.Listener.
func (w *Worker) Handle(e events.Event) {
	closed, ok := e.(events.ClosedFlow)
	if !ok {
		return
	}
	f, ok := w.source.Get(closed.ID)
	if !ok || !f.Closed() {
		return
	}
	if seen, _ := w.written.ContainsOrAdd(f.ID, struct{}{}); seen {
		w.log.Debugf("flow %s already written, ignoring repeated close", f.ID)
		return
	}
	w.Enqueue(f)
}

// Enqueue queues a flow, dropping it when the worker is behind or stopped.
func (w *Worker) Enqueue(f model.Flow) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return false
	}
	select {
	case w.flowChan <- f:
		return true
	default:
		w.log.Warnf("sink channel full, dropping flow %s", f.ID)
		return false
	}
}

// Stop flushes queued flows and closes the writers.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	closeAll(w.writers, w.log)
	w.log.Infof("sink worker stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]model.Flow, 0, w.batchSize)
	for {
		select {
		case f := <-w.flowChan:
			batch = append(batch, f)
			if len(batch) >= w.batchSize {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			batch = w.flush(batch)
		case <-w.stopChan:
			for {
				select {
				case f := <-w.flowChan:
					batch = append(batch, f)
				default:
					w.flush(batch)
					return
				}
			}
		}
	}
}

func (w *Worker) flush(batch []model.Flow) []model.Flow {
	if len(batch) == 0 {
		return batch
	}
	for _, writer := range w.writers {
		err := writer.Write(batch)
		w.metrics.SinkFlows(writer.Name, len(batch), err)
		if err != nil {
			w.log.Errorf("writer '%s' failed on %d flows: %v", writer.Name, len(batch), err)
		}
	}
	return batch[:0]
}

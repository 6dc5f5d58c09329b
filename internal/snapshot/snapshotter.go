package snapshot

import (
	"sync"
	"time"

	"FlowWarden/internal/logger"
	"FlowWarden/internal/model"
)

// Source provides the flows to snapshot.
type Source interface {
	Snapshot(pred func(model.Flow) bool) []model.Flow
}

// Snapshotter periodically writes the flow table to disk.
type Snapshotter struct {
	source   Source
	writer   *Writer
	interval time.Duration
	log      logger.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSnapshotter(source Source, writer *Writer, interval time.Duration, log logger.Logger) *Snapshotter {
	if log == nil {
		log = logger.Nop()
	}
	return &Snapshotter{
		source:   source,
		writer:   writer,
		interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

func (s *Snapshotter) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				s.snapshot(now)
			case <-s.stopChan:
				s.snapshot(time.Now())
				return
			}
		}
	}()
}

// Stop writes a final snapshot and waits for the loop to exit.
func (s *Snapshotter) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Snapshotter) snapshot(at time.Time) {
	flows := s.source.Snapshot(nil)
	dir, err := s.writer.Write(flows, at)
	if err != nil {
		s.log.Errorf("snapshot failed: %v", err)
		return
	}
	s.log.Debugf("wrote %d flows to %s", len(flows), dir)
}

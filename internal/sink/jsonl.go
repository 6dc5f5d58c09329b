package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"FlowWarden/internal/config"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/model"
)

func init() {
	RegisterWriter("jsonl", func(cfg config.SinkConfig, log logger.Logger) (model.Writer, error) {
		if cfg.JSONL.Path == "" {
			return nil, errors.New("jsonl writer requires a path")
		}
		log.Infof("writing closed flows to %s", cfg.JSONL.Path)
		return NewJSONLWriter(&lumberjack.Logger{
			Filename:   cfg.JSONL.Path,
			MaxSize:    cfg.JSONL.MaxSizeMB,
			MaxBackups: cfg.JSONL.MaxBackups,
			Compress:   true,
		}), nil
	})
}

// JSONLWriter appends one JSON object per flow.
type JSONLWriter struct {
	mu  sync.Mutex
	out io.WriteCloser
	enc *json.Encoder
}

func NewJSONLWriter(out io.WriteCloser) *JSONLWriter {
	return &JSONLWriter{out: out, enc: json.NewEncoder(out)}
}

func (w *JSONLWriter) Write(flows []model.Flow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range flows {
		if err := w.enc.Encode(&flows[i]); err != nil {
			return fmt.Errorf("failed to write flow %s: %w", flows[i].ID, err)
		}
	}
	return nil
}

func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Close()
}

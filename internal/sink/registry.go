package sink

import (
	"fmt"

	"FlowWarden/internal/config"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/model"
)

// NamedWriter is a writer together with its configured name.
type NamedWriter struct {
	Name string
	model.Writer
}

// WriterFactory creates a writer from the sink configuration.
type WriterFactory func(cfg config.SinkConfig, log logger.Logger) (model.Writer, error)

// registry holds the mapping of writer names to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a new writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// CreateWriters creates the writers listed in cfg.Writers. Writers created
// before a failure are closed.
func CreateWriters(cfg config.SinkConfig, log logger.Logger) ([]NamedWriter, error) {
	var writers []NamedWriter
	for _, name := range cfg.Writers {
		factory, ok := registry[name]
		if !ok {
			closeAll(writers, log)
			return nil, fmt.Errorf("unknown writer type: '%s'", name)
		}

		log.Infof("creating flow writer '%s'", name)
		w, err := factory(cfg, log)
		if err != nil {
			closeAll(writers, log)
			return nil, fmt.Errorf("error creating writer '%s': %w", name, err)
		}
		writers = append(writers, NamedWriter{Name: name, Writer: w})
	}
	return writers, nil
}

func closeAll(writers []NamedWriter, log logger.Logger) {
	for _, w := range writers {
		if err := w.Close(); err != nil {
			log.Warnf("failed to close writer '%s': %v", w.Name, err)
		}
	}
}

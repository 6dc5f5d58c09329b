package model

// Writer defines a generic interface for persisting closed flows.
type Writer interface {
	// Write persists a batch of flows. Implementations must not retain the slice.
	Write(flows []Flow) error

	// Close flushes and releases the underlying store.
	Close() error
}

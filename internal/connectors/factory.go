// Package connectors maps source types to Connector implementations.
package connectors

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalhouse/ingest/internal/pipeline"
)

// Factory holds the source-type to connector registry. Connectors are
// registered explicitly at startup; the engine stays closed for modification
// when new source types appear.
type Factory struct {
	mu       sync.RWMutex
	registry map[pipeline.SourceType]pipeline.Connector
}

// NewFactory returns an empty registry.
func NewFactory() *Factory {
	return &Factory{
		registry: make(map[pipeline.SourceType]pipeline.Connector),
	}
}

// Register binds a connector to a source type. Registering the same type
// twice is a programming error.
func (f *Factory) Register(t pipeline.SourceType, c pipeline.Connector) error {
	if c == nil {
		return errors.New("nil connector")
	}
	if !c.CanHandle(t) {
		return fmt.Errorf("connector does not handle source type %q", t)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.registry[t]; exists {
		return fmt.Errorf("source type %q already registered", t)
	}
	f.registry[t] = c
	return nil
}

// Connector resolves the connector for a source type.
func (f *Factory) Connector(t pipeline.SourceType) (pipeline.Connector, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.registry[t]
	if !ok {
		return nil, fmt.Errorf("source type %q: %w", t, pipeline.ErrConnectorUnsupported)
	}
	return c, nil
}

// Close releases every registered connector's pooled resources. A connector
// registered under several types is closed once.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[pipeline.Connector]struct{})
	var errs []error
	for _, c := range f.registry {
		if _, done := seen[c]; done {
			continue
		}
		seen[c] = struct{}{}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

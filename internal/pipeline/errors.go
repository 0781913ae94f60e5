package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrConnectorUnsupported is returned when no connector is registered
	// for a source's type. Fatal to the one task that hit it.
	ErrConnectorUnsupported = errors.New("no connector registered for source type")

	// ErrNotFound is returned by state store lookups for missing documents.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRunning guards against overlapping ingestion runs.
	ErrAlreadyRunning = errors.New("ingestion already running")
)

// FetchError wraps a network, timeout, or parse failure inside a connector
// call. Retryable up to the task's attempt cap.
type FetchError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *FetchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch %s: timeout: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ConfigLoadError reports a seed/source file that could not be parsed. The
// loader logs it with the offending path and skips the file.
type ConfigLoadError struct {
	Path string
	Err  error
}

func (e *ConfigLoadError) Error() string {
	return fmt.Sprintf("load config %s: %v", e.Path, e.Err)
}

func (e *ConfigLoadError) Unwrap() error {
	return e.Err
}

// PersistenceError reports an I/O failure writing task, raw, or normalized
// state. Aborts the current task's processing but never the run.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

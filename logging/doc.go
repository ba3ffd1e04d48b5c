// Package logging provides a minimal logging interface and adapters for runstream.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the decoder, tracker, router and orchestrator use for observability. This
// package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - RunLogger with conversation/run scoping and stream helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	orch := orchestrator.New(transport, func(o *orchestrator.Options) { o.Logger = logger })
package logging

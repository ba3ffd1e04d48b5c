// Package sink routes a run's accumulated text to the single destination
// chosen when the run was created.
//
// The Router holds a SinkKind → core.Sink lookup. Four destinations are
// provided:
//
//   - ChatSink pushes every increment to a live chat bubble.
//   - DocumentSink re-renders the full markdown into a structured Document on
//     every increment and replaces the editor buffer.
//   - SpreadsheetSink buffers until finalization and writes all rows at once.
//   - SlidesSink applies each slide as soon as its closing separator arrives.
//
// ThrottledSink wraps any of them with a token-bucket limiter for
// destinations that cannot absorb one update per chunk.
//
// Delivery failures never fail a run. The Router recovers panics from sink
// implementations and reports them as errors so the caller can log them and
// keep accumulating.
package sink

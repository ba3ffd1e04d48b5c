// Package core provides the foundational domain types and contracts used by
// runstream. It defines:
//
//   - Runs (one user turn producing exactly one assistant turn) and their
//     lifecycle states
//   - StreamEvents (decoded units of an incremental response stream)
//   - Sink kinds and editing modes (where admitted text is routed)
//   - Small interfaces for the collaborators the orchestrator depends on:
//     transports, persistence and sinks
//
// The package keeps implementation concerns (decoding, sequencing, routing,
// run tracking) out of scope so alternative transports and stores can be
// plugged in without touching orchestration logic.
package core

// Package sequencer admits or rejects decoded stream events against a run,
// enforcing in-order, at-most-once application of text fragments.
//
// Sequence numbers are assumed to come from a single producer per run. Two
// transports feeding the same run concurrently are only guarded against by
// the tracker's one-active-run-per-conversation rule.
package sequencer

import (
	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/logging"
)

// Reason explains an admission decision.
type Reason string

const (
	// ReasonApplied means the fragment was appended in sequence.
	ReasonApplied Reason = "applied"
	// ReasonUnsequenced means the fragment carried no sequence number and was appended.
	ReasonUnsequenced Reason = "unsequenced"
	// ReasonDuplicate means the sequence number was at or below the last accepted one.
	ReasonDuplicate Reason = "duplicate"
	// ReasonClosed means the run no longer accepts events.
	ReasonClosed Reason = "closed"
	// ReasonFailed means an error event failed the run.
	ReasonFailed Reason = "failed"
	// ReasonComplete means a terminal marker made the run eligible for finalization.
	ReasonComplete Reason = "complete"
	// ReasonAlreadyHandled means the producer reported the run as handled elsewhere.
	ReasonAlreadyHandled Reason = "already_handled"
)

// Signal tells the orchestrator what to do after an admission.
type Signal int

const (
	// SignalNone means keep streaming.
	SignalNone Signal = iota
	// SignalFinalize means the run is eligible for completion.
	SignalFinalize
	// SignalFail means the run has failed and must be finalized as such.
	SignalFail
	// SignalSkip means the run is terminal without a persistence call.
	SignalSkip
)

// AdmissionResult is the outcome of Accept.
type AdmissionResult struct {
	Applied bool
	Reason  Reason
	Signal  Signal
	// Text is the accumulated text after the admission.
	Text string
}

// Options configures a Sequencer.
type Options struct {
	Logger logging.Logger
}

// Sequencer applies admission rules. It holds no per-run state: everything it
// needs lives on the run, so one Sequencer serves all runs.
type Sequencer struct {
	logger logging.Logger
}

// New creates a sequencer.
func New(optFns ...func(o *Options)) *Sequencer {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Sequencer{logger: logging.OrNoOp(opts.Logger)}
}

// Accept admits ev into run. Chunk admission and the status check happen
// under the run lock, so an event racing a concurrent abort is rejected once
// the abort has been recorded.
func (s *Sequencer) Accept(ev core.StreamEvent, run *core.Run) AdmissionResult {
	var res AdmissionResult
	run.Update(func(st *core.RunState) {
		res = s.admit(ev, st)
		res.Text = st.Text()
	})
	if !res.Applied && res.Reason == ReasonDuplicate {
		s.logger.Debug("Rejected duplicate chunk", "run_id", run.ID, "sequence_id", *ev.SequenceID)
	}
	return res
}

func (s *Sequencer) admit(ev core.StreamEvent, st *core.RunState) AdmissionResult {
	if st.Status.IsTerminal() {
		return AdmissionResult{Reason: ReasonClosed}
	}

	// a status reply only short-circuits a run that has admitted nothing;
	// mid-stream it ends the run like a complete frame
	if ev.AlreadyHandled() && st.LastSequence == core.NoSequence && st.TextLen() == 0 {
		return AdmissionResult{Reason: ReasonAlreadyHandled, Signal: SignalSkip}
	}

	switch ev.Kind {
	case core.EventError:
		st.Status = core.RunStatusFailed
		st.FailureReason = ev.Payload
		return AdmissionResult{Reason: ReasonFailed, Signal: SignalFail}
	case core.EventComplete:
		return AdmissionResult{Reason: ReasonComplete, Signal: SignalFinalize}
	}

	res := AdmissionResult{Applied: true, Reason: ReasonUnsequenced}
	if ev.SequenceID != nil {
		if *ev.SequenceID <= st.LastSequence {
			res = AdmissionResult{Reason: ReasonDuplicate}
		} else {
			st.LastSequence = *ev.SequenceID
			res.Reason = ReasonApplied
		}
	}
	if res.Applied {
		st.AppendText(ev.Payload)
		st.AddSources(ev.Sources)
	}
	if ev.Final {
		res.Signal = SignalFinalize
	}
	return res
}

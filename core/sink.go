package core

// SinkKind names the single destination that receives a run's text.
type SinkKind string

const (
	// SinkChat renders into the live chat bubble.
	SinkChat SinkKind = "chat"
	// SinkDocument re-renders a word-processor buffer.
	SinkDocument SinkKind = "document"
	// SinkSpreadsheet writes rows to a spreadsheet once the run finishes.
	SinkSpreadsheet SinkKind = "spreadsheet"
	// SinkSlides applies slides to a deck as they become complete.
	SinkSlides SinkKind = "slides"
)

// Valid reports whether k is one of the known sink kinds.
func (k SinkKind) Valid() bool {
	switch k {
	case SinkChat, SinkDocument, SinkSpreadsheet, SinkSlides:
		return true
	default:
		return false
	}
}

// EditorType identifies an open editor surface.
type EditorType string

const (
	// EditorNone means no editor is open.
	EditorNone EditorType = ""
	// EditorWord is the word-processor editor.
	EditorWord EditorType = "word"
	// EditorSheet is the spreadsheet editor.
	EditorSheet EditorType = "sheet"
	// EditorSlides is the slide-deck editor.
	EditorSlides EditorType = "slides"
)

// EditingMode describes the editing surface active in the UI when the user
// submits input.
type EditingMode struct {
	EditorOpen bool
	Editor     EditorType
}

// ChatMode is the editing mode of the plain chat timeline.
var ChatMode = EditingMode{}

// EditorMode returns the mode of an open editor of the given type.
func EditorMode(t EditorType) EditingMode { return EditingMode{EditorOpen: true, Editor: t} }

// Sink receives the accumulated text of a run after every admitted chunk.
// Calls for the same run are never concurrent and arrive in admission order.
type Sink interface {
	Deliver(run RunInfo, accumulated string) error
}

// SinkFinalizer is implemented by sinks that need a final call with the
// complete text once the run is finalized (completed, failed or aborted).
type SinkFinalizer interface {
	Finalize(run RunInfo, final string, status RunStatus) error
}

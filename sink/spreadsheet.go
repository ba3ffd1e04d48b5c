package sink

import (
	"encoding/csv"
	"strings"

	"github.com/hupe1980/runstream/core"
)

// SheetWriter is the spreadsheet surface a run writes into.
type SheetWriter interface {
	// WriteRows writes all rows of a run in a single batch.
	WriteRows(runID string, rows [][]string) error
}

// SpreadsheetSink buffers text until the run is finalized and then writes the
// rows in one batch, so that half-streamed rows are never shown.
type SpreadsheetSink struct {
	writer SheetWriter
}

// NewSpreadsheetSink creates a spreadsheet sink.
func NewSpreadsheetSink(w SheetWriter) *SpreadsheetSink { return &SpreadsheetSink{writer: w} }

// Deliver implements core.Sink. The accumulated text already lives on the
// run, so nothing is buffered here.
func (s *SpreadsheetSink) Deliver(core.RunInfo, string) error { return nil }

// Finalize implements core.SinkFinalizer. Only completed runs are written.
func (s *SpreadsheetSink) Finalize(run core.RunInfo, final string, status core.RunStatus) error {
	if status != core.RunStatusCompleted {
		return nil
	}
	rows := ParseRows(final)
	if len(rows) == 0 {
		return nil
	}
	return s.writer.WriteRows(run.RunID, rows)
}

// ParseRows extracts tabular data from a response. A markdown pipe table is
// preferred; otherwise the text is read as CSV. Text that is neither yields nil.
func ParseRows(text string) [][]string {
	if rows := parsePipeTable(text); len(rows) > 0 {
		return rows
	}
	return parseCSV(text)
}

func parsePipeTable(text string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			if len(rows) > 0 {
				// the first table ends at the first non-table line
				break
			}
			continue
		}
		cells := strings.Split(strings.Trim(line, "|"), "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		if isSeparatorRow(cells) {
			continue
		}
		rows = append(rows, cells)
	}
	return rows
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if c == "" || strings.Trim(c, ":-") != "" {
			return false
		}
	}
	return true
}

func parseCSV(text string) [][]string {
	text = strings.TrimSpace(text)
	if text == "" || !strings.Contains(text, ",") {
		return nil
	}
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil
	}
	return rows
}

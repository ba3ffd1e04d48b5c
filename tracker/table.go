package tracker

import (
	"sort"
	"sync"

	"github.com/hupe1980/runstream/core"
)

// Table is the active-run table: it maps each conversation to its current
// run, including runs of conversations that are not on screen. It is safe for
// concurrent access, but only the Tracker mutates it.
type Table struct {
	mu             sync.RWMutex
	byConversation map[string]*core.Run
	byRun          map[string]*core.Run
}

// NewTable constructs an empty table.
func NewTable() *Table {
	return &Table{
		byConversation: make(map[string]*core.Run),
		byRun:          make(map[string]*core.Run),
	}
}

// Get returns the run with the given id.
func (t *Table) Get(runID string) (*core.Run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byRun[runID]
	return r, ok
}

// ForConversation returns the run registered for a conversation, terminal or not.
func (t *Table) ForConversation(conversationID string) (*core.Run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byConversation[conversationID]
	return r, ok
}

// Len returns the number of registered runs.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byRun)
}

// Snapshots returns snapshots of all registered runs ordered by creation time.
func (t *Table) Snapshots() []core.Snapshot {
	t.mu.RLock()
	runs := make([]*core.Run, 0, len(t.byRun))
	for _, r := range t.byRun {
		runs = append(runs, r)
	}
	t.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	out := make([]core.Snapshot, len(runs))
	for i, r := range runs {
		out[i] = r.Snapshot()
	}
	return out
}

// insertLocked registers a run, replacing the settled run of the same
// conversation. A run still in flight is never evicted. Caller must hold the
// write lock.
func (t *Table) insertLocked(r *core.Run) {
	if old, ok := t.byConversation[r.ConversationID]; ok && !occupies(old) {
		delete(t.byRun, old.ID)
	}
	t.byConversation[r.ConversationID] = r
	t.byRun[r.ID] = r
}

func (t *Table) remove(r *core.Run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byRun, r.ID)
	if cur, ok := t.byConversation[r.ConversationID]; ok && cur == r {
		delete(t.byConversation, r.ConversationID)
	}
}

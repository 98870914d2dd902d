package session

import (
	"sync"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/frame"
)

// outcome is what a dispatch() caller is eventually handed.
type outcome struct {
	response *frame.Frame
	err      error
}

// pendingEntry is the reply slot of spec.md §3/§4.4: exactly one
// completion ever fires, enforced by sync.Once so a late Response racing
// a timeout or a session close cannot double-complete the waiter.
type pendingEntry struct {
	deadline time.Time
	ch       chan outcome
	once     sync.Once
}

func newPendingEntry(deadline time.Time) *pendingEntry {
	return &pendingEntry{deadline: deadline, ch: make(chan outcome, 1)}
}

// complete fulfils the slot. Only the first call has any effect; later
// calls (a timeout racing a reader completion, for instance) are no-ops.
func (p *pendingEntry) complete(o outcome) {
	p.once.Do(func() {
		p.ch <- o
	})
}

// pendingTable is the session's request_id -> reply slot map. Per
// spec.md §5, only the dispatcher inserts, only the reader
// completes-and-removes on a hit, and only the dispatcher's own timeout
// path removes on a miss — so a given entry is touched by at most one
// completer, and the mutex here only protects the map structure itself.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint64]*pendingEntry)}
}

// maxPendingDepth bounds in-flight dispatches per session (spec.md §5):
// past this, a slow agent must shed load via Backpressure rather than let
// the table grow without bound.
const maxPendingDepth = 1024

// tryInsert adds entry under id unless the table is already at
// maxPendingDepth, in which case it reports false and the caller must
// fail the dispatch with ErrBackpressure.
func (t *pendingTable) tryInsert(id uint64, entry *pendingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= maxPendingDepth {
		return false
	}
	t.entries[id] = entry
	return true
}

func (t *pendingTable) remove(id uint64) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return entry, ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// drainAll removes and completes every outstanding entry with err, used
// when the session transitions to Closed (spec.md §3).
func (t *pendingTable) drainAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint64]*pendingEntry)
	t.mu.Unlock()

	for _, entry := range entries {
		entry.complete(outcome{err: err})
	}
}

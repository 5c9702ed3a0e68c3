package iodispatch

import "sync"

// resultTable tracks issued IOIDs and their results. An entry is created
// when an IOID is issued, filled once by its IOmod, and removed by the
// poll that consumes it.
type resultTable struct {
	entries map[IOID]*entry
	ready   int
	mu      sync.Mutex
	closed  bool
}

type entry struct {
	result []byte
	filled bool
}

func newResultTable() *resultTable {
	return &resultTable{
		entries: make(map[IOID]*entry),
	}
}

// open registers id as outstanding.
func (t *resultTable) open(id IOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.entries[id] = &entry{}
	return true
}

// fill stores the result for an outstanding id.
func (t *resultTable) fill(id IOID, result []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.filled {
		return ErrInvalidIOID
	}
	e.result = result
	e.filled = true
	t.ready++
	return nil
}

// take removes and returns a filled result.
func (t *resultTable) take(id IOID) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, ErrInvalidIOID
	}
	if !e.filled {
		return nil, ErrNotReady
	}
	delete(t.entries, id)
	t.ready--
	return e.result, nil
}

// drop removes id in any state.
func (t *resultTable) drop(id IOID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	if e.filled {
		t.ready--
	}
	delete(t.entries, id)
	return true
}

// Len returns the number of filled, unpolled results.
func (t *resultTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Outstanding returns the number of issued ids without a result.
func (t *resultTable) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) - t.ready
}

// Close drops every entry and stops accepting new ids.
func (t *resultTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.entries = make(map[IOID]*entry)
	t.ready = 0
	return nil
}

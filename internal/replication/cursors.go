package replication

import (
	"sync"
	"time"

	"Constellation/internal/apex"
)

// Cursor is the last apex a follower acknowledged on one stream.
type Cursor struct {
	Apex      uint64    // Apex is the last acknowledged apex
	UpdatedAt time.Time // UpdatedAt is when Apex last changed
}

// CursorTable tracks every follower's cursors, one per stream.
type CursorTable struct {
	mu      sync.RWMutex
	cursors map[uint8]*[len(apex.Streams)]Cursor
	now     func() time.Time
}

// NewCursorTable creates an empty table.
func NewCursorTable() *CursorTable {
	return &CursorTable{
		cursors: make(map[uint8]*[len(apex.Streams)]Cursor),
		now:     time.Now,
	}
}

// Set overwrites the follower's cursor, as reported on connect.
func (t *CursorTable) Set(follower uint8, stream apex.Stream, a uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.cursors[follower]
	if !ok {
		c = new([len(apex.Streams)]Cursor)
		t.cursors[follower] = c
	}

	c[stream] = Cursor{Apex: a, UpdatedAt: t.now()}
}

// Advance moves the cursor forward to a. Returns false if the follower is
// unknown or a does not advance it.
func (t *CursorTable) Advance(follower uint8, stream apex.Stream, a uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.cursors[follower]
	if !ok || a <= c[stream].Apex {
		return false
	}

	c[stream] = Cursor{Apex: a, UpdatedAt: t.now()}

	return true
}

// Get returns the follower's cursor on stream.
func (t *CursorTable) Get(follower uint8, stream apex.Stream) (Cursor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.cursors[follower]
	if !ok {
		return Cursor{}, false
	}

	return c[stream], true
}

// Remove forgets a follower.
func (t *CursorTable) Remove(follower uint8) {
	t.mu.Lock()
	delete(t.cursors, follower)
	t.mu.Unlock()
}

// Snapshot returns a copy of every follower's cursor on stream.
func (t *CursorTable) Snapshot(stream apex.Stream) map[uint8]Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[uint8]Cursor, len(t.cursors))
	for id, c := range t.cursors {
		out[id] = c[stream]
	}

	return out
}

package apex

import (
	"errors"
	"sync"
	"time"

	"github.com/google/btree"
)

const (
	// DefaultPollInterval is how often the promotion worker checks for contiguous items.
	DefaultPollInterval = 10 * time.Millisecond

	// pendingTreeDegree is the btree degree of the out-of-order map.
	pendingTreeDegree = 32
)

// ErrOutOfRange is returned when an apex lies past the window capacity.
var ErrOutOfRange = errors.New("apex outside window range")

// pending is an out-of-order item waiting for the frontier to reach it.
type pending[T any] struct {
	apex uint64
	item T
}

// Window is a fixed-capacity, apex-indexed sequence. Items may arrive in any
// order but are only exposed once the run from the window start is contiguous.
type Window[T any] struct {
	start    uint64 // start is the first apex the window holds
	capacity uint64 // capacity is the number of apexes the window holds

	mu      sync.RWMutex
	items   []T                       // items[i] holds apex start+i; never has gaps
	pending *btree.BTreeG[pending[T]] // pending holds items beyond the frontier

	poll      time.Duration
	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWindow creates a window for apexes [start, start+capacity).
// The promotion worker is not running until Start is called.
func NewWindow[T any](start, capacity uint64, poll time.Duration) *Window[T] {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	return &Window[T]{
		start:    start,
		capacity: capacity,
		pending: btree.NewG(pendingTreeDegree, func(a, b pending[T]) bool {
			return a.apex < b.apex
		}),
		poll: poll,
		stop: make(chan struct{}),
	}
}

// Start launches the background promotion worker.
func (w *Window[T]) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.loop()
	})
}

// Close stops the promotion worker and waits for it to exit.
func (w *Window[T]) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.wg.Wait()
}

// StartApex returns the first apex of the window.
func (w *Window[T]) StartApex() uint64 {
	return w.start
}

// Capacity returns the number of apexes the window holds.
func (w *Window[T]) Capacity() uint64 {
	return w.capacity
}

// Add inserts an item. The next contiguous apex is appended directly, any later
// apex is buffered until the worker promotes it. Apexes below the start or
// already passed by the frontier are ignored so replays are harmless.
func (w *Window[T]) Add(apex uint64, item T) error {
	if apex >= w.start+w.capacity {
		return ErrOutOfRange
	}

	if apex < w.start {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.start + uint64(len(w.items))

	switch {
	case apex < next:
		return nil
	case apex == next:
		w.items = append(w.items, item)
	default:
		w.pending.ReplaceOrInsert(pending[T]{apex: apex, item: item})
	}

	return nil
}

// LastApex returns the last contiguous apex, or start-1 when the window is empty.
// An empty window starting at 0 reports 0.
func (w *Window[T]) LastApex() uint64 {
	w.mu.RLock()
	n := uint64(len(w.items))
	w.mu.RUnlock()

	if n == 0 {
		if w.start == 0 {
			return 0
		}
		return w.start - 1
	}

	return w.start + n - 1
}

// Len returns the number of contiguous items.
func (w *Window[T]) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.items)
}

// PendingLen returns the number of out-of-order items waiting for promotion.
func (w *Window[T]) PendingLen() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.pending.Len()
}

// Fulfilled reports whether every apex of the window is contiguous.
func (w *Window[T]) Fulfilled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return uint64(len(w.items)) == w.capacity
}

// Get returns the item at apex if the frontier covers it.
func (w *Window[T]) Get(apex uint64) (T, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var zero T
	if apex < w.start || apex-w.start >= uint64(len(w.items)) {
		return zero, false
	}

	return w.items[apex-w.start], true
}

// GetItems returns up to limit contiguous items starting at from (inclusive)
// or just after it (exclusive). The result is a copy and never contains
// anything past the contiguous frontier.
func (w *Window[T]) GetItems(from uint64, limit int, inclusive bool) []T {
	if !inclusive {
		from++
	}

	if from < w.start {
		from = w.start
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	offset := from - w.start
	if limit <= 0 || offset >= uint64(len(w.items)) {
		return nil
	}

	end := offset + uint64(limit)
	if end > uint64(len(w.items)) {
		end = uint64(len(w.items))
	}

	out := make([]T, end-offset)
	copy(out, w.items[offset:end])

	return out
}

// Items implements Source over this single window.
func (w *Window[T]) Items(fromExclusive uint64, limit int) []T {
	return w.GetItems(fromExclusive, limit, false)
}

// Head implements Source.
func (w *Window[T]) Head() uint64 {
	return w.LastApex()
}

// loop promotes contiguous pending items on a fixed poll interval.
func (w *Window[T]) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.promote()
		}
	}
}

// promote moves pending items onto the main sequence while they are contiguous
// and discards pending items the frontier already passed. Returns the number promoted.
func (w *Window[T]) promote() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	promoted := 0

	for {
		first, ok := w.pending.Min()
		if !ok {
			return promoted
		}

		next := w.start + uint64(len(w.items))

		switch {
		case first.apex < next:
			w.pending.DeleteMin()
		case first.apex == next:
			w.pending.DeleteMin()
			w.items = append(w.items, first.item)
			promoted++
		default:
			return promoted
		}
	}
}

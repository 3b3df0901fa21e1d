package apex

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Source is a contiguous apex-ordered sequence a portion reads from.
// It may be a single window or a view stitched across several.
type Source[T any] interface {
	// Items returns up to limit contiguous items after fromExclusive.
	Items(fromExclusive uint64, limit int) []T

	// Head returns the last contiguous apex.
	Head() uint64
}

// Encoder serializes the items of apexes (start, lastApex] into a blob.
type Encoder[T any] func(stream Stream, start, lastApex uint64, items []T) ([]byte, error)

// Batch is a serialized portion ready to be sent to a follower.
type Batch struct {
	Stream   Stream // Stream is the replicated sequence
	Start    uint64 // Start is the apex the portion begins after
	LastApex uint64 // LastApex is the last apex covered by Data
	Count    int    // Count is the number of items in Data
	Data     []byte // Data is the encoded blob
}

// Portion groups apexes (start, start+size] of a source into one transferable blob.
// Reads of an up-to-date blob are lock-free.
type Portion[T any] struct {
	source Source[T]
	stream Stream
	start  uint64
	size   uint64
	encode Encoder[T]

	cached atomic.Pointer[Batch]
	mu     sync.Mutex
}

// NewPortion creates a portion covering apexes (start, start+size].
func NewPortion[T any](source Source[T], stream Stream, start, size uint64, encode Encoder[T]) *Portion[T] {
	return &Portion[T]{
		source: source,
		stream: stream,
		start:  start,
		size:   size,
		encode: encode,
	}
}

// Start returns the apex the portion begins after.
func (p *Portion[T]) Start() uint64 {
	return p.start
}

// End returns the last apex the portion can cover.
func (p *Portion[T]) End() uint64 {
	return p.start + p.size
}

// Cached returns the last generated batch, or nil.
func (p *Portion[T]) Cached() *Batch {
	return p.cached.Load()
}

// GetBatch returns the serialized portion. A cached blob is returned while no
// covered apex arrived since it was built. Otherwise the blob is rebuilt when the
// source covers the whole portion, or when force is set and new data exists.
// Without force a partial portion keeps returning the stale cache, which may be nil.
func (p *Portion[T]) GetBatch(force bool) (*Batch, error) {
	covered := p.covered()

	cached := p.cached.Load()
	if cached != nil && cached.LastApex >= covered {
		return cached, nil
	}

	if covered <= p.start {
		return cached, nil
	}

	if covered < p.End() && !force {
		return cached, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cached = p.cached.Load()
	if cached != nil && cached.LastApex >= covered {
		return cached, nil
	}

	items := p.source.Items(p.start, int(covered-p.start))
	if len(items) == 0 {
		return cached, nil
	}

	last := p.start + uint64(len(items))

	data, err := p.encode(p.stream, p.start, last, items)
	if err != nil {
		return nil, fmt.Errorf("encode %s portion (%d, %d]:\n%w", p.stream, p.start, last, err)
	}

	batch := &Batch{
		Stream:   p.stream,
		Start:    p.start,
		LastApex: last,
		Count:    len(items),
		Data:     data,
	}
	p.cached.Store(batch)

	return batch, nil
}

// covered returns the last apex of this portion the source currently holds.
func (p *Portion[T]) covered() uint64 {
	head := p.source.Head()
	if head > p.End() {
		return p.End()
	}

	return head
}

package persistence

import (
	"sort"

	"Constellation/internal/quantum"
)

// Batch accumulates finalized quanta awaiting a durable flush.
// It is owned by the scheduler between flushes and is not safe for concurrent use.
type Batch struct {
	quanta []*quantum.Persisted
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Add appends a finalized quantum.
func (b *Batch) Add(p *quantum.Persisted) {
	b.quanta = append(b.quanta, p)
}

// Quanta returns the accumulated quanta in insertion order.
func (b *Batch) Quanta() []*quantum.Persisted {
	return b.quanta
}

// Len returns the number of accumulated quanta.
func (b *Batch) Len() int {
	return len(b.quanta)
}

// LastApex returns the highest apex in the batch, or 0 when empty.
func (b *Batch) LastApex() uint64 {
	var last uint64
	for _, p := range b.quanta {
		if p.Quantum.Apex > last {
			last = p.Quantum.Apex
		}
	}

	return last
}

// split sorts the batch by apex and returns the contiguous run starting right
// after last, plus the quanta that must wait for a missing apex.
func (b *Batch) split(last uint64) (ready, held *Batch) {
	sort.Slice(b.quanta, func(i, j int) bool {
		return b.quanta[i].Quantum.Apex < b.quanta[j].Quantum.Apex
	})

	ready, held = NewBatch(), NewBatch()
	next := last + 1

	for _, p := range b.quanta {
		apex := p.Quantum.Apex

		switch {
		case apex < next:
			continue
		case apex == next && held.Len() == 0:
			ready.Add(p)
			next++
		default:
			held.Add(p)
		}
	}

	return ready, held
}

package apex

import "sync/atomic"

// Sequencer hands out strictly increasing apexes. An apex is never reused,
// even when the quantum it was assigned to is later rejected.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer creates a sequencer whose first apex follows last.
func NewSequencer(last uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(last)

	return s
}

// Next assigns the next apex.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently assigned apex.
func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}

// Advance raises the sequence to a so the next apex follows it.
// Lower values are ignored.
func (s *Sequencer) Advance(a uint64) {
	for {
		cur := s.last.Load()
		if a <= cur || s.last.CompareAndSwap(cur, a) {
			return
		}
	}
}

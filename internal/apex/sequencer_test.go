package apex

import (
	"sync"
	"testing"
)

func TestSequencer_Next(t *testing.T) {
	s := NewSequencer(41)

	if got := s.Next(); got != 42 {
		t.Fatalf("Next() = %d, want 42", got)
	}

	s.Advance(10)
	if got := s.Last(); got != 42 {
		t.Fatalf("Last() after lower advance = %d, want 42", got)
	}

	s.Advance(100)
	if got := s.Next(); got != 101 {
		t.Fatalf("Next() after advance = %d, want 101", got)
	}
}

func TestSequencer_ConcurrentUnique(t *testing.T) {
	s := NewSequencer(0)

	const workers, perWorker = 8, 500

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				a := s.Next()
				mu.Lock()
				seen[a] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("unique apexes = %d, want %d", len(seen), workers*perWorker)
	}

	if s.Last() != workers*perWorker {
		t.Fatalf("Last() = %d, want %d", s.Last(), workers*perWorker)
	}
}

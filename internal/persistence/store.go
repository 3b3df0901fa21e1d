package persistence

import (
	"encoding/binary"
	"fmt"
	"sync"

	"Constellation/internal/logger"
	"Constellation/internal/quantum"
	"Constellation/internal/storage"
)

var (
	// prefixQuantum prefixes finalized quanta keyed by big-endian apex.
	prefixQuantum = []byte("q:")

	// keyLastApex stores the last persisted apex.
	keyLastApex = []byte("m:lastApex")
)

// Store is the durable record of finalized quanta. Writes only ever append
// apexes above the last persisted one.
type Store struct {
	db *storage.Storage

	mu       sync.Mutex
	lastApex uint64
	loaded   bool
}

// NewStore creates a store on top of db.
func NewStore(db *storage.Storage) *Store {
	return &Store{db: db}
}

// quantumKey returns the key of a persisted quantum.
func quantumKey(apex uint64) []byte {
	key := make([]byte, len(prefixQuantum)+8)
	copy(key, prefixQuantum)
	binary.BigEndian.PutUint64(key[len(prefixQuantum):], apex)

	return key
}

// LastPersistedApex returns the highest durable apex, or 0 when nothing is stored.
func (s *Store) LastPersistedApex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastApexLocked()
}

// lastApexLocked reads the last apex once and caches it.
func (s *Store) lastApexLocked() (uint64, error) {
	if s.loaded {
		return s.lastApex, nil
	}

	data, err := s.db.Get(keyLastApex)
	if err != nil {
		return 0, fmt.Errorf("read last apex:\n%w", err)
	}

	if len(data) == 8 {
		s.lastApex = binary.BigEndian.Uint64(data)
	}
	s.loaded = true

	return s.lastApex, nil
}

// SaveBatch writes the batch atomically with a synced commit. Apexes already
// persisted are skipped so a retried batch never rewrites history. The remaining
// apexes must be strictly increasing.
func (s *Store) SaveBatch(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.lastApexLocked()
	if err != nil {
		return err
	}

	pairs := make([]storage.KeyValue, 0, b.Len()+1)
	next := last

	for _, p := range b.Quanta() {
		apex := p.Quantum.Apex
		if apex <= last {
			logger.Warn("skip already persisted apex", "apex", apex, "last", last)
			continue
		}

		if apex <= next {
			return fmt.Errorf("apex %d out of order after %d", apex, next)
		}
		next = apex

		pairs = append(pairs, storage.KeyValue{Key: quantumKey(apex), Value: quantum.MarshalPersisted(p)})
	}

	if next == last {
		return nil
	}

	lastBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(lastBytes, next)
	pairs = append(pairs, storage.KeyValue{Key: keyLastApex, Value: lastBytes})

	if err := s.db.WriteBatch(pairs); err != nil {
		return fmt.Errorf("write batch (%d, %d]:\n%w", last, next, err)
	}

	s.lastApex = next

	return nil
}

// LoadQuantaAboveApex returns up to limit persisted quanta with apex > apex, in apex order.
func (s *Store) LoadQuantaAboveApex(apex uint64, limit int) ([]*quantum.Persisted, error) {
	if limit <= 0 {
		return nil, nil
	}

	var out []*quantum.Persisted

	err := s.db.IterateRange(quantumKey(apex+1), storage.PrefixUpperBound(prefixQuantum), func(_, value []byte) error {
		p, err := quantum.UnmarshalPersisted(value)
		if err != nil {
			return err
		}

		out = append(out, p)
		if len(out) >= limit {
			return storage.ErrStop
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load quanta above %d:\n%w", apex, err)
	}

	return out, nil
}

// Load returns the persisted quantum at apex, or nil if it is not stored.
func (s *Store) Load(apex uint64) (*quantum.Persisted, error) {
	data, err := s.db.Get(quantumKey(apex))
	if err != nil {
		return nil, fmt.Errorf("load apex %d:\n%w", apex, err)
	}

	if data == nil {
		return nil, nil
	}

	return quantum.UnmarshalPersisted(data)
}

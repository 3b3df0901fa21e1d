package replication

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"Constellation/internal/apex"
	"Constellation/internal/cache"
	"Constellation/internal/logger"
	"Constellation/internal/metrics"
	"Constellation/internal/quantum"
)

// Config holds the replication settings.
type Config struct {
	BatchSize       uint64        // BatchSize is the number of apexes per window
	PortionSize     uint64        // PortionSize is the number of apexes per portion
	ForceTimeout    time.Duration // ForceTimeout forces a partial portion for a cursor idle this long
	PushInterval    time.Duration // PushInterval is the pusher tick
	PushTimeout     time.Duration // PushTimeout bounds one delivery to a follower
	CleanupInterval time.Duration // CleanupInterval is the period of the eviction pass
	EvictionTTL     time.Duration // EvictionTTL is the sliding expiration of persisted batches
	PollInterval    time.Duration // PollInterval is the window promotion poll
}

// DefaultConfig returns the conventional replication settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:       1_000_000,
		PortionSize:     1_000,
		ForceTimeout:    100 * time.Millisecond,
		PushInterval:    50 * time.Millisecond,
		PushTimeout:     5 * time.Second,
		CleanupInterval: time.Second,
		EvictionTTL:     cache.DefaultTTL,
		PollInterval:    apex.DefaultPollInterval,
	}
}

// validate checks that portions tile batches.
func (c Config) validate() error {
	if c.BatchSize == 0 || c.PortionSize == 0 {
		return fmt.Errorf("batch and portion sizes must be positive")
	}

	if c.BatchSize%c.PortionSize != 0 {
		return fmt.Errorf("portion size %d does not divide batch size %d", c.PortionSize, c.BatchSize)
	}

	return nil
}

// Durable is the persisted history windows are rebuilt from on a cache miss.
type Durable interface {
	LoadQuantaAboveApex(apex uint64, limit int) ([]*quantum.Persisted, error)
	LastPersistedApex() (uint64, error)
}

// batch holds the two windows of one batch id and their portions.
type batch struct {
	id      uint64
	windows [len(apex.Streams)]*apex.Window[[]byte]

	mu       sync.Mutex
	portions [len(apex.Streams)]map[uint64]*apex.Portion[[]byte]
}

// fulfilled reports whether both windows hold their whole range.
func (b *batch) fulfilled() bool {
	return b.windows[apex.StreamQuanta].Fulfilled() && b.windows[apex.StreamSignatures].Fulfilled()
}

// close stops the promotion workers.
func (b *batch) close() {
	for _, w := range b.windows {
		w.Close()
	}
}

// Storage owns the replication windows, indexed by batch id and held in an
// evictable cache. Batches still receiving quanta are pinned; a batch is only
// released once it is fulfilled and its whole range is persisted.
type Storage struct {
	cfg     Config
	store   Durable
	metrics *metrics.Metrics
	log     *slog.Logger

	batches *cache.Cache[uint64, *batch]

	currentMu sync.Mutex
	current   []uint64 // current holds the ids of batches that may still grow, ascending

	persistedMu sync.Mutex
	persisted   []uint64 // persisted queues apexes reported durable since the last cleanup
	lastDurable uint64   // lastDurable is the highest reported durable apex, guarded by persistedMu

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStorage creates replication storage over the durable store.
func NewStorage(cfg Config, store Durable, m *metrics.Metrics) (*Storage, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Storage{
		cfg:     cfg,
		store:   store,
		metrics: m,
		log:     logger.With("component", "replication"),
		batches: cache.New[uint64, *batch](cfg.EvictionTTL),
		stop:    make(chan struct{}),
	}

	s.batches.OnEvict(func(id uint64, b *batch) {
		b.close()
		s.log.Debug("replication batch evicted", "batch", id)
	})

	return s, nil
}

// Start loads the batch holding the last persisted apex and launches the cleanup loop.
func (s *Storage) Start() error {
	last, err := s.store.LastPersistedApex()
	if err != nil {
		return fmt.Errorf("read last persisted apex:\n%w", err)
	}

	s.persistedMu.Lock()
	s.lastDurable = last
	s.persistedMu.Unlock()

	id := apex.BatchID(last, s.cfg.BatchSize)
	if _, err := s.batch(id); err != nil {
		return err
	}

	// A persisted history ending exactly on a batch boundary grows into the next batch.
	if last == id+s.cfg.BatchSize-1 {
		if _, err := s.batch(id + s.cfg.BatchSize); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return nil
}

// Stop halts the cleanup loop and every window worker.
func (s *Storage) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()

	for _, id := range s.batches.Keys() {
		if b, ok := s.batches.Get(id); ok {
			b.close()
		}
	}
}

// AddQuantum adds a finalized quantum record to the quanta stream.
func (s *Storage) AddQuantum(a uint64, item []byte) error {
	return s.add(apex.StreamQuanta, a, item)
}

// AddSignatures adds the non-alpha signatures of a finalized apex to the signatures stream.
func (s *Storage) AddSignatures(a uint64, item []byte) error {
	return s.add(apex.StreamSignatures, a, item)
}

// add routes an item to the window of its batch.
func (s *Storage) add(stream apex.Stream, a uint64, item []byte) error {
	b, err := s.batch(apex.BatchID(a, s.cfg.BatchSize))
	if err != nil {
		return err
	}

	if err := b.windows[stream].Add(a, item); err != nil {
		return fmt.Errorf("add %s apex %d:\n%w", stream, a, err)
	}

	return nil
}

// GetQuanta returns the quanta portion following cursor, or nil when nothing is ready.
func (s *Storage) GetQuanta(cursor uint64, force bool) (*apex.Batch, error) {
	return s.Portion(apex.StreamQuanta, cursor, force)
}

// GetSignatures returns the signatures portion following cursor, or nil when nothing is ready.
func (s *Storage) GetSignatures(cursor uint64, force bool) (*apex.Batch, error) {
	return s.Portion(apex.StreamSignatures, cursor, force)
}

// Portion returns the portion of stream that contains cursor+1. Portions are
// aligned to PortionSize, so a cursor of 100 with size 50 yields (100, 150].
func (s *Storage) Portion(stream apex.Stream, cursor uint64, force bool) (*apex.Batch, error) {
	start := cursor - cursor%s.cfg.PortionSize

	b, err := s.batch(apex.BatchID(start+1, s.cfg.BatchSize))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	p, ok := b.portions[stream][start]
	if !ok {
		p = apex.NewPortion[[]byte](&streamView{storage: s, stream: stream}, stream, start, s.cfg.PortionSize, EncodePortion)
		b.portions[stream][start] = p
	}
	b.mu.Unlock()

	return p.GetBatch(force)
}

// Head returns the last apex of stream that is contiguous from the oldest current batch.
func (s *Storage) Head(stream apex.Stream) uint64 {
	s.currentMu.Lock()
	ids := make([]uint64, len(s.current))
	copy(ids, s.current)
	s.currentMu.Unlock()

	head := s.durable()

	for _, id := range ids {
		b, ok := s.batches.Get(id)
		if !ok {
			break
		}

		w := b.windows[stream]
		if w.Len() > 0 && w.LastApex() > head {
			head = w.LastApex()
		}

		if !w.Fulfilled() {
			break
		}
	}

	return head
}

// Items returns up to limit contiguous items of stream after from, crossing
// batch boundaries. Missing batches are loaded from the durable store.
func (s *Storage) Items(stream apex.Stream, from uint64, limit int) ([][]byte, error) {
	var out [][]byte

	for limit > 0 {
		b, err := s.batch(apex.BatchID(from+1, s.cfg.BatchSize))
		if err != nil {
			return out, err
		}

		items := b.windows[stream].Items(from, limit)
		out = append(out, items...)
		limit -= len(items)
		from += uint64(len(items))

		// Continue into the next batch only once this one is read to its end.
		if len(items) == 0 || from < b.id+s.cfg.BatchSize-1 {
			return out, nil
		}
	}

	return out, nil
}

// NotifyPersisted queues apex as durable for the cleanup loop.
func (s *Storage) NotifyPersisted(a uint64) {
	s.persistedMu.Lock()
	s.persisted = append(s.persisted, a)
	if a > s.lastDurable {
		s.lastDurable = a
	}
	s.persistedMu.Unlock()
}

// batch returns the batch of id, loading it from the durable store on a miss.
func (s *Storage) batch(id uint64) (*batch, error) {
	b, err := s.batches.GetOrCreate(id, func() (*batch, error) {
		return s.load(id)
	}, true)
	if err != nil {
		return nil, fmt.Errorf("load replication batch %d:\n%w", id, err)
	}

	s.markCurrent(b)

	// Historical batches loaded on demand are evictable straight away.
	if b.fulfilled() && id+s.cfg.BatchSize-1 <= s.durable() && s.batches.Pinned(id) {
		s.batches.Unpin(id)
	}

	return b, nil
}

// durable returns the highest apex reported durable.
func (s *Storage) durable() uint64 {
	s.persistedMu.Lock()
	defer s.persistedMu.Unlock()

	return s.lastDurable
}

// load rebuilds both windows of a batch from persisted quanta. Batch 0 gets a
// placeholder at apex 0 since numbering starts at 1.
func (s *Storage) load(id uint64) (*batch, error) {
	start := time.Now()

	b := &batch{id: id}
	for _, stream := range apex.Streams {
		b.windows[stream] = apex.NewWindow[[]byte](id, s.cfg.BatchSize, s.cfg.PollInterval)
		b.portions[stream] = make(map[uint64]*apex.Portion[[]byte])
	}

	after := id
	if id == 0 {
		for _, w := range b.windows {
			_ = w.Add(0, nil)
		}
	} else {
		after = id - 1
	}

	quanta, err := s.store.LoadQuantaAboveApex(after, int(s.cfg.BatchSize))
	if err != nil {
		return nil, err
	}

	for _, p := range quanta {
		a := p.Quantum.Apex
		if a >= id+s.cfg.BatchSize {
			break
		}

		if len(p.Signatures) == 0 {
			return nil, fmt.Errorf("persisted apex %d has no signatures", a)
		}

		if err := b.windows[apex.StreamQuanta].Add(a, quantum.MarshalQuantumRecord(p.Quantum, p.Signatures[0])); err != nil {
			return nil, err
		}

		if err := b.windows[apex.StreamSignatures].Add(a, quantum.MarshalSignatureRecord(a, p.Signatures[1:])); err != nil {
			return nil, err
		}
	}

	for _, w := range b.windows {
		w.Start()
	}

	s.log.Debug("replication batch loaded", "batch", id, "quanta", len(quanta), logger.Timed(start))

	return b, nil
}

// markCurrent tracks a batch that is not yet fulfilled as current.
func (s *Storage) markCurrent(b *batch) {
	if b.fulfilled() {
		return
	}

	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	i := sort.Search(len(s.current), func(i int) bool { return s.current[i] >= b.id })
	if i < len(s.current) && s.current[i] == b.id {
		return
	}

	s.current = append(s.current, 0)
	copy(s.current[i+1:], s.current[i:])
	s.current[i] = b.id
}

// cleanupLoop releases persisted batches and sweeps the cache.
func (s *Storage) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.cleanup(now)
		}
	}
}

// cleanup drains the persisted queue. A batch is released to sliding expiration
// only when it is fulfilled and the persisted apex covers its whole range.
func (s *Storage) cleanup(now time.Time) {
	s.persistedMu.Lock()
	queue := s.persisted
	s.persisted = nil
	s.persistedMu.Unlock()

	var durable uint64
	for _, a := range queue {
		if a > durable {
			durable = a
		}
	}

	if durable > 0 {
		for _, id := range s.batches.Keys() {
			if id+s.cfg.BatchSize-1 > durable || !s.batches.Pinned(id) {
				continue
			}

			b, ok := s.batches.Get(id)
			if !ok || !b.fulfilled() {
				continue
			}

			s.releaseCurrent(id)
			s.batches.Unpin(id)
			s.log.Debug("replication batch released", "batch", id)
		}
	}

	s.batches.Sweep(now)

	s.metrics.CachedBatches.WithLabelValues("replication").Set(float64(s.batches.Len()))
	for _, stream := range apex.Streams {
		s.metrics.Head.WithLabelValues(stream.String()).Set(float64(s.Head(stream)))
	}
}

// releaseCurrent drops id from the current batch list.
func (s *Storage) releaseCurrent(id uint64) {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	for i, c := range s.current {
		if c == id {
			s.current = append(s.current[:i], s.current[i+1:]...)
			return
		}
	}
}

// streamView exposes one stream of the storage as a portion source.
type streamView struct {
	storage *Storage
	stream  apex.Stream
}

// Items implements apex.Source.
func (v *streamView) Items(fromExclusive uint64, limit int) [][]byte {
	items, err := v.storage.Items(v.stream, fromExclusive, limit)
	if err != nil {
		v.storage.log.Warn("read portion items", "stream", v.stream, "from", fromExclusive, "error", err)
	}

	return items
}

// Head implements apex.Source.
func (v *streamView) Head() uint64 {
	return v.storage.Head(v.stream)
}

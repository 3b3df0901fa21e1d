package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Constellation/internal/constellation"
	"Constellation/internal/metrics"
	"Constellation/internal/quantum"
	"Constellation/internal/storage"
)

// newTestStore creates a store in a temporary directory.
func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "persistence-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return NewStore(db), cleanup
}

// persisted builds a finalized quantum with two signatures.
func persisted(apex uint64) *quantum.Persisted {
	q := &quantum.Quantum{Apex: apex, Kind: quantum.KindRequest, Payload: []byte{byte(apex)}}
	q.Seal()

	return &quantum.Persisted{
		Quantum: q,
		Signatures: []quantum.NodeSignature{
			{AuditorID: 0, PayloadSignature: []byte{0xA}},
			{AuditorID: 1, PayloadSignature: []byte{0xB}},
		},
	}
}

func batchOf(apexes ...uint64) *Batch {
	b := NewBatch()
	for _, a := range apexes {
		b.Add(persisted(a))
	}

	return b
}

func TestStore_SaveAndLoad(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if err := s.SaveBatch(batchOf(1, 2, 3, 4, 5)); err != nil {
		t.Fatalf("save: %v", err)
	}

	last, _ := s.LastPersistedApex()
	if last != 5 {
		t.Fatalf("last = %d, want 5", last)
	}

	got, err := s.LoadQuantaAboveApex(2, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(got) != 2 || got[0].Quantum.Apex != 3 || got[1].Quantum.Apex != 4 {
		t.Fatalf("loaded %d quanta, want apexes 3,4", len(got))
	}

	if len(got[0].Signatures) != 2 || got[0].Signatures[0].AuditorID != 0 {
		t.Error("signature set lost")
	}

	p, _ := s.Load(5)
	if p == nil || p.Quantum.PayloadHash != persisted(5).Quantum.PayloadHash {
		t.Error("load by apex failed")
	}

	if p, _ := s.Load(6); p != nil {
		t.Error("missing apex should load as nil")
	}
}

func TestStore_NeverRewritesHistory(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	_ = s.SaveBatch(batchOf(1, 2))

	replay := batchOf(2, 3)
	replay.Quanta()[0].Quantum.Payload = []byte("rewritten")

	if err := s.SaveBatch(replay); err != nil {
		t.Fatalf("save: %v", err)
	}

	p, _ := s.Load(2)
	if string(p.Quantum.Payload) == "rewritten" {
		t.Error("persisted apex was rewritten")
	}

	if last, _ := s.LastPersistedApex(); last != 3 {
		t.Errorf("last = %d, want 3", last)
	}

	if err := s.SaveBatch(batchOf(5, 4)); err == nil {
		t.Error("unordered batch should be rejected")
	}
}

func TestBatch_SplitHoldsGaps(t *testing.T) {
	ready, held := batchOf(4, 2, 3, 6, 7).split(1)

	if ready.Len() != 3 || ready.LastApex() != 4 {
		t.Errorf("ready = %d up to %d, want 3 up to 4", ready.Len(), ready.LastApex())
	}

	if held.Len() != 2 {
		t.Errorf("held = %d, want 2", held.Len())
	}
}

// flakyStore fails a fixed number of saves before delegating.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	saved    []uint64
	last     uint64
}

func (f *flakyStore) SaveBatch(b *Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return errors.New("disk unavailable")
	}

	for _, p := range b.Quanta() {
		f.saved = append(f.saved, p.Quantum.Apex)
	}
	f.last = b.LastApex()

	return nil
}

func (f *flakyStore) LastPersistedApex() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.last, nil
}

func newTestScheduler(t *testing.T, store Durable, cfg Config) (*Scheduler, *constellation.State) {
	t.Helper()

	state := constellation.NewState()
	_ = state.Set(constellation.StateReady)

	s, err := NewScheduler(store, state, metrics.New(), cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	return s, state
}

func TestScheduler_FlushNotifiesListeners(t *testing.T) {
	store := &flakyStore{}
	s, _ := newTestScheduler(t, store, DefaultConfig())

	var notified atomic.Uint64
	s.OnPersisted(func(apex uint64) { notified.Store(apex) })

	s.Add(persisted(2))
	s.Add(persisted(1))
	s.Add(persisted(4))

	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if notified.Load() != 2 {
		t.Errorf("notified = %d, want 2", notified.Load())
	}

	if s.Pending() != 1 {
		t.Errorf("pending = %d, want apex 4 held", s.Pending())
	}

	s.Add(persisted(3))
	_ = s.Flush()

	if notified.Load() != 4 || len(store.saved) != 4 {
		t.Errorf("notified = %d saved = %v, want 4 and four apexes", notified.Load(), store.saved)
	}
}

func TestScheduler_RetriesWithinBudget(t *testing.T) {
	store := &flakyStore{failures: 2}
	cfg := Config{FlushInterval: time.Hour, FlushTimeout: 2 * time.Second, RetryDelay: time.Millisecond}
	s, state := newTestScheduler(t, store, cfg)

	s.Add(persisted(1))

	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if state.IsFailed() {
		t.Error("recovered flush should not fail the node")
	}

	if s.LastPersisted() != 1 {
		t.Errorf("last persisted = %d, want 1", s.LastPersisted())
	}
}

func TestScheduler_TimeoutFailsNode(t *testing.T) {
	store := &flakyStore{failures: -1}
	cfg := Config{FlushInterval: time.Hour, FlushTimeout: 50 * time.Millisecond, RetryDelay: 5 * time.Millisecond}
	s, state := newTestScheduler(t, store, cfg)

	s.Add(persisted(1))

	err := s.Flush()
	if !errors.Is(err, ErrFlushTimeout) {
		t.Fatalf("err = %v, want ErrFlushTimeout", err)
	}

	if !state.IsFailed() || !errors.Is(state.Cause(), ErrFlushTimeout) {
		t.Errorf("state = %s cause = %v, want failed by timeout", state.Current(), state.Cause())
	}
}

func TestScheduler_TimerOnlyWhenReady(t *testing.T) {
	store := &flakyStore{}
	cfg := Config{FlushInterval: 5 * time.Millisecond, FlushTimeout: time.Second, RetryDelay: time.Millisecond}
	s, state := newTestScheduler(t, store, cfg)

	_ = state.Set(constellation.StateRising)
	s.Add(persisted(1))
	s.Start()

	time.Sleep(30 * time.Millisecond)
	if s.LastPersisted() != 0 {
		t.Fatal("flush ran while the node was not ready")
	}

	_ = state.Set(constellation.StateReady)

	deadline := time.Now().Add(2 * time.Second)
	for s.LastPersisted() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("timer flush did not run once ready")
		}
		time.Sleep(time.Millisecond)
	}

	s.Stop()
}

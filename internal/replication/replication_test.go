package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"Constellation/internal/apex"
	"Constellation/internal/constellation"
	"Constellation/internal/metrics"
	"Constellation/internal/quantum"
)

// memoryStore is an in-memory durable history.
type memoryStore struct {
	mu     sync.Mutex
	quanta map[uint64]*quantum.Persisted
	last   uint64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{quanta: make(map[uint64]*quantum.Persisted)}
}

func (m *memoryStore) put(p *quantum.Persisted) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.quanta[p.Quantum.Apex] = p
	if p.Quantum.Apex > m.last {
		m.last = p.Quantum.Apex
	}
}

func (m *memoryStore) LoadQuantaAboveApex(a uint64, limit int) ([]*quantum.Persisted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var apexes []uint64
	for k := range m.quanta {
		if k > a {
			apexes = append(apexes, k)
		}
	}
	sort.Slice(apexes, func(i, j int) bool { return apexes[i] < apexes[j] })

	if len(apexes) > limit {
		apexes = apexes[:limit]
	}

	out := make([]*quantum.Persisted, len(apexes))
	for i, k := range apexes {
		out[i] = m.quanta[k]
	}

	return out, nil
}

func (m *memoryStore) LastPersistedApex() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.last, nil
}

// persistedAt builds a finalized quantum signed by auditors 0 and 1.
func persistedAt(a uint64) *quantum.Persisted {
	q := &quantum.Quantum{Apex: a, Kind: quantum.KindRequest, Payload: []byte(fmt.Sprintf("q%d", a))}
	q.Seal()

	return &quantum.Persisted{
		Quantum: q,
		Signatures: []quantum.NodeSignature{
			{AuditorID: 0, PayloadSignature: []byte{0xA}},
			{AuditorID: 1, PayloadSignature: []byte{0xB}},
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 1000
	cfg.PortionSize = 50
	cfg.PollInterval = time.Millisecond

	return cfg
}

func newTestStorage(t *testing.T, cfg Config, store Durable) *Storage {
	t.Helper()

	s, err := NewStorage(cfg, store, metrics.New())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("start storage: %v", err)
	}
	t.Cleanup(s.Stop)

	return s
}

// fill adds raw items for apexes [from, to] to both streams.
func fill(t *testing.T, s *Storage, from, to uint64) {
	t.Helper()

	for a := from; a <= to; a++ {
		if err := s.AddQuantum(a, []byte(fmt.Sprintf("q%d", a))); err != nil {
			t.Fatalf("add quantum %d: %v", a, err)
		}
		if err := s.AddSignatures(a, []byte(fmt.Sprintf("s%d", a))); err != nil {
			t.Fatalf("add signatures %d: %v", a, err)
		}
	}
}

func TestEncodePortion_RoundTrip(t *testing.T) {
	items := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}

	data, err := EncodePortion(apex.StreamSignatures, 10, 13, items)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d, err := DecodePortion(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if d.Stream != apex.StreamSignatures || d.Start != 10 || d.LastApex != 13 || len(d.Items) != 3 {
		t.Fatalf("decoded = %+v", d)
	}

	if !bytes.Equal(d.Items[2], []byte("ccc")) {
		t.Errorf("item 2 = %q", d.Items[2])
	}

	if _, err := DecodePortion([]byte("not zstd")); err == nil {
		t.Error("garbage should fail to decode")
	}
}

func TestStorage_PortionAlignment(t *testing.T) {
	s := newTestStorage(t, testConfig(), newMemoryStore())
	fill(t, s, 1, 250)

	if h := s.Head(apex.StreamQuanta); h != 250 {
		t.Fatalf("head = %d, want 250", h)
	}

	b, err := s.GetQuanta(100, false)
	if err != nil || b == nil {
		t.Fatalf("portion = %v, %v", b, err)
	}

	if b.Start != 100 || b.LastApex != 150 {
		t.Fatalf("portion = (%d, %d], want (100, 150]", b.Start, b.LastApex)
	}

	d, _ := DecodePortion(b.Data)
	if string(d.Items[0]) != "q101" || string(d.Items[49]) != "q150" {
		t.Errorf("items span %q..%q, want q101..q150", d.Items[0], d.Items[49])
	}

	// A cursor inside a portion still gets the whole aligned portion.
	b2, _ := s.GetSignatures(120, false)
	if b2.Start != 100 || b2.LastApex != 150 {
		t.Errorf("signatures portion = (%d, %d], want (100, 150]", b2.Start, b2.LastApex)
	}
}

func TestStorage_PartialPortionNeedsForce(t *testing.T) {
	s := newTestStorage(t, testConfig(), newMemoryStore())
	fill(t, s, 1, 260)

	if b, _ := s.GetQuanta(250, false); b != nil {
		t.Fatalf("partial portion without force = (%d, %d], want nil", b.Start, b.LastApex)
	}

	b, _ := s.GetQuanta(250, true)
	if b == nil || b.LastApex != 260 || b.Count != 10 {
		t.Fatalf("forced portion = %+v, want up to 260", b)
	}
}

func TestStorage_PortionAcrossBatches(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 100
	s := newTestStorage(t, cfg, newMemoryStore())

	fill(t, s, 1, 130)

	if h := s.Head(apex.StreamQuanta); h != 130 {
		t.Fatalf("head = %d, want 130", h)
	}

	b, err := s.GetQuanta(50, false)
	if err != nil || b == nil || b.LastApex != 100 {
		t.Fatalf("portion (50, 100] = %+v, %v", b, err)
	}

	d, _ := DecodePortion(b.Data)
	if string(d.Items[len(d.Items)-1]) != "q100" {
		t.Errorf("last item = %q, want q100 from the next batch", d.Items[len(d.Items)-1])
	}
}

func TestStorage_EvictAndReload(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.EvictionTTL = time.Second
	store := newMemoryStore()
	s := newTestStorage(t, cfg, store)

	for a := uint64(1); a <= 120; a++ {
		p := persistedAt(a)
		_ = s.AddQuantum(a, quantum.MarshalQuantumRecord(p.Quantum, p.Signatures[0]))
		_ = s.AddSignatures(a, quantum.MarshalSignatureRecord(a, p.Signatures[1:]))
		store.put(p)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Head(apex.StreamSignatures) != 120 {
		if time.Now().After(deadline) {
			t.Fatalf("head = %d, want 120", s.Head(apex.StreamSignatures))
		}
		time.Sleep(time.Millisecond)
	}

	now := time.Now()
	s.NotifyPersisted(50)
	s.cleanup(now)

	if !s.batches.Pinned(0) {
		t.Fatal("partially persisted batch must stay pinned")
	}

	s.NotifyPersisted(120)
	s.cleanup(now)

	if s.batches.Pinned(0) {
		t.Fatal("fulfilled persisted batch should be released")
	}

	if !s.batches.Pinned(100) {
		t.Fatal("current batch must stay pinned")
	}

	s.cleanup(now.Add(2 * time.Second))

	if _, ok := s.batches.Get(0); ok {
		t.Fatal("released batch should be evicted after the ttl")
	}

	b, err := s.GetQuanta(0, false)
	if err != nil || b == nil || b.LastApex != 50 {
		t.Fatalf("reloaded portion = %+v, %v", b, err)
	}

	d, _ := DecodePortion(b.Data)
	rec, err := quantum.UnmarshalQuantumRecord(d.Items[0])
	if err != nil || rec.Quantum.Apex != 1 || rec.AlphaSignature.AuditorID != 0 {
		t.Errorf("reloaded record = %+v, %v", rec, err)
	}
}

func TestStorage_ResumeFromDurable(t *testing.T) {
	store := newMemoryStore()
	for a := uint64(1); a <= 70; a++ {
		store.put(persistedAt(a))
	}

	s := newTestStorage(t, testConfig(), store)

	if h := s.Head(apex.StreamQuanta); h != 70 {
		t.Fatalf("head after restart = %d, want 70", h)
	}

	p := persistedAt(71)
	if err := s.AddQuantum(71, quantum.MarshalQuantumRecord(p.Quantum, p.Signatures[0])); err != nil {
		t.Fatalf("add after restart: %v", err)
	}

	if h := s.Head(apex.StreamQuanta); h != 71 {
		t.Errorf("head = %d, want 71", h)
	}
}

func TestCursorTable(t *testing.T) {
	ct := NewCursorTable()

	if ct.Advance(1, apex.StreamQuanta, 5) {
		t.Fatal("unknown follower should not advance")
	}

	ct.Set(1, apex.StreamQuanta, 10)

	if ct.Advance(1, apex.StreamQuanta, 9) {
		t.Error("cursor moved backwards")
	}

	if !ct.Advance(1, apex.StreamQuanta, 20) {
		t.Error("cursor should advance")
	}

	c, _ := ct.Get(1, apex.StreamQuanta)
	s, _ := ct.Get(1, apex.StreamSignatures)
	if c.Apex != 20 || s.Apex != 0 {
		t.Errorf("cursors = %d/%d, want 20/0", c.Apex, s.Apex)
	}

	ct.Remove(1)
	if len(ct.Snapshot(apex.StreamQuanta)) != 0 {
		t.Error("removed follower still tracked")
	}
}

// recordingFollower decodes every portion and acknowledges its last apex.
type recordingFollower struct {
	id   uint8
	mu   sync.Mutex
	seen map[apex.Stream][]uint64
	fail bool
}

func (f *recordingFollower) ID() uint8 { return f.id }

func (f *recordingFollower) Push(_ context.Context, stream apex.Stream, b *apex.Batch) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return 0, errors.New("connection reset")
	}

	d, err := DecodePortion(b.Data)
	if err != nil {
		return 0, err
	}

	if f.seen == nil {
		f.seen = make(map[apex.Stream][]uint64)
	}

	last := d.Start
	if n := len(f.seen[stream]); n > 0 {
		last = f.seen[stream][n-1]
	}

	for i := range d.Items {
		a := d.Start + uint64(i) + 1
		if a > last {
			f.seen[stream] = append(f.seen[stream], a)
		}
	}

	return d.LastApex, nil
}

type staticFollowers []Follower

func (s staticFollowers) Followers() []Follower { return s }

type fixedMajority int

func (m fixedMajority) RequiredMajority() int { return int(m) }

func readyState(t *testing.T) *constellation.State {
	t.Helper()

	st := constellation.NewState()
	_ = st.Set(constellation.StateReady)

	return st
}

func TestPusher_CatchUp(t *testing.T) {
	s := newTestStorage(t, testConfig(), newMemoryStore())
	fill(t, s, 1, 250)

	f := &recordingFollower{id: 2}
	cursors := NewCursorTable()
	cursors.Set(2, apex.StreamQuanta, 100)
	cursors.Set(2, apex.StreamSignatures, 100)

	p := NewPusher(testConfig(), s, staticFollowers{f}, cursors, fixedMajority(2), readyState(t), metrics.New())

	wantCursors := []uint64{150, 200, 250, 250}
	for i, want := range wantCursors {
		if err := p.tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}

		c, _ := cursors.Get(2, apex.StreamQuanta)
		if c.Apex != want {
			t.Fatalf("after tick %d cursor = %d, want %d", i, c.Apex, want)
		}
	}

	got := f.seen[apex.StreamQuanta]
	if len(got) != 150 {
		t.Fatalf("received %d apexes, want 150", len(got))
	}

	for i, a := range got {
		if a != uint64(101+i) {
			t.Fatalf("apex %d at position %d, want %d", a, i, 101+i)
		}
	}
}

func TestPusher_ForcesStaleCursor(t *testing.T) {
	s := newTestStorage(t, testConfig(), newMemoryStore())
	fill(t, s, 1, 120)

	f := &recordingFollower{id: 1}
	cursors := NewCursorTable()
	cursors.Set(1, apex.StreamQuanta, 100)

	p := NewPusher(testConfig(), s, staticFollowers{f}, cursors, fixedMajority(2), readyState(t), metrics.New())

	start := time.Now()
	p.now = func() time.Time { return start }
	cursors.now = func() time.Time { return start }
	cursors.Set(1, apex.StreamQuanta, 100)

	_ = p.tick(context.Background())
	if c, _ := cursors.Get(1, apex.StreamQuanta); c.Apex != 100 {
		t.Fatalf("fresh cursor pushed a partial portion: %d", c.Apex)
	}

	p.now = func() time.Time { return start.Add(200 * time.Millisecond) }
	_ = p.tick(context.Background())

	if c, _ := cursors.Get(1, apex.StreamQuanta); c.Apex != 120 {
		t.Errorf("stale cursor = %d, want forced push to 120", c.Apex)
	}
}

func TestPusher_FailureKeepsCursor(t *testing.T) {
	s := newTestStorage(t, testConfig(), newMemoryStore())
	fill(t, s, 1, 100)

	bad := &recordingFollower{id: 1, fail: true}
	good := &recordingFollower{id: 2}

	cursors := NewCursorTable()
	cursors.Set(1, apex.StreamQuanta, 0)
	cursors.Set(2, apex.StreamQuanta, 0)

	p := NewPusher(testConfig(), s, staticFollowers{bad, good}, cursors, fixedMajority(2), readyState(t), metrics.New())
	_ = p.tick(context.Background())

	if c, _ := cursors.Get(1, apex.StreamQuanta); c.Apex != 0 {
		t.Errorf("failed follower cursor = %d, want 0", c.Apex)
	}

	if c, _ := cursors.Get(2, apex.StreamQuanta); c.Apex != 50 {
		t.Errorf("healthy follower cursor = %d, want 50", c.Apex)
	}
}

func TestPusher_NotServing(t *testing.T) {
	s := newTestStorage(t, testConfig(), newMemoryStore())

	st := constellation.NewState()
	_ = st.Set(constellation.StateRising)

	p := NewPusher(testConfig(), s, staticFollowers{}, NewCursorTable(), fixedMajority(2), st, metrics.New())

	if err := p.tick(context.Background()); !errors.Is(err, ErrNotServing) {
		t.Errorf("err = %v, want ErrNotServing", err)
	}
}

func TestPusher_AheadOfHead(t *testing.T) {
	s := newTestStorage(t, testConfig(), newMemoryStore())
	fill(t, s, 1, 100)

	a := &recordingFollower{id: 1}
	b := &recordingFollower{id: 2}
	cursors := NewCursorTable()
	cursors.Set(1, apex.StreamQuanta, 500)
	cursors.Set(2, apex.StreamQuanta, 0)

	p := NewPusher(testConfig(), s, staticFollowers{a, b}, cursors, fixedMajority(2), readyState(t), metrics.New())
	_ = p.tick(context.Background())

	if c, _ := cursors.Get(1, apex.StreamQuanta); c.Apex != 500 {
		t.Errorf("ahead cursor changed to %d", c.Apex)
	}

	if c, _ := cursors.Get(2, apex.StreamQuanta); c.Apex != 50 {
		t.Errorf("a single ahead follower should not block others, cursor = %d", c.Apex)
	}
}

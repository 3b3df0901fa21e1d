package quorum

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"Constellation/internal/apex"
	"Constellation/internal/cache"
	"Constellation/internal/logger"
	"Constellation/internal/metrics"
	"Constellation/internal/quantum"
)

// Config holds the result manager settings.
type Config struct {
	SelfID               uint8         // SelfID is this node's auditor id
	BatchSize            uint64        // BatchSize is the number of apexes per aggregate batch
	AdvanceThreshold     uint64        // AdvanceThreshold pre-creates the next batch when the head is this close
	HousekeepingInterval time.Duration // HousekeepingInterval is the period of the housekeeping pass
	EvictionTTL          time.Duration // EvictionTTL is the sliding expiration of persisted batches
}

// DefaultConfig returns the conventional settings for selfID.
func DefaultConfig(selfID uint8) Config {
	return Config{
		SelfID:               selfID,
		BatchSize:            1_000_000,
		AdvanceThreshold:     100_000,
		HousekeepingInterval: time.Second,
		EvictionTTL:          cache.DefaultTTL,
	}
}

// Deps are the collaborators of the result manager. Bridge may be nil when
// the node never processes withdrawals.
type Deps struct {
	Membership Membership
	Signer     Signer
	Bridge     TxBridge
	Persister  Persister
	Replicator Replicator
	Notifier   Notifier
	Fatal      FatalReporter
	Metrics    *metrics.Metrics
}

// aggregateBatch holds the aggregates of apexes [id, id+size), created lazily.
type aggregateBatch struct {
	id    uint64
	items []atomic.Pointer[Aggregate]
}

// ResultManager owns one aggregate per apex, grouped in cached batches.
// Batches stay pinned until their whole range is durably persisted.
type ResultManager struct {
	cfg        Config
	membership Membership
	signer     Signer
	bridge     TxBridge
	persister  Persister
	replicator Replicator
	notifier   Notifier
	fatal      FatalReporter
	metrics    *metrics.Metrics
	log        *slog.Logger

	batches   *cache.Cache[uint64, *aggregateBatch]
	head      atomic.Uint64 // head is the highest apex with a local result
	persisted atomic.Uint64 // persisted is the last durably written apex

	hookMu sync.RWMutex
	onOwn  func(apex uint64, sig quantum.NodeSignature)

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewResultManager creates a result manager resuming after persisted.
func NewResultManager(cfg Config, deps Deps, persisted uint64) *ResultManager {
	m := &ResultManager{
		cfg:        cfg,
		membership: deps.Membership,
		signer:     deps.Signer,
		bridge:     deps.Bridge,
		persister:  deps.Persister,
		replicator: deps.Replicator,
		notifier:   deps.Notifier,
		fatal:      deps.Fatal,
		metrics:    deps.Metrics,
		log:        logger.With("component", "quorum"),
		batches:    cache.New[uint64, *aggregateBatch](cfg.EvictionTTL),
		stop:       make(chan struct{}),
	}

	m.persisted.Store(persisted)
	m.head.Store(persisted)

	m.batches.OnEvict(func(id uint64, _ *aggregateBatch) {
		m.log.Debug("aggregate batch evicted", "batch", id)
	})

	return m
}

// OnOwnSignature registers fn, called with this node's signature every time a
// local result is attached. The node uses it to broadcast.
func (m *ResultManager) OnOwnSignature(fn func(apex uint64, sig quantum.NodeSignature)) {
	m.hookMu.Lock()
	m.onOwn = fn
	m.hookMu.Unlock()
}

// Start launches the housekeeping loop.
func (m *ResultManager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the housekeeping loop.
func (m *ResultManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

// Add attaches the local processing result, signs it and replays outrun signatures.
func (m *ResultManager) Add(result *quantum.Result) error {
	a := result.Apex()
	if a == 0 {
		return fmt.Errorf("apex 0 is reserved")
	}

	if a <= m.persisted.Load() {
		return fmt.Errorf("apex %d already persisted", a)
	}

	own, err := m.sign(result)
	if err != nil {
		return fmt.Errorf("sign apex %d:\n%w", a, err)
	}

	agg, err := m.aggregate(a)
	if err != nil {
		return err
	}

	m.advanceHead(a)

	if err := agg.attach(result, own); err != nil {
		return err
	}

	m.hookMu.RLock()
	fn := m.onOwn
	m.hookMu.RUnlock()

	if fn != nil {
		fn(a, own)
	}

	return nil
}

// AddSignature merges a remote auditor signature for apex. Signatures for
// persisted apexes whose aggregate is gone are ignored.
func (m *ResultManager) AddSignature(a uint64, sig quantum.NodeSignature) error {
	if a == 0 {
		return fmt.Errorf("apex 0 is reserved")
	}

	if a <= m.persisted.Load() {
		if agg := m.lookup(a); agg != nil {
			agg.add(sig)
		}
		return nil
	}

	if limit := m.head.Load() + m.cfg.BatchSize; a > limit {
		return fmt.Errorf("apex %d too far ahead of head %d", a, m.head.Load())
	}

	agg, err := m.aggregate(a)
	if err != nil {
		return err
	}

	agg.add(sig)

	return nil
}

// TryGetResult returns the local result of apex if its aggregate is cached.
func (m *ResultManager) TryGetResult(a uint64) (*quantum.Result, bool) {
	agg := m.lookup(a)
	if agg == nil {
		return nil, false
	}

	r := agg.Result()

	return r, r != nil
}

// TryGetSignatures returns the valid signatures of apex, alpha first, if its aggregate is cached.
func (m *ResultManager) TryGetSignatures(a uint64) ([]quantum.NodeSignature, bool) {
	agg := m.lookup(a)
	if agg == nil {
		return nil, false
	}

	return agg.Signatures(), true
}

// State returns the aggregate state of apex if it is cached.
func (m *ResultManager) State(a uint64) (AggregateState, bool) {
	agg := m.lookup(a)
	if agg == nil {
		return StatePending, false
	}

	return agg.State(), true
}

// NotifyPersisted records that every apex up to a is durable.
func (m *ResultManager) NotifyPersisted(a uint64) {
	for {
		cur := m.persisted.Load()
		if a <= cur || m.persisted.CompareAndSwap(cur, a) {
			return
		}
	}
}

// Head returns the highest apex with a local result.
func (m *ResultManager) Head() uint64 {
	return m.head.Load()
}

// advanceHead raises the head to a.
func (m *ResultManager) advanceHead(a uint64) {
	for {
		cur := m.head.Load()
		if a <= cur || m.head.CompareAndSwap(cur, a) {
			return
		}
	}
}

// sign builds this node's signature, co-signing the transaction of a withdrawal.
func (m *ResultManager) sign(result *quantum.Result) (quantum.NodeSignature, error) {
	q := result.Quantum
	sig := quantum.NodeSignature{
		AuditorID:        m.cfg.SelfID,
		PayloadSignature: m.signer.Sign(q.PayloadHash[:]),
	}

	if q.Kind != quantum.KindWithdrawal || len(q.Transaction) == 0 {
		return sig, nil
	}

	if m.bridge == nil {
		return sig, fmt.Errorf("withdrawal at apex %d without a transaction bridge", q.Apex)
	}

	txSig, signer, err := m.bridge.SignTransaction(q.Transaction)
	if err != nil {
		return sig, fmt.Errorf("sign transaction:\n%w", err)
	}

	sig.TxSignature = txSig
	sig.TxSigner = signer

	return sig, nil
}

// batch returns the batch of id, creating it pinned on a miss.
func (m *ResultManager) batch(id uint64) (*aggregateBatch, error) {
	return m.batches.GetOrCreate(id, func() (*aggregateBatch, error) {
		m.log.Debug("aggregate batch created", "batch", id)
		return &aggregateBatch{id: id, items: make([]atomic.Pointer[Aggregate], m.cfg.BatchSize)}, nil
	}, true)
}

// aggregate returns the aggregate of apex a, creating it at most once.
func (m *ResultManager) aggregate(a uint64) (*Aggregate, error) {
	b, err := m.batch(apex.BatchID(a, m.cfg.BatchSize))
	if err != nil {
		return nil, err
	}

	slot := &b.items[a-b.id]
	if agg := slot.Load(); agg != nil {
		return agg, nil
	}

	fresh := newAggregate(a, m)
	if slot.CompareAndSwap(nil, fresh) {
		return fresh, nil
	}

	return slot.Load(), nil
}

// lookup returns the aggregate of apex a without creating anything.
func (m *ResultManager) lookup(a uint64) *Aggregate {
	b, ok := m.batches.Get(apex.BatchID(a, m.cfg.BatchSize))
	if !ok {
		return nil
	}

	return b.items[a-b.id].Load()
}

// apply runs the side effects of a decision outside the aggregate lock.
func (m *ResultManager) apply(agg *Aggregate, out outcome) {
	switch {
	case out.finalize:
		m.finalize(agg.apex, out.item, out.signatures)
	case out.failure != nil:
		m.log.Error("quorum unreachable", "apex", agg.apex, "error", out.failure)
		m.fatal.Fail(out.failure)
	}
}

// finalize hands a consensus-final quantum to every downstream collaborator.
// It runs exactly once per apex.
func (m *ResultManager) finalize(a uint64, item *quantum.Result, sigs []quantum.NodeSignature) {
	q := item.Quantum

	// Step 1: submit the withdrawal with the collected co-signatures
	if q.Kind == quantum.KindWithdrawal && len(q.Transaction) > 0 && m.bridge != nil {
		var txSigs []quantum.NodeSignature
		for _, s := range sigs {
			if len(s.TxSignature) > 0 {
				txSigs = append(txSigs, s)
			}
		}

		if err := m.bridge.SubmitTransaction(q.Transaction, txSigs); err != nil {
			m.log.Error("submit transaction", "apex", a, "error", err)
		}
	}

	// Step 2: durable model with the consensus signature set
	m.persister.Add(&quantum.Persisted{Quantum: q, Signatures: sigs, Effects: item.Effects})

	// Step 3: replication windows, alpha signature travels with the quantum
	if err := m.replicator.AddQuantum(a, quantum.MarshalQuantumRecord(q, sigs[0])); err != nil {
		m.log.Error("replicate quantum", "apex", a, "error", err)
	}

	if err := m.replicator.AddSignatures(a, quantum.MarshalSignatureRecord(a, sigs[1:])); err != nil {
		m.log.Error("replicate signatures", "apex", a, "error", err)
	}

	item.Finalize()
	m.metrics.FinalizedQuanta.Inc()

	// Step 4: client notifications
	for account, effects := range item.EffectsByAccount() {
		m.notifier.NotifyEffects([]byte(account), effects)
	}
	m.notifier.Deliver(q.Initiator, item)
}

// loop runs housekeeping on a fixed interval.
func (m *ResultManager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.housekeep(now)
		}
	}
}

// housekeep pre-creates the next batch near the head and releases batches
// whose whole range is persisted to sliding expiration.
func (m *ResultManager) housekeep(now time.Time) {
	head := m.head.Load()
	size := m.cfg.BatchSize

	if m.cfg.AdvanceThreshold >= size || head%size >= size-m.cfg.AdvanceThreshold {
		next := apex.BatchID(head, size) + size
		if _, err := m.batch(next); err != nil {
			m.log.Warn("pre-create batch", "batch", next, "error", err)
		}
	}

	persisted := m.persisted.Load()
	for _, id := range m.batches.Keys() {
		if id+size-1 <= persisted && m.batches.Pinned(id) {
			m.batches.Unpin(id)
			m.log.Debug("aggregate batch released", "batch", id)
		}
	}

	m.batches.Sweep(now)
	m.metrics.CachedBatches.WithLabelValues("aggregates").Set(float64(m.batches.Len()))
}

package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Constellation/internal/constellation"
	"Constellation/internal/logger"
	"Constellation/internal/metrics"
	"Constellation/internal/quantum"
)

// ErrFlushTimeout is the fatal cause when a flush does not complete within its budget.
var ErrFlushTimeout = errors.New("flush timed out")

// Durable is the storage the scheduler flushes into.
type Durable interface {
	SaveBatch(b *Batch) error
	LastPersistedApex() (uint64, error)
}

// Config holds the scheduler timings.
type Config struct {
	FlushInterval time.Duration // FlushInterval is the delay between flush attempts
	FlushTimeout  time.Duration // FlushTimeout is the budget of one flush including retries
	RetryDelay    time.Duration // RetryDelay is the pause between failed save attempts
}

// DefaultConfig returns the conventional timings.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 5 * time.Second,
		FlushTimeout:  10 * time.Second,
		RetryDelay:    200 * time.Millisecond,
	}
}

// Scheduler batches finalized quanta and flushes them on a timer. A flush that
// cannot complete within its timeout fails the whole node.
type Scheduler struct {
	cfg     Config
	store   Durable
	state   *constellation.State
	metrics *metrics.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	pending   *Batch
	listeners []func(apex uint64)

	flushMu   sync.Mutex // flushMu serializes flushes
	persisted uint64     // persisted is the last flushed apex, guarded by flushMu

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a scheduler resuming after the store's last persisted apex.
func NewScheduler(store Durable, state *constellation.State, m *metrics.Metrics, cfg Config) (*Scheduler, error) {
	last, err := store.LastPersistedApex()
	if err != nil {
		return nil, fmt.Errorf("read last persisted apex:\n%w", err)
	}

	return &Scheduler{
		cfg:       cfg,
		store:     store,
		state:     state,
		metrics:   m,
		log:       logger.With("component", "persistence"),
		pending:   NewBatch(),
		persisted: last,
		stop:      make(chan struct{}),
	}, nil
}

// OnPersisted registers fn to be called with the last apex of every successful flush.
func (s *Scheduler) OnPersisted(fn func(apex uint64)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Add queues a finalized quantum for the next flush.
func (s *Scheduler) Add(p *quantum.Persisted) {
	s.mu.Lock()
	s.pending.Add(p)
	s.mu.Unlock()
}

// Pending returns the number of quanta waiting for a flush.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Len()
}

// LastPersisted returns the last apex flushed by this scheduler.
func (s *Scheduler) LastPersisted() uint64 {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	return s.persisted
}

// Start launches the flush timer.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the timer and, unless the node failed, flushes what is pending.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()

	if s.state.IsFailed() {
		return
	}

	if err := s.Flush(); err != nil {
		s.log.Error("final flush", "error", err)
	}
}

// loop runs a flush every interval while the node is ready. The timer is only
// re-armed once the previous flush returned.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	s.log.Debug("flush loop started", "interval", s.cfg.FlushInterval)
	defer s.log.Debug("flush loop stopped")

	timer := time.NewTimer(s.cfg.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}

		if s.state.IsFailed() {
			return
		}

		if s.state.IsReady() {
			if err := s.Flush(); err != nil {
				return
			}
		}

		timer.Reset(s.cfg.FlushInterval)
	}
}

// Flush swaps the pending batch and writes its contiguous part. Quanta behind a
// missing apex are carried over to the next batch. Save errors are retried until
// the timeout budget runs out, at which point the node is failed.
func (s *Scheduler) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = NewBatch()
	s.mu.Unlock()

	ready, held := batch.split(s.persisted)
	if held.Len() > 0 {
		s.mu.Lock()
		for _, p := range held.Quanta() {
			s.pending.Add(p)
		}
		s.mu.Unlock()
	}

	if ready.Len() == 0 {
		return nil
	}

	start := time.Now()

	if err := s.save(ready); err != nil {
		s.state.Fail(err)
		return err
	}

	s.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	s.metrics.FlushedQuanta.Add(float64(ready.Len()))

	s.persisted = ready.LastApex()
	s.log.Debug("flushed", "quanta", ready.Len(), "last", s.persisted, logger.Timed(start))

	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(s.persisted)
	}

	return nil
}

// save writes the batch under a watchdog. A failed attempt is retried after
// RetryDelay while the budget allows.
func (s *Scheduler) save(b *Batch) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		attempts := 0
		for {
			attempts++
			err := s.store.SaveBatch(b)
			if err == nil {
				done <- nil
				return
			}

			s.metrics.FlushRetries.Inc()
			s.log.Warn("flush attempt failed", "attempt", attempts, "last", b.LastApex(), "error", err)

			select {
			case <-ctx.Done():
				done <- fmt.Errorf("%w after %d attempts:\n%w", ErrFlushTimeout, attempts, err)
				return
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: apexes up to %d not written within %s", ErrFlushTimeout, b.LastApex(), s.cfg.FlushTimeout)
	}
}

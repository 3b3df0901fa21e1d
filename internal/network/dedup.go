package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is the default time-to-live for seen message hashes.
	defaultDedupTTL = 5 * time.Second

	// dedupCleanupInterval is the interval between cleanup runs.
	dedupCleanupInterval = 1 * time.Second
)

// Dedup drops a sender's repeated messages within a TTL. Entries are keyed
// on the sender and the bytes, so identical messages from distinct peers all
// get through.
type Dedup struct {
	seen map[[32]byte]int64 // seen maps message hash to first-seen time (unix nano)
	mu   sync.Mutex         // mu protects the seen map
	ttl  int64              // ttl in nanoseconds
	now  func() int64       // now returns the current unix nano time
	stop chan struct{}      // stop signals the cleanup goroutine to stop
	once sync.Once          // once guards Close
	wg   sync.WaitGroup     // wg waits for the cleanup goroutine
}

// NewDedup creates a message deduplication tracker. A zero ttl uses the default.
func NewDedup(ttl time.Duration) *Dedup {
	return newDedup(ttl, func() int64 { return time.Now().UnixNano() })
}

// newDedup creates a tracker reading time from now.
func newDedup(ttl time.Duration, now func() int64) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		now:  now,
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.cleanupLoop()

	return d
}

// Check returns true if sender has not sent data within the TTL, and records it.
func (d *Dedup) Check(sender, data []byte) bool {
	h := blake3.New()
	h.Write(sender)
	h.Write(data)

	var hash [32]byte
	h.Sum(hash[:0])

	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, exists := d.seen[hash]; exists && now-ts < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	d.once.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}

// cleanupLoop periodically expires old hashes.
func (d *Dedup) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(dedupCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stop:
			return
		}
	}
}

// cleanup removes expired entries and returns how many were removed.
func (d *Dedup) cleanup() int {
	now := d.now()
	removed := 0

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
			removed++
		}
	}

	return removed
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Constellation/internal/apex"
	"Constellation/internal/network"
	"Constellation/internal/replication"
)

const (
	// recoveryInterval is the period of the alpha's catch-up attempts after a restart.
	recoveryInterval = 500 * time.Millisecond

	// recoveryTimeout bounds how long the alpha waits for apexes proposed
	// before a restart to show up at its followers.
	recoveryTimeout = 30 * time.Second

	// pullTimeout bounds one portion request to a follower.
	pullTimeout = 5 * time.Second
)

// PortionFetcher returns the encoded portion of stream following cursor held
// by follower id, or nil when it holds nothing past cursor.
type PortionFetcher func(ctx context.Context, id uint8, stream apex.Stream, cursor uint64) ([]byte, error)

// recovery brings a restarted alpha up to the apexes its followers already
// hold. Finalized apexes the alpha had not flushed are pulled back and applied;
// the sequencer then resumes after the highest apex any follower saw, so no
// apex is assigned twice.
type recovery struct {
	required int            // required is the number of follower reports to wait for
	fetch    PortionFetcher // fetch reads a portion from a follower
	applier  *replication.Applier
	floor    func() uint64 // floor returns the last apex durable locally
	log      *slog.Logger

	mu      sync.Mutex
	reports map[uint8]replication.CursorReport
}

// newRecovery creates the catch-up state of a restarted alpha.
func newRecovery(required int, fetch PortionFetcher, applier *replication.Applier, floor func() uint64, log *slog.Logger) *recovery {
	return &recovery{
		required: required,
		fetch:    fetch,
		applier:  applier,
		floor:    floor,
		log:      log,
		reports:  make(map[uint8]replication.CursorReport),
	}
}

// Report records where follower id stands.
func (r *recovery) Report(id uint8, report replication.CursorReport) {
	r.mu.Lock()
	r.reports[id] = report
	r.mu.Unlock()
}

// snapshot copies the reports received so far.
func (r *recovery) snapshot() map[uint8]replication.CursorReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint8]replication.CursorReport, len(r.reports))
	for id, rep := range r.reports {
		out[id] = rep
	}

	return out
}

// head returns the last apex this node holds, durable or recovered.
func (r *recovery) head() uint64 {
	return max(r.floor(), r.applier.Applied())
}

// Step pulls every stream from every reporting follower and returns the local
// head and the highest apex a follower reported. done is set once enough
// followers reported and the head covers all of them.
func (r *recovery) Step(ctx context.Context) (head, target uint64, done bool) {
	reports := r.snapshot()

	for id, rep := range reports {
		target = max(target, rep.Highest())

		for _, stream := range apex.Streams {
			if err := r.pull(ctx, id, stream); err != nil {
				r.log.Warn("recovery pull failed", "follower", id, "stream", stream, "error", err)
			}
		}
	}

	head = r.head()

	return head, target, len(reports) >= r.required && head >= target
}

// pull applies portions of stream from follower id until it has nothing newer.
func (r *recovery) pull(ctx context.Context, id uint8, stream apex.Stream) error {
	for {
		before := r.applier.Cursor(stream)

		blob, err := r.fetch(ctx, id, stream, before)
		if err != nil {
			return err
		}

		if len(blob) == 0 {
			return nil
		}

		_, after, err := r.applier.Apply(blob)
		if err != nil {
			return fmt.Errorf("apply %s portion after %d:\n%w", stream, before, err)
		}

		if after <= before {
			return nil
		}
	}
}

// recoverLoop runs the alpha's catch-up until it is done, the node stops or the
// timeout expires. On success the sequencer moves past every known apex and
// the node becomes ready; on timeout the node fails.
func (n *Node) recoverLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(recoveryTimeout)

	for {
		ctx, cancel := context.WithTimeout(context.Background(), recoveryInterval+pullTimeout)
		head, target, done := n.recovery.Step(ctx)
		cancel()

		if done {
			n.sequencer.Advance(head)
			n.log.Info("alpha caught up", "apex", head)
			n.setReady()
			return
		}

		if time.Now().After(deadline) {
			if target > head {
				n.state.Fail(fmt.Errorf("apexes %d..%d were proposed before restart and are held by no follower", head+1, target))
			} else {
				n.state.Fail(fmt.Errorf("no follower reported its cursors within %s, local apex %d", recoveryTimeout, head))
			}
			return
		}

		select {
		case <-ticker.C:
		case <-n.stop:
			return
		}
	}
}

// fetchPortion requests a portion from a connected follower.
func (n *Node) fetchPortion(ctx context.Context, id uint8, stream apex.Stream, cursor uint64) ([]byte, error) {
	peer := n.network.GetAuditor(id)
	if peer == nil {
		return nil, fmt.Errorf("auditor %d not connected", id)
	}

	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	return peer.Request(ctx, network.Frame(msgPull, replication.MarshalPortionRequest(stream, cursor)))
}

// handlePull serves the alpha's catch-up from the local replication storage.
func (n *Node) handlePull(peer *network.Peer, body []byte) ([]byte, error) {
	if id, ok := peer.AuditorID(); !ok || id != n.membership.AlphaID() {
		return nil, fmt.Errorf("pull from non-alpha peer")
	}

	stream, cursor, err := replication.UnmarshalPortionRequest(body)
	if err != nil {
		return nil, err
	}

	b, err := n.replication.Portion(stream, cursor, true)
	if err != nil {
		return nil, err
	}

	if b == nil || b.LastApex <= cursor {
		return []byte{}, nil
	}

	return b.Data, nil
}

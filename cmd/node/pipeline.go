package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Constellation/internal/api"
	"Constellation/internal/network"
	"Constellation/internal/quantum"
)

// maxPendingProposals bounds the proposals held while waiting for a missing apex.
const maxPendingProposals = 100_000

// journal is the processing step run on every quantum. Business rules live
// outside this node, so the only effect is a journal entry for the initiator.
func journal(q *quantum.Quantum) []quantum.Effect {
	return []quantum.Effect{{
		Account: q.Initiator,
		Kind:    uint8(q.Kind),
		Data:    q.PayloadHash[:],
	}}
}

// Submit assigns the next apex to a client submission and attaches the local
// result. Only the alpha accepts submissions.
func (n *Node) Submit(sub *quantum.Submission) (*quantum.Quantum, error) {
	if !n.isAlpha() {
		return nil, api.ErrNotAlpha
	}

	if !n.state.IsReady() {
		return nil, fmt.Errorf("node is %s", n.state.Current())
	}

	n.submitMu.Lock()
	defer n.submitMu.Unlock()

	a := n.sequencer.Next()
	q := sub.Quantum(a, time.Now().UnixMilli())

	if err := n.quorum.Add(&quantum.Result{Quantum: q, Effects: journal(q)}); err != nil {
		return nil, fmt.Errorf("attach apex %d:\n%w", a, err)
	}

	return q, nil
}

// processProposal runs the auditor side of an alpha proposal: attach the local
// result, which signs and broadcasts, then count the alpha signature.
func (n *Node) processProposal(rec *quantum.QuantumRecord) error {
	q := rec.Quantum

	if err := n.quorum.Add(&quantum.Result{Quantum: q, Effects: journal(q)}); err != nil {
		return fmt.Errorf("attach apex %d:\n%w", q.Apex, err)
	}

	if err := n.quorum.AddSignature(q.Apex, rec.AlphaSignature); err != nil {
		return fmt.Errorf("add alpha signature for apex %d:\n%w", q.Apex, err)
	}

	return nil
}

// broadcastOwn publishes this node's signature. The alpha's signature travels
// inside the proposal itself.
func (n *Node) broadcastOwn(a uint64, sig quantum.NodeSignature) {
	var msg []byte

	if n.isAlpha() {
		result, ok := n.quorum.TryGetResult(a)
		if !ok {
			n.log.Error("proposal without a local result", "apex", a)
			return
		}
		msg = network.Frame(msgProposal, quantum.MarshalQuantumRecord(result.Quantum, sig))
	} else {
		msg = network.Frame(msgSignature, quantum.MarshalSignatureRecord(a, []quantum.NodeSignature{sig}))
	}

	if err := n.network.BroadcastAuditors(msg); err != nil {
		n.log.Warn("broadcast failed", "apex", a, "error", err)
	}
}

// proposalQueue hands alpha proposals to the auditor pipeline in apex order.
// Apexes already covered by replication are skipped.
type proposalQueue struct {
	mu        sync.Mutex
	processed uint64                            // processed is the last apex handed on
	pending   map[uint64]*quantum.QuantumRecord // pending holds proposals past a gap
	floor     func() uint64                     // floor returns the last apex covered elsewhere
	process   func(rec *quantum.QuantumRecord) error
	log       *slog.Logger
}

// newProposalQueue creates a queue resuming after processed.
func newProposalQueue(processed uint64, floor func() uint64, process func(*quantum.QuantumRecord) error, log *slog.Logger) *proposalQueue {
	return &proposalQueue{
		processed: processed,
		pending:   make(map[uint64]*quantum.QuantumRecord),
		floor:     floor,
		process:   process,
		log:       log,
	}
}

// Add queues a proposal and processes every contiguous one.
func (q *proposalQueue) Add(rec *quantum.QuantumRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.catchUpLocked()

	a := rec.Quantum.Apex
	if a <= q.processed {
		return
	}

	if _, ok := q.pending[a]; !ok && len(q.pending) >= maxPendingProposals {
		q.log.Warn("proposal queue full, dropping", "apex", a, "processed", q.processed)
		return
	}

	q.pending[a] = rec
	q.drainLocked()
}

// Sync drops proposals covered by replication and resumes processing.
func (q *proposalQueue) Sync() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.catchUpLocked()
	q.drainLocked()
}

// Len returns the number of proposals waiting behind a gap.
func (q *proposalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Processed returns the last apex handed on.
func (q *proposalQueue) Processed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.processed
}

func (q *proposalQueue) catchUpLocked() {
	if f := q.floor(); f > q.processed {
		q.processed = f
	}

	for a := range q.pending {
		if a <= q.processed {
			delete(q.pending, a)
		}
	}
}

func (q *proposalQueue) drainLocked() {
	for {
		rec, ok := q.pending[q.processed+1]
		if !ok {
			return
		}

		delete(q.pending, q.processed+1)
		q.processed++

		if err := q.process(rec); err != nil {
			q.log.Warn("process proposal", "apex", rec.Quantum.Apex, "error", err)
		}
	}
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"Constellation/internal/apex"
	"Constellation/internal/constellation"
	"Constellation/internal/logger"
	"Constellation/internal/quantum"
	"Constellation/internal/quorum"
	"Constellation/internal/replication"
)

// restartedAlpha is an alpha that persisted apexes 1..7 before going down
// while its followers hold finalized portions up to apex 10.
type restartedAlpha struct {
	mu       sync.Mutex
	sunk     []uint64
	failures []error
	portions map[apex.Stream][]byte
	pulls    int
}

func (r *restartedAlpha) Add(p *quantum.Persisted) {
	r.mu.Lock()
	r.sunk = append(r.sunk, p.Quantum.Apex)
	r.mu.Unlock()
}

func (r *restartedAlpha) AddQuantum(uint64, []byte) error    { return nil }
func (r *restartedAlpha) AddSignatures(uint64, []byte) error { return nil }

func (r *restartedAlpha) Fail(err error) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
}

// fetch serves the followers' portion (0, 10] of each stream.
func (r *restartedAlpha) fetch(_ context.Context, _ uint8, stream apex.Stream, cursor uint64) ([]byte, error) {
	r.mu.Lock()
	r.pulls++
	r.mu.Unlock()

	if cursor >= 10 {
		return nil, nil
	}

	return r.portions[stream], nil
}

func newRestartedAlpha(t *testing.T) (*restartedAlpha, *replication.Applier) {
	t.Helper()

	keys := make([]*constellation.KeyPair, 3)
	auditors := make([]*constellation.Auditor, 3)
	for i := range keys {
		kp, err := constellation.KeyPairFromSeed(bytes.Repeat([]byte{byte(i + 1)}, 32))
		if err != nil {
			t.Fatalf("key %d: %v", i, err)
		}
		keys[i] = kp
		auditors[i] = &constellation.Auditor{ID: uint8(i), BLSPubKey: kp.PublicKey()}
	}

	m, err := constellation.NewMembership(0, auditors)
	if err != nil {
		t.Fatalf("membership: %v", err)
	}

	sign := func(id int, q *quantum.Quantum) quantum.NodeSignature {
		return quantum.NodeSignature{AuditorID: uint8(id), PayloadSignature: keys[id].Sign(q.PayloadHash[:])}
	}

	var quanta, sigs [][]byte
	for a := uint64(1); a <= 10; a++ {
		q := &quantum.Quantum{Apex: a, Kind: quantum.KindDeposit, Payload: []byte(fmt.Sprintf("deposit-%d", a)), Initiator: []byte("acc")}
		q.Seal()

		quanta = append(quanta, quantum.MarshalQuantumRecord(q, sign(0, q)))
		sigs = append(sigs, quantum.MarshalSignatureRecord(a, []quantum.NodeSignature{sign(1, q)}))
	}

	r := &restartedAlpha{portions: make(map[apex.Stream][]byte)}

	if r.portions[apex.StreamQuanta], err = replication.EncodePortion(apex.StreamQuanta, 0, 10, quanta); err != nil {
		t.Fatalf("encode quanta: %v", err)
	}
	if r.portions[apex.StreamSignatures], err = replication.EncodePortion(apex.StreamSignatures, 0, 10, sigs); err != nil {
		t.Fatalf("encode signatures: %v", err)
	}

	process := func(q *quantum.Quantum) []quantum.Effect { return nil }
	applier := replication.NewApplier(m, quorum.NewMajorityManager(m), r, r, r, process, 7)

	return r, applier
}

func TestRecovery_RestartedAlphaCatchesUpBeforeSequencing(t *testing.T) {
	r, applier := newRestartedAlpha(t)
	rec := newRecovery(1, r.fetch, applier, func() uint64 { return 7 }, logger.With("component", "test"))

	head, _, done := rec.Step(context.Background())
	if done || head != 7 {
		t.Fatalf("step without reports = head %d done %v, want 7 false", head, done)
	}

	rec.Report(1, replication.CursorReport{Quanta: 10, Signatures: 10, Proposed: 10})

	head, target, done := rec.Step(context.Background())
	if !done || head != 10 || target != 10 {
		t.Fatalf("step = head %d target %d done %v, want 10 10 true", head, target, done)
	}

	if len(r.sunk) != 3 || r.sunk[0] != 8 || r.sunk[2] != 10 {
		t.Errorf("recovered %v, want [8 9 10]", r.sunk)
	}

	if len(r.failures) != 0 {
		t.Errorf("failures = %v, want none", r.failures)
	}

	seq := apex.NewSequencer(7)
	seq.Advance(head)

	if a := seq.Next(); a != 11 {
		t.Errorf("next apex after catch-up = %d, want 11", a)
	}
}

func TestRecovery_HeldBackWhileFollowerIsAhead(t *testing.T) {
	r, applier := newRestartedAlpha(t)
	rec := newRecovery(1, r.fetch, applier, func() uint64 { return 7 }, logger.With("component", "test"))

	// apexes 11 and 12 were proposed but never finalized anywhere
	rec.Report(2, replication.CursorReport{Quanta: 10, Signatures: 10, Proposed: 12})

	head, target, done := rec.Step(context.Background())
	if done {
		t.Fatal("recovery done while a follower saw apex 12")
	}

	if head != 10 || target != 12 {
		t.Errorf("step = head %d target %d, want 10 12", head, target)
	}

	r.mu.Lock()
	pulls := r.pulls
	r.mu.Unlock()

	if _, _, done := rec.Step(context.Background()); done {
		t.Fatal("second step done while a follower saw apex 12")
	}

	if r.pulls <= pulls {
		t.Errorf("second step did not pull again")
	}
}

func TestRecovery_WaitsForEnoughReports(t *testing.T) {
	r, applier := newRestartedAlpha(t)
	rec := newRecovery(2, r.fetch, applier, func() uint64 { return 7 }, logger.With("component", "test"))

	rec.Report(1, replication.CursorReport{Quanta: 10, Signatures: 10, Proposed: 10})

	if _, _, done := rec.Step(context.Background()); done {
		t.Fatal("recovery done with one report out of two")
	}

	rec.Report(2, replication.CursorReport{Quanta: 9, Signatures: 9, Proposed: 10})

	if head, _, done := rec.Step(context.Background()); !done || head != 10 {
		t.Fatalf("step = head %d done %v, want 10 true", head, done)
	}
}

func TestIsBroadcast(t *testing.T) {
	cases := map[byte]bool{
		msgProposal:     true,
		msgSignature:    true,
		msgCursorReport: false,
		msgPull:         false,
	}

	for typ, want := range cases {
		if got := isBroadcast([]byte{typ, 0}); got != want {
			t.Errorf("isBroadcast(%s) = %v, want %v", messageName(typ), got, want)
		}
	}
}
